package gateway

import (
	"errors"

	"github.com/harun/flipmentor/pkg/assistant"
	"github.com/harun/flipmentor/pkg/sessions"
)

// errorCodes maps assistant error kinds onto RPC codes.
var errorCodes = []struct {
	kind error
	code int
}{
	{assistant.ErrRemoteRequestFailed, RemoteRequestFailed},
	{assistant.ErrRunFailed, RunFailed},
	{assistant.ErrRunExpired, RunExpired},
	{assistant.ErrRunCancelled, RunCancelled},
	{assistant.ErrRunTimedOut, RunTimedOut},
	{assistant.ErrRunInProgress, RunInProgress},
	{assistant.ErrCancelled, Cancelled},
	{assistant.ErrInvalidInput, InvalidInput},
}

// toRPCError converts a handler error into its wire form.
func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	var typed *assistant.Error
	if errors.As(err, &typed) {
		code := InternalError
		for _, m := range errorCodes {
			if errors.Is(err, m.kind) {
				code = m.code
				break
			}
		}
		data := map[string]interface{}{
			"kind": assistant.KindName(err),
		}
		if typed.Op != "" {
			data["op"] = typed.Op
		}
		if typed.SessionID != "" {
			data["session_id"] = typed.SessionID
		}
		if typed.RunID != "" {
			data["run_id"] = typed.RunID
		}
		if typed.Detail != "" {
			data["detail"] = typed.Detail
		}
		if typed.Attempts > 0 {
			data["attempts"] = typed.Attempts
		}
		return &RPCError{Code: code, Message: err.Error(), Data: data}
	}

	if errors.Is(err, sessions.ErrInvalidKey) {
		return &RPCError{Code: InvalidParams, Message: err.Error()}
	}

	return &RPCError{Code: InternalError, Message: err.Error()}
}

func invalidParams(message string) *RPCError {
	return &RPCError{Code: InvalidParams, Message: message}
}

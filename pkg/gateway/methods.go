package gateway

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/harun/flipmentor/internal/tracing"
	"github.com/harun/flipmentor/pkg/runledger"
)

// Built-in RPC method names.
const (
	MethodChatSend    = "chat.send"
	MethodChatReset   = "chat.reset"
	MethodChatWelcome = "chat.welcome"
	MethodRunsList    = "runs.list"
	MethodHealth      = "health"
)

const maxRunsListLimit = 500

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod(MethodChatSend, s.handleChatSend)
	_ = s.RegisterMethod(MethodChatReset, s.handleChatReset)
	_ = s.RegisterMethod(MethodChatWelcome, s.handleChatWelcome)
	_ = s.RegisterMethod(MethodHealth, s.handleHealth)

	if s.ledger != nil {
		_ = s.RegisterMethod(MethodRunsList, s.handleRunsList)
	}
}

// handleChatSend sends one user turn and waits for the assistant reply.
func (s *Server) handleChatSend(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionKey, err := stringParam(params, "session_key", true)
	if err != nil {
		return nil, err
	}
	// Blank content is rejected by the client as invalid input.
	content, err := stringParam(params, "content", false)
	if err != nil {
		return nil, err
	}

	ctx = tracing.WithSessionKey(ctx, sessionKey)
	logger := withClientField(ctx, tracing.LoggerFromContext(ctx, s.logger))

	client, release, err := s.sessions.Acquire(sessionKey)
	if err != nil {
		return nil, err
	}
	defer release()

	reply, err := client.Send(ctx, content)
	if err != nil {
		logger.Warn().Err(err).Msg("chat.send failed")
		return nil, err
	}

	logger.Debug().
		Str("session_id", client.SessionID()).
		Int("reply_len", len(reply)).
		Msg("chat.send completed")

	return map[string]interface{}{
		"reply":       reply,
		"session_id":  client.SessionID(),
		"session_key": client.Key(),
	}, nil
}

// handleChatReset forces the next chat.send on the key to open a new session.
func (s *Server) handleChatReset(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionKey, err := stringParam(params, "session_key", true)
	if err != nil {
		return nil, err
	}

	reset := s.sessions.Reset(sessionKey)
	logger := withClientField(ctx, s.logger)
	logger.Info().
		Str("session_key", sessionKey).
		Bool("reset", reset).
		Msg("chat.reset")

	return map[string]interface{}{"reset": reset}, nil
}

// handleChatWelcome returns the welcome message produced when the session
// was bootstrapped, if any.
func (s *Server) handleChatWelcome(_ context.Context, params map[string]interface{}) (interface{}, error) {
	sessionKey, err := stringParam(params, "session_key", true)
	if err != nil {
		return nil, err
	}

	welcome, available := "", false
	if client, ok := s.sessions.Lookup(sessionKey); ok {
		welcome, available = client.Welcome()
	}

	return map[string]interface{}{
		"welcome":   welcome,
		"available": available,
	}, nil
}

// handleRunsList lists ledger entries, newest first.
func (s *Server) handleRunsList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, err := stringParam(params, "session_id", false)
	if err != nil {
		return nil, err
	}
	sessionKey, err := stringParam(params, "session_key", false)
	if err != nil {
		return nil, err
	}
	limit, err := intParam(params, "limit", 0, maxRunsListLimit)
	if err != nil {
		return nil, err
	}

	entries, err := s.ledger.List(ctx, runledger.Filter{
		SessionID:  sessionID,
		SessionKey: sessionKey,
		Limit:      limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	if entries == nil {
		entries = []runledger.Entry{}
	}

	return map[string]interface{}{"runs": entries}, nil
}

func (s *Server) handleHealth(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	result := map[string]interface{}{
		"status":       "ok",
		"sessions":     s.sessions.Len(),
		"clients":      s.clients.Count(),
		"idle_clients": idleClients(s.clients.GetConnectedClients()),
		"methods":      s.router.GetMethods(),
	}
	if s.queue != nil {
		result["queue"] = queueSummary(s.queue.GetStats())
	}
	return result, nil
}

func idleClients(infos []ClientInfo) int {
	n := 0
	for _, info := range infos {
		if info.Idle {
			n++
		}
	}
	return n
}

// queueSummary folds lane counters into totals.
func queueSummary(stats map[string]map[string]int) map[string]int {
	summary := map[string]int{"lanes": len(stats), "queued": 0, "running": 0}
	for _, lane := range stats {
		summary["queued"] += lane["queued"]
		summary["running"] += lane["running"]
	}
	return summary
}

func stringParam(params map[string]interface{}, name string, required bool) (string, error) {
	raw, ok := params[name]
	if !ok || raw == nil {
		if required {
			return "", invalidParams(fmt.Sprintf("%s parameter is required", name))
		}
		return "", nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", invalidParams(fmt.Sprintf("%s must be a string", name))
	}
	if required && strings.TrimSpace(value) == "" {
		return "", invalidParams(fmt.Sprintf("%s must not be empty", name))
	}
	return value, nil
}

// intParam reads an optional integer; JSON numbers arrive as float64.
func intParam(params map[string]interface{}, name string, min, max int) (int, error) {
	raw, ok := params[name]
	if !ok || raw == nil {
		return 0, nil
	}
	f, ok := raw.(float64)
	if !ok || f != math.Trunc(f) {
		return 0, invalidParams(fmt.Sprintf("%s must be an integer", name))
	}
	n := int(f)
	if n < min || n > max {
		return 0, invalidParams(fmt.Sprintf("%s must be between %d and %d", name, min, max))
	}
	return n, nil
}

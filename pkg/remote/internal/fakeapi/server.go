// Package fakeapi is an in-memory stand-in for the Assistants v2 thread
// endpoints, used by the adapter tests.
package fakeapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
)

// Route names accepted by Fail.
const (
	RouteCreateThread  = "createThread"
	RouteCreateMessage = "createMessage"
	RouteListMessages  = "listMessages"
	RouteCreateRun     = "createRun"
	RouteGetRun        = "getRun"
	RouteListRuns      = "listRuns"
	RouteCancelRun     = "cancelRun"
)

// Request is a recorded call.
type Request struct {
	Route  string
	Header http.Header
	Query  map[string]string
	Body   map[string]any
}

// Message is a stored thread message.
type Message struct {
	ID        string            `json:"id"`
	Object    string            `json:"object"`
	CreatedAt int64             `json:"created_at"`
	ThreadID  string            `json:"thread_id"`
	Role      string            `json:"role"`
	Content   []map[string]any  `json:"content"`
	Metadata  map[string]string `json:"metadata"`
	RunID     string            `json:"run_id,omitempty"`
	text      string
}

// Run is a stored run.
type Run struct {
	ID                string         `json:"id"`
	Object            string         `json:"object"`
	CreatedAt         int64          `json:"created_at"`
	ThreadID          string         `json:"thread_id"`
	AssistantID       string         `json:"assistant_id"`
	Status            string         `json:"status"`
	LastError         map[string]any `json:"last_error"`
	IncompleteDetails map[string]any `json:"incomplete_details"`
	polls             int
}

type failure struct {
	status  int
	code    string
	message string
}

// Server serves /v1/threads and friends.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	seq      int
	clock    int64
	messages map[string][]*Message
	runs     map[string][]*Run
	script   []string
	failures map[string]failure
	requests []Request

	// LastError is attached to runs that end as failed.
	LastError map[string]any
	// IncompleteReason is attached to runs that end as incomplete.
	IncompleteReason string
}

// New starts a server whose runs walk through script, one status per GET,
// repeating the last one. A run that reaches "completed" appends an
// assistant message echoing the newest user message.
func New(script ...string) *Server {
	if len(script) == 0 {
		script = []string{"completed"}
	}
	s := &Server{
		messages: make(map[string][]*Message),
		runs:     make(map[string][]*Run),
		script:   script,
		failures: make(map[string]failure),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/threads", s.handle(RouteCreateThread, s.createThread))
	mux.HandleFunc("POST /v1/threads/{thread}/messages", s.handle(RouteCreateMessage, s.createMessage))
	mux.HandleFunc("GET /v1/threads/{thread}/messages", s.handle(RouteListMessages, s.listMessages))
	mux.HandleFunc("POST /v1/threads/{thread}/runs", s.handle(RouteCreateRun, s.createRun))
	mux.HandleFunc("GET /v1/threads/{thread}/runs", s.handle(RouteListRuns, s.listRuns))
	mux.HandleFunc("GET /v1/threads/{thread}/runs/{run}", s.handle(RouteGetRun, s.getRun))
	mux.HandleFunc("POST /v1/threads/{thread}/runs/{run}/cancel", s.handle(RouteCancelRun, s.cancelRun))
	s.Server = httptest.NewServer(mux)
	return s
}

// BaseURL is the value adapters should use as their API base.
func (s *Server) BaseURL() string {
	return s.URL + "/v1"
}

// Fail makes the next call to route answer with an API error.
func (s *Server) Fail(route string, status int, code, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = failure{status: status, code: code, message: message}
}

// Requests returns the recorded calls.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Routes returns the route names of the recorded calls.
func (s *Server) Routes() []string {
	var out []string
	for _, r := range s.Requests() {
		out = append(out, r.Route)
	}
	return out
}

// AddMessage stores a message directly.
func (s *Server) AddMessage(threadID, role, text string, metadata map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addMessage(threadID, role, text, metadata, "")
}

// AddRun stores a run directly.
func (s *Server) AddRun(threadID, status string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addRun(threadID, "asst_seeded", status).ID
}

func (s *Server) handle(route string, fn func(r *http.Request, body map[string]any) (int, any)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		query := make(map[string]string)
		for k := range r.URL.Query() {
			query[k] = r.URL.Query().Get(k)
		}

		s.mu.Lock()
		s.requests = append(s.requests, Request{Route: route, Header: r.Header.Clone(), Query: query, Body: body})
		f, failing := s.failures[route]
		delete(s.failures, route)
		var (
			status  int
			payload any
		)
		if failing {
			status = f.status
			payload = map[string]any{"error": map[string]any{
				"message": f.message,
				"type":    "invalid_request_error",
				"code":    f.code,
				"param":   nil,
			}}
		} else {
			status, payload = fn(r, body)
		}
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func (s *Server) next(prefix string) string {
	s.seq++
	return prefix + strconv.Itoa(s.seq)
}

func (s *Server) tick() int64 {
	s.clock++
	return 1700000000 + s.clock
}

func notFound(kind, id string) (int, any) {
	return http.StatusNotFound, map[string]any{"error": map[string]any{
		"message": fmt.Sprintf("No %s found with id '%s'.", kind, id),
		"type":    "invalid_request_error",
		"code":    nil,
	}}
}

func (s *Server) createThread(_ *http.Request, _ map[string]any) (int, any) {
	id := s.next("thread_")
	s.messages[id] = nil
	s.runs[id] = nil
	return http.StatusOK, map[string]any{"id": id, "object": "thread", "created_at": s.tick(), "metadata": map[string]string{}}
}

func (s *Server) createMessage(r *http.Request, body map[string]any) (int, any) {
	threadID := r.PathValue("thread")
	if _, ok := s.messages[threadID]; !ok {
		return notFound("thread", threadID)
	}
	role, _ := body["role"].(string)
	text, _ := body["content"].(string)
	metadata := make(map[string]string)
	if raw, ok := body["metadata"].(map[string]any); ok {
		for k, v := range raw {
			metadata[k] = fmt.Sprint(v)
		}
	}
	return http.StatusOK, s.addMessage(threadID, role, text, metadata, "")
}

func (s *Server) addMessage(threadID, role, text string, metadata map[string]string, runID string) *Message {
	if metadata == nil {
		metadata = map[string]string{}
	}
	m := &Message{
		ID:        s.next("msg_"),
		Object:    "thread.message",
		CreatedAt: s.tick(),
		ThreadID:  threadID,
		Role:      role,
		Content: []map[string]any{{
			"type": "text",
			"text": map[string]any{"value": text, "annotations": []any{}},
		}},
		Metadata: metadata,
		RunID:    runID,
		text:     text,
	}
	s.messages[threadID] = append(s.messages[threadID], m)
	return m
}

func (s *Server) listMessages(r *http.Request, _ map[string]any) (int, any) {
	threadID := r.PathValue("thread")
	msgs, ok := s.messages[threadID]
	if !ok {
		return notFound("thread", threadID)
	}
	out := append([]*Message(nil), msgs...)
	if r.URL.Query().Get("order") != "asc" {
		reverse(out)
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit < len(out) {
		out = out[:limit]
	}
	return http.StatusOK, list(out)
}

func (s *Server) createRun(r *http.Request, body map[string]any) (int, any) {
	threadID := r.PathValue("thread")
	if _, ok := s.runs[threadID]; !ok {
		return notFound("thread", threadID)
	}
	assistantID, _ := body["assistant_id"].(string)
	return http.StatusOK, s.addRun(threadID, assistantID, "queued")
}

func (s *Server) addRun(threadID, assistantID, status string) *Run {
	run := &Run{
		ID:          s.next("run_"),
		Object:      "thread.run",
		CreatedAt:   s.tick(),
		ThreadID:    threadID,
		AssistantID: assistantID,
		Status:      status,
	}
	s.runs[threadID] = append(s.runs[threadID], run)
	return run
}

func (s *Server) findRun(threadID, runID string) *Run {
	for _, run := range s.runs[threadID] {
		if run.ID == runID {
			return run
		}
	}
	return nil
}

func (s *Server) getRun(r *http.Request, _ map[string]any) (int, any) {
	threadID, runID := r.PathValue("thread"), r.PathValue("run")
	run := s.findRun(threadID, runID)
	if run == nil {
		return notFound("run", runID)
	}
	if run.Status == "cancelling" || run.Status == "cancelled" {
		return http.StatusOK, run
	}

	idx := run.polls
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	run.polls++
	prev := run.Status
	run.Status = s.script[idx]

	switch run.Status {
	case "completed":
		if prev != "completed" {
			s.addMessage(threadID, "assistant", "re: "+s.lastUserText(threadID), nil, run.ID)
		}
	case "failed":
		run.LastError = s.LastError
	case "incomplete":
		run.IncompleteDetails = map[string]any{"reason": s.IncompleteReason}
	}
	return http.StatusOK, run
}

func (s *Server) lastUserText(threadID string) string {
	msgs := s.messages[threadID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].text
		}
	}
	return ""
}

func (s *Server) listRuns(r *http.Request, _ map[string]any) (int, any) {
	threadID := r.PathValue("thread")
	runs, ok := s.runs[threadID]
	if !ok {
		return notFound("thread", threadID)
	}
	out := append([]*Run(nil), runs...)
	if r.URL.Query().Get("order") != "asc" {
		reverse(out)
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit < len(out) {
		out = out[:limit]
	}
	return http.StatusOK, list(out)
}

func (s *Server) cancelRun(r *http.Request, _ map[string]any) (int, any) {
	threadID, runID := r.PathValue("thread"), r.PathValue("run")
	run := s.findRun(threadID, runID)
	if run == nil {
		return notFound("run", runID)
	}
	run.Status = "cancelling"
	return http.StatusOK, run
}

func reverse[T any](items []T) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}

func list[T any](data []T) map[string]any {
	if data == nil {
		data = []T{}
	}
	return map[string]any{"object": "list", "data": data, "has_more": false}
}

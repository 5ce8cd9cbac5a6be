package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/frinny-ai/frinny/internal/agent"
	"github.com/frinny-ai/frinny/internal/checkpoint"
	"github.com/frinny-ai/frinny/internal/contexts"
	"github.com/frinny-ai/frinny/internal/mood"
	"github.com/frinny-ai/frinny/internal/router"
)

type memConn struct {
	id, user string
	got      []router.Envelope
}

func (c *memConn) ID() string                     { return c.id }
func (c *memConn) UserID() string                 { return c.user }
func (c *memConn) Send(env router.Envelope) error { c.got = append(c.got, env); return nil }

func newTestServer(t *testing.T) (*Server, *router.Router, *contexts.Registry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := contexts.New(checkpoint.NewMemoryStore(), contexts.OverlapScorer{}, contexts.Config{
		Threshold: 0.5,
	}, logger, nil)
	p := agent.PipelineFunc(func(_ context.Context, _ []contexts.Message, ev agent.Event) (*agent.Reply, error) {
		return &agent.Reply{Content: "reply to " + ev.Message}, nil
	})
	rtr := router.New(router.NewRooms(logger), reg, p, mood.MustCompile(mood.DefaultTable()), router.Config{}, logger, nil)
	return NewServer("", 0, rtr, reg, logger), rtr, reg
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

// converse runs one query through the router and returns the context id.
func converse(t *testing.T, rtr *router.Router, user, message string) string {
	t.Helper()
	c := &memConn{id: "conn-" + user, user: user}
	rtr.Connect(c)
	defer rtr.Disconnect(c)
	if err := rtr.HandleEvent(context.Background(), c.id, router.Inbound{
		EventType: router.EventQuery,
		RequestID: "req-" + user,
		Payload:   map[string]any{"message": message},
	}); err != nil {
		t.Fatal(err)
	}
	for _, env := range c.got {
		if env.Event == "query_response" {
			return env.ContextID
		}
	}
	t.Fatalf("no reply in %+v", c.got)
	return ""
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	s.SetCheckpoint(&checkpoint.Opened{Backend: "memory", Degraded: true})
	h := s.Handler()

	for _, path := range []string{"/health", "/api/health"} {
		rec := do(t, h, http.MethodGet, path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
		var resp HealthResponse
		decode(t, rec, &resp)
		if resp.Status != "degraded" || resp.Checkpoint == nil || resp.Checkpoint.Backend != "memory" {
			t.Errorf("%s = %+v", path, resp)
		}
		if len(resp.AvailableEndpoints) != 1 || !strings.HasSuffix(resp.AvailableEndpoints[0], "/ws") {
			t.Errorf("endpoints = %v", resp.AvailableEndpoints)
		}
	}
}

func TestFeedbackRequiresUser(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s.Handler(), http.MethodPost, "/api/feedback", `{"rating": 4}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body map[string]any
	decode(t, rec, &body)
	if body["status"] != "error" || body["message"] != "userId is required" {
		t.Errorf("body = %v", body)
	}

	rec = do(t, s.Handler(), http.MethodPost, "/api/feedback", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d", rec.Code)
	}
}

func TestFeedbackAnnotatesContext(t *testing.T) {
	s, rtr, reg := newTestServer(t)
	contextID := converse(t, rtr, "u1", "how do shields work")

	body := `{"userId":"u1","context_id":"` + contextID + `","rating":4,"comment":"helpful"}`
	rec := do(t, s.Handler(), http.MethodPost, "/api/feedback", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	c, err := reg.Get(context.Background(), "u1", contextID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Metadata["feedback_rating"] != "4" || c.Metadata["feedback_comment"] != "helpful" {
		t.Errorf("metadata = %v", c.Metadata)
	}
}

func TestContextEndpoints(t *testing.T) {
	s, rtr, _ := newTestServer(t)
	contextID := converse(t, rtr, "u1", "what is a reaction")
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/v1/users/u1/contexts", "")
	var list struct {
		Count    int                `json:"count"`
		Contexts []contexts.Context `json:"contexts"`
	}
	decode(t, rec, &list)
	if list.Count != 1 || list.Contexts[0].ID != contextID || len(list.Contexts[0].Messages) != 2 {
		t.Errorf("list = %+v", list)
	}

	rec = do(t, h, http.MethodGet, "/v1/users/u1/contexts/"+contextID, "")
	if rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/v1/users/u2/contexts/"+contextID, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign user get status = %d, want 404", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/v1/contexts/selections?context_id="+contextID, "")
	var sel contexts.Selection
	decode(t, rec, &sel)
	if !sel.Created || sel.UserID != "u1" {
		t.Errorf("selection = %+v", sel)
	}
}

func TestRouterEndpoints(t *testing.T) {
	s, rtr, _ := newTestServer(t)
	converse(t, rtr, "u1", "hello")
	h := s.Handler()

	var stats router.Stats
	decode(t, do(t, h, http.MethodGet, "/v1/router/stats", ""), &stats)
	if stats.EventCounts[router.EventQuery] != 1 {
		t.Errorf("stats = %+v", stats)
	}

	rec := do(t, h, http.MethodGet, "/v1/router/explain/req-u1", "")
	var out router.Outcome
	decode(t, rec, &out)
	if out.UserID != "u1" || out.ContextID == "" {
		t.Errorf("outcome = %+v", out)
	}
	if rec := do(t, h, http.MethodGet, "/v1/router/explain/missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing explain status = %d", rec.Code)
	}
}

func TestTransportMounted(t *testing.T) {
	s, _, _ := newTestServer(t)
	called := false
	s.SetTransport(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusUnauthorized)
	}))
	rec := do(t, s.Handler(), http.MethodGet, "/ws", "")
	if !called || rec.Code != http.StatusUnauthorized {
		t.Errorf("called = %v, status = %d", called, rec.Code)
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 20},
		{"limit=5", 5},
		{"limit=-1", 20},
		{"limit=abc", 20},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
		if got := parseIntParam(r, "limit", 20); got != tt.want {
			t.Errorf("parseIntParam(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}

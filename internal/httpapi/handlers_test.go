package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logx "outpost/pkg/logx"

	"outpost/internal/outbound"
	"outpost/internal/queue"
	"outpost/internal/ratelimit"
	"outpost/internal/storage"
	"outpost/internal/timing"
)

func newTestServer(t *testing.T) (*Server, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	limits := ratelimit.New(store, ratelimit.Policy{}, logx.Nop())
	predictor := timing.New(store, limits, timing.Config{}, logx.Nop())
	q := queue.New(store, limits, predictor, logx.Nop())
	return NewServer(Config{}, q, limits, store, logx.Nop()), store
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestEnqueueEndpoint(t *testing.T) {
	t.Parallel()
	srv, store := newTestServer(t)
	h := srv.routes()

	rec := doJSON(t, h, http.MethodPost, "/v1/messages", `{
		"user_id": "u1",
		"producer_id": "agent-a",
		"priority": "high",
		"can_delay": false,
		"payload": {"kind": "appointment", "at": "3pm"}
	}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp enqueueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.MessageID == "" {
		t.Fatal("response has no message id")
	}
	m, err := store.GetMessage(context.Background(), resp.MessageID)
	if err != nil {
		t.Fatalf("message not persisted: %v", err)
	}
	if m.Priority != outbound.PriorityHigh || m.UserID != "u1" {
		t.Fatalf("persisted %s/%s, want u1/high", m.UserID, m.Priority)
	}
}

func TestEnqueueSequenceEndpoint(t *testing.T) {
	t.Parallel()
	srv, store := newTestServer(t)
	h := srv.routes()

	rec := doJSON(t, h, http.MethodPost, "/v1/messages", `{
		"user_id": "u1",
		"producer_id": "agent-a",
		"priority": "medium",
		"can_delay": false,
		"parts": [{"p":1},{"p":2}]
	}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp enqueueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.MessageIDs) != 2 || resp.SequenceID == "" {
		t.Fatalf("response = %+v, want two ids and a sequence id", resp)
	}
	for _, id := range resp.MessageIDs {
		m, err := store.GetMessage(context.Background(), id)
		if err != nil {
			t.Fatalf("part %s not persisted: %v", id, err)
		}
		if m.SequenceID != resp.SequenceID {
			t.Fatalf("part %s sequence = %q, want %q", id, m.SequenceID, resp.SequenceID)
		}
	}
}

func TestEnqueueEndpointRejectsBadRequests(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	h := srv.routes()

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{{{`},
		{"unknown field", `{"user_id":"u1","producer_id":"a","priority":"low","payload":{},"bogus":1}`},
		{"bad priority", `{"user_id":"u1","producer_id":"a","priority":"asap","payload":{}}`},
		{"missing payload", `{"user_id":"u1","producer_id":"a","priority":"low"}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, "/v1/messages", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400; body %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestInboundEndpoint(t *testing.T) {
	t.Parallel()
	srv, store := newTestServer(t)
	h := srv.routes()

	rec := doJSON(t, h, http.MethodPost, "/v1/users/u1/inbound", `{"body":"on my way"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	_, ok, err := store.LastInboundAt(context.Background(), "u1")
	if err != nil || !ok {
		t.Fatalf("inbound not recorded: ok=%v err=%v", ok, err)
	}
}

func TestBudgetEndpoint(t *testing.T) {
	t.Parallel()
	srv, store := newTestServer(t)
	h := srv.routes()

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		if err := store.IncrementBudget(context.Background(), "u1", now); err != nil {
			t.Fatal(err)
		}
	}

	rec := doJSON(t, h, http.MethodGet, "/v1/users/u1/budget", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp budgetResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.UserID != "u1" || resp.DayCount != 3 || resp.HourCount != 3 {
		t.Fatalf("budget = %+v, want u1 with 3/3", resp)
	}
}

func TestBudgetEndpointUnknownUserIsZero(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	h := srv.routes()

	rec := doJSON(t, h, http.MethodGet, "/v1/users/ghost/budget", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp budgetResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.DayCount != 0 || resp.HourCount != 0 {
		t.Fatalf("budget = %+v, want zero counters", resp)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.routes(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

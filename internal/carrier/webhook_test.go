package carrier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	logx "outpost/pkg/logx"
)

func TestWebhookPostsJSON(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var got OutboundText

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		mu.Lock()
		defer mu.Unlock()
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	hook, err := NewWebhook(WebhookConfig{Endpoint: ts.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("NewWebhook error: %v", err)
	}

	msg := OutboundText{
		MessageID:        "m1",
		UserID:           "u1",
		Body:             "see you at 3pm",
		SequencePosition: 2,
		SequenceTotal:    3,
	}
	if err := hook.SendText(context.Background(), msg); err != nil {
		t.Fatalf("SendText error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got != msg {
		t.Fatalf("gateway received %+v, want %+v", got, msg)
	}
}

func TestWebhookGatewayErrorSurfaces(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer ts.Close()

	hook, err := NewWebhook(WebhookConfig{Endpoint: ts.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("NewWebhook error: %v", err)
	}
	if err := hook.SendText(context.Background(), OutboundText{MessageID: "m1", UserID: "u1", Body: "x"}); err == nil {
		t.Fatal("expected error for non-2xx gateway response")
	}
}

func TestWebhookRequiresEndpoint(t *testing.T) {
	t.Parallel()
	if _, err := NewWebhook(WebhookConfig{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
}

func TestLogAdapterAlwaysSucceeds(t *testing.T) {
	t.Parallel()
	l := NewLog(logx.Nop())
	if err := l.SendText(context.Background(), OutboundText{MessageID: "m1", UserID: "u1", Body: "hi"}); err != nil {
		t.Fatalf("SendText error: %v", err)
	}
}

package relevance

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	logx "outpost/pkg/logx"

	"outpost/internal/oracle"
	"outpost/internal/outbound"
)

// stubOracle returns a fixed completion or error and counts calls.
type stubOracle struct {
	reply string
	err   error
	calls int
}

func (s *stubOracle) Complete(ctx context.Context, req oracle.Request) (string, error) {
	s.calls++
	return s.reply, s.err
}

func testMessage() *outbound.Message {
	return &outbound.Message{
		ID:       "m1",
		UserID:   "u1",
		Payload:  json.RawMessage(`{"kind":"reminder","text":"drink water"}`),
		QueuedAt: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
}

func inboundAt(h int, body string) outbound.InboundMessage {
	return outbound.InboundMessage{
		ID: body, UserID: "u1", Body: body,
		ReceivedAt: time.Date(2026, 3, 10, h, 0, 0, 0, time.UTC),
	}
}

func TestClassifyNoInboundSkipsOracle(t *testing.T) {
	t.Parallel()
	st := &stubOracle{err: errors.New("should never be called")}
	c := New(st, time.Second, logx.Nop())

	res := c.Classify(context.Background(), testMessage(), nil)
	if res.Classification != outbound.ClassRelevant {
		t.Fatalf("Classification = %s, want RELEVANT", res.Classification)
	}
	if st.calls != 0 {
		t.Fatalf("oracle called %d times for zero inbound, want 0", st.calls)
	}
}

func TestClassifyVerdicts(t *testing.T) {
	t.Parallel()
	recent := []outbound.InboundMessage{inboundAt(10, "i already drank plenty")}

	tests := []struct {
		name            string
		reply           string
		want            outbound.Classification
		wantReformulate bool
	}{
		{
			name:  "stale",
			reply: `{"classification":"STALE","should_reformulate":true,"reason":"covered by user"}`,
			want:  outbound.ClassStale, wantReformulate: true,
		},
		{
			name:  "contextual",
			reply: `{"classification":"CONTEXTUAL","should_reformulate":false,"reason":"still applies"}`,
			want:  outbound.ClassContextual,
		},
		{
			name:  "relevant with code fence",
			reply: "```json\n{\"classification\":\"RELEVANT\",\"should_reformulate\":false,\"reason\":\"ok\"}\n```",
			want:  outbound.ClassRelevant,
		},
		{
			name:  "lowercase normalized",
			reply: `{"classification":"stale","should_reformulate":false,"reason":"x"}`,
			want:  outbound.ClassStale,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			c := New(&stubOracle{reply: tt.reply}, time.Second, logx.Nop())
			res := c.Classify(context.Background(), testMessage(), recent)
			if res.Classification != tt.want {
				t.Fatalf("Classification = %s, want %s", res.Classification, tt.want)
			}
			if res.ShouldReformulate != tt.wantReformulate {
				t.Fatalf("ShouldReformulate = %v, want %v", res.ShouldReformulate, tt.wantReformulate)
			}
		})
	}
}

func TestClassifyFailsOpen(t *testing.T) {
	t.Parallel()
	recent := []outbound.InboundMessage{inboundAt(10, "hm")}

	tests := []struct {
		name   string
		oracle oracle.Oracle
	}{
		{"oracle error", &stubOracle{err: errors.New("upstream down")}},
		{"garbage reply", &stubOracle{reply: "sure, sounds relevant to me!"}},
		{"unknown verdict", &stubOracle{reply: `{"classification":"MAYBE"}`}},
		{"nil oracle", nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.oracle, time.Second, logx.Nop())
			res := c.Classify(context.Background(), testMessage(), recent)
			if res.Classification != outbound.ClassRelevant {
				t.Fatalf("Classification = %s, want fail-open RELEVANT", res.Classification)
			}
		})
	}
}

func TestClassifyBoundsContextWindow(t *testing.T) {
	t.Parallel()
	var seen string
	spy := &spyOracle{onPrompt: func(p string) { seen = p }}
	c := New(spy, time.Second, logx.Nop())

	recent := make([]outbound.InboundMessage, 0, 8)
	for i := 0; i < 8; i++ {
		recent = append(recent, inboundAt(10+i%12, "msg"))
	}
	c.Classify(context.Background(), testMessage(), recent)

	// The prompt enumerates entries as "1. ... 5." and never reaches 6.
	if !strings.Contains(seen, "5. [") || strings.Contains(seen, "6. [") {
		t.Fatalf("prompt should carry exactly %d inbound entries:\n%s", contextLimit, seen)
	}
}

type spyOracle struct {
	onPrompt func(string)
}

func (s *spyOracle) Complete(ctx context.Context, req oracle.Request) (string, error) {
	if s.onPrompt != nil {
		s.onPrompt(req.Prompt)
	}
	return `{"classification":"RELEVANT","should_reformulate":false,"reason":"ok"}`, nil
}

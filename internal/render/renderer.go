// Package render turns structured message payloads into send-ready SMS text.
package render

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	logx "outpost/pkg/logx"

	"outpost/internal/oracle"
	"outpost/internal/outbound"
)

type Renderer struct {
	oracle  oracle.Oracle
	log     logx.Logger
	timeout time.Duration
}

func New(o oracle.Oracle, timeout time.Duration, log logx.Logger) *Renderer {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Renderer{oracle: o, log: log, timeout: timeout}
}

// Render produces the outgoing text for a message. Already-rendered messages
// return their stored text unchanged, so rendering the same message twice
// never produces two different bodies. When the oracle is missing or fails,
// the deterministic fallback is used instead of dropping the message.
func (r *Renderer) Render(ctx context.Context, m *outbound.Message) string {
	if m.FinalText != "" {
		return m.FinalText
	}
	if r.oracle == nil {
		return Fallback(m.Payload)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	text, err := r.oracle.Complete(ctx, oracle.Request{
		System:    renderSystem,
		Prompt:    renderPrompt(m),
		MaxTokens: 512,
	})
	if err != nil {
		r.log.Warn("render oracle failed; using fallback",
			logx.String("message_id", m.ID), logx.Err(err))
		return Fallback(m.Payload)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Fallback(m.Payload)
	}
	return text
}

const renderSystem = `You write short, natural SMS messages from structured payloads. ` +
	`Reply with the message text only, no quotes, no preamble, at most a few sentences.`

func renderPrompt(m *outbound.Message) string {
	var b strings.Builder
	b.WriteString("Payload:\n")
	b.Write(m.Payload)
	if m.SequenceTotal > 1 {
		fmt.Fprintf(&b, "\n\nThis is part %d of %d in a sequence; keep it self-contained but brief.",
			m.SequencePosition, m.SequenceTotal)
	}
	return b.String()
}

// Fallback stringifies a payload without any model involvement. The output is
// deterministic for a given payload: object keys are emitted sorted.
func Fallback(payload json.RawMessage) string {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err == nil && len(obj) > 0 {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %s", k, scalarString(obj[k])))
		}
		return strings.Join(parts, "; ")
	}
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(payload))
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

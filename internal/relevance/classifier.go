// Package relevance decides whether a pending message still matches the
// user's current conversational context.
package relevance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	logx "outpost/pkg/logx"

	"outpost/internal/oracle"
	"outpost/internal/outbound"
)

// contextLimit bounds how many subsequent inbound messages are shown to the
// oracle.
const contextLimit = 5

// Result is the relevance verdict for one pending message.
type Result struct {
	Classification    outbound.Classification
	ShouldReformulate bool
	Reason            string
}

type Classifier struct {
	oracle  oracle.Oracle
	log     logx.Logger
	timeout time.Duration
}

// New builds a classifier. A nil oracle is valid: every non-trivial
// classification then fails open to RELEVANT.
func New(o oracle.Oracle, timeout time.Duration, log logx.Logger) *Classifier {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Classifier{oracle: o, log: log, timeout: timeout}
}

// Classify judges the message against the inbound messages received after it
// was queued. Zero inbound messages means nothing changed, so the verdict is
// trivially RELEVANT with no oracle call. Oracle failures fail open:
// availability is preferred over precision.
func (c *Classifier) Classify(ctx context.Context, m *outbound.Message, recent []outbound.InboundMessage) Result {
	if len(recent) == 0 {
		return Result{Classification: outbound.ClassRelevant, Reason: "no inbound since queued"}
	}
	if c.oracle == nil {
		return Result{Classification: outbound.ClassRelevant, Reason: "classifier unavailable"}
	}

	if len(recent) > contextLimit {
		recent = recent[len(recent)-contextLimit:]
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.oracle.Complete(ctx, oracle.Request{
		System:    classifySystem,
		Prompt:    classifyPrompt(m, recent),
		MaxTokens: 256,
	})
	if err != nil {
		c.log.Warn("classification oracle failed; failing open",
			logx.String("message_id", m.ID), logx.Err(err))
		return Result{Classification: outbound.ClassRelevant, Reason: "classifier unavailable"}
	}

	res, err := parseVerdict(raw)
	if err != nil {
		c.log.Warn("unparsable classification; failing open",
			logx.String("message_id", m.ID), logx.Err(err))
		return Result{Classification: outbound.ClassRelevant, Reason: "classifier unavailable"}
	}
	return res
}

const classifySystem = `You judge whether a queued outbound SMS is still worth sending ` +
	`given what the user wrote afterwards. Respond with JSON only: ` +
	`{"classification":"RELEVANT|STALE|CONTEXTUAL","should_reformulate":bool,"reason":"..."}. ` +
	`STALE means the user's newer messages already cover or invalidate the queued content. ` +
	`CONTEXTUAL means it still applies but relates to the ongoing exchange.`

func classifyPrompt(m *outbound.Message, recent []outbound.InboundMessage) string {
	var b strings.Builder
	b.WriteString("Queued message payload:\n")
	b.Write(m.Payload)
	b.WriteString("\n\nUser messages received since it was queued:\n")
	for i, in := range recent {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, in.ReceivedAt.Format(time.RFC3339), in.Body)
	}
	return b.String()
}

type verdictJSON struct {
	Classification    string `json:"classification"`
	ShouldReformulate bool   `json:"should_reformulate"`
	Reason            string `json:"reason"`
}

func parseVerdict(raw string) (Result, error) {
	s := strings.TrimSpace(raw)
	// Models sometimes wrap JSON in a code fence.
	if i := strings.Index(s, "{"); i >= 0 {
		if j := strings.LastIndex(s, "}"); j > i {
			s = s[i : j+1]
		}
	}
	var v verdictJSON
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return Result{}, fmt.Errorf("decode verdict: %w", err)
	}
	cls := outbound.Classification(strings.ToUpper(strings.TrimSpace(v.Classification)))
	switch cls {
	case outbound.ClassRelevant, outbound.ClassStale, outbound.ClassContextual:
	default:
		return Result{}, fmt.Errorf("unknown classification %q", v.Classification)
	}
	return Result{Classification: cls, ShouldReformulate: v.ShouldReformulate, Reason: v.Reason}, nil
}

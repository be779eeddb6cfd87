// Package oracle abstracts the external judgment/generation service used for
// relevance classification and message rendering.
package oracle

import "context"

// Oracle is a stateless text completion backend. Implementations must be
// safe for concurrent use.
type Oracle interface {
	// Complete sends one prompt and returns the model's text output.
	Complete(ctx context.Context, req Request) (string, error)
}

// Request is a single completion request.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

func (r Request) maxTokensOr(def int) int {
	if r.MaxTokens > 0 {
		return r.MaxTokens
	}
	return def
}

package oracle

import (
	"context"
	"fmt"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"

	logx "outpost/pkg/logx"
)

const (
	anthropicAPIBase      = "https://api.anthropic.com"
	anthropicDefaultModel = "claude-sonnet-4-5"
)

// AnthropicOracle implements Oracle against the Anthropic Messages API.
type AnthropicOracle struct {
	model  string
	client anthropic.Client
	log    logx.Logger
}

func NewAnthropic(apiKey, apiBase, model string, log logx.Logger) *AnthropicOracle {
	if model == "" {
		model = anthropicDefaultModel
	}
	baseURL := normalizeBaseURL(apiBase, anthropicAPIBase, "/v1/messages")
	client := anthropic.NewClient(
		aoption.WithAPIKey(apiKey),
		aoption.WithBaseURL(baseURL),
		aoption.WithMaxRetries(2),
	)
	return &AnthropicOracle{model: model, client: client, log: log}
}

func (o *AnthropicOracle) Complete(ctx context.Context, req Request) (string, error) {
	start := time.Now()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(o.model),
		MaxTokens: int64(req.maxTokensOr(512)),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := o.client.Messages.New(ctx, params)
	if err != nil {
		o.log.Warn("anthropic request failed", logx.String("model", o.model), logx.Err(err))
		return "", fmt.Errorf("anthropic request: %w", err)
	}

	var parts []string
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	out := strings.Join(parts, "\n")

	o.log.Debug("anthropic response",
		logx.String("model", o.model),
		logx.Int64("prompt_tokens", resp.Usage.InputTokens),
		logx.Int64("completion_tokens", resp.Usage.OutputTokens),
		logx.Duration("latency", time.Since(start)),
	)
	return out, nil
}

package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/openai/openai-go/v3"
	oaioption "github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	logx "outpost/pkg/logx"
)

const (
	openaiAPIBase      = "https://api.openai.com/v1"
	openaiDefaultModel = "gpt-4o-mini"
)

// OpenAIOracle implements Oracle against the OpenAI chat completions API.
type OpenAIOracle struct {
	model  string
	client openai.Client
	log    logx.Logger
}

func NewOpenAI(apiKey, apiBase, model string, log logx.Logger) *OpenAIOracle {
	if model == "" {
		model = openaiDefaultModel
	}
	baseURL := normalizeBaseURL(apiBase, openaiAPIBase, "/chat/completions")
	client := openai.NewClient(
		oaioption.WithAPIKey(apiKey),
		oaioption.WithBaseURL(baseURL),
		oaioption.WithMaxRetries(2),
	)
	return &OpenAIOracle{model: model, client: client, log: log}
}

func (o *OpenAIOracle) Complete(ctx context.Context, req Request) (string, error) {
	start := time.Now()

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:     shared.ChatModel(o.model),
		Messages:  messages,
		MaxTokens: openai.Int(int64(req.maxTokensOr(512))),
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		o.log.Warn("openai request failed", logx.String("model", o.model), logx.Err(err))
		return "", fmt.Errorf("openai request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}

	o.log.Debug("openai response",
		logx.String("model", o.model),
		logx.Int64("prompt_tokens", resp.Usage.PromptTokens),
		logx.Int64("completion_tokens", resp.Usage.CompletionTokens),
		logx.Duration("latency", time.Since(start)),
	)
	return resp.Choices[0].Message.Content, nil
}

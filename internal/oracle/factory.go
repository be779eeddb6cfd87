package oracle

import (
	"errors"
	"fmt"
	"strings"

	logx "outpost/pkg/logx"
)

// New builds the configured oracle backend. Provider "none" (or empty)
// returns (nil, nil): callers must treat a nil oracle as unavailable and use
// their documented fallback paths.
func New(provider, apiKey, apiBase, model string, log logx.Logger) (Oracle, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", "none":
		return nil, nil
	case "anthropic":
		if apiKey == "" {
			return nil, errors.New("oracle: anthropic api key is required")
		}
		return NewAnthropic(apiKey, apiBase, model, log), nil
	case "openai":
		if apiKey == "" {
			return nil, errors.New("oracle: openai api key is required")
		}
		return NewOpenAI(apiKey, apiBase, model, log), nil
	default:
		return nil, fmt.Errorf("oracle: unknown provider %q", provider)
	}
}

// normalizeBaseURL trims a user-supplied base URL down to the SDK's expected
// root, stripping a trailing endpoint path if the operator pasted a full URL.
func normalizeBaseURL(raw, defaultBase string, endpointSuffixes ...string) string {
	base := strings.TrimSpace(raw)
	if base == "" {
		return defaultBase
	}

	base = strings.TrimRight(base, "/")
	for _, suffix := range endpointSuffixes {
		s := strings.TrimRight(strings.TrimSpace(suffix), "/")
		if s == "" {
			continue
		}
		if strings.HasSuffix(base, s) {
			base = strings.TrimSuffix(base, s)
			base = strings.TrimRight(base, "/")
			break
		}
	}

	if base == "" {
		return defaultBase
	}
	return base
}

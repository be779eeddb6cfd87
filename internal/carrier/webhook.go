package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "outpost/pkg/logx"
)

// WebhookConfig points at the downstream carrier gateway.
type WebhookConfig struct {
	Endpoint   string
	RatePerSec int           // 0 means default (5)
	Timeout    time.Duration // per-call; 0 means default (10s)
}

// Webhook posts outbound texts to the carrier gateway as JSON, pacing calls
// so a large batch can't hammer the gateway.
type Webhook struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	log      logx.Logger
}

func NewWebhook(cfg WebhookConfig, log logx.Logger) (*Webhook, error) {
	ep := strings.TrimSpace(cfg.Endpoint)
	if ep == "" {
		return nil, errors.New("carrier: endpoint is required")
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		endpoint: ep,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(rps), rps),
		log:      log,
	}, nil
}

func (w *Webhook) SendText(ctx context.Context, msg OutboundText) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("carrier: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("carrier: send: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("carrier: gateway returned %s", resp.Status)
	}
	w.log.Debug("carrier send ok",
		logx.String("message_id", msg.MessageID),
		logx.String("user_id", msg.UserID),
		logx.Duration("dur", time.Since(start)),
	)
	return nil
}

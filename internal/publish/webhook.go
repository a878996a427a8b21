package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// WebhookIntegrator forwards publish calls to a platform bridge over HTTP.
// The bridge owns the platform credentials and the provider SDK; this side
// only speaks a small JSON contract and translates status codes.
type WebhookIntegrator struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

func NewWebhookIntegrator(url string, timeout time.Duration) *WebhookIntegrator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookIntegrator{
		URL:     url,
		Client:  &http.Client{Timeout: timeout},
		Timeout: timeout,
	}
}

type webhookRequest struct {
	AccountRef     string `json:"account_ref"`
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type webhookResponse struct {
	PostID string `json:"post_id"`
	Code   string `json:"code"`
	Error  string `json:"error"`
}

func (w *WebhookIntegrator) Publish(ctx context.Context, accountRef, content string) (string, error) {
	return w.do(ctx, webhookRequest{AccountRef: accountRef, Content: content})
}

func (w *WebhookIntegrator) PublishIdempotent(ctx context.Context, accountRef, content, idemKey string) (string, error) {
	return w.do(ctx, webhookRequest{AccountRef: accountRef, Content: content, IdempotencyKey: idemKey})
}

func (w *WebhookIntegrator) do(ctx context.Context, req webhookRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("content-type", "application/json")

	resp, err := w.Client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("bridge request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read bridge response: %w", err)
	}

	var wr webhookResponse
	_ = json.Unmarshal(respBody, &wr)

	if resp.StatusCode >= 400 {
		pe := &ProviderError{StatusCode: resp.StatusCode, Code: wr.Code, Message: wr.Error}
		if pe.Message == "" {
			pe.Message = string(respBody)
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				pe.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return "", pe
	}
	return wr.PostID, nil
}

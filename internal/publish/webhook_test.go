package publish

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"publishq/internal/domain"
)

func TestWebhookPublish(t *testing.T) {
	t.Parallel()
	var got webhookRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(webhookResponse{PostID: "p-42"})
	}))
	defer srv.Close()

	ig := NewWebhookIntegrator(srv.URL, 5*time.Second)
	postID, err := ig.PublishIdempotent(context.Background(), "acct-1", "hello world", "itm_1:1")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if postID != "p-42" {
		t.Fatalf("post id = %q, want p-42", postID)
	}
	if got.AccountRef != "acct-1" || got.Content != "hello world" || got.IdempotencyKey != "itm_1:1" {
		t.Fatalf("bridge saw %+v", got)
	}
}

func TestWebhookErrorTranslation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		status     int
		retryAfter string
		wantClass  domain.ErrorClass
		wantAfter  time.Duration
	}{
		{name: "throttled", status: 429, retryAfter: "60", wantClass: domain.ClassPlatformTransient, wantAfter: time.Minute},
		{name: "outage", status: 503, wantClass: domain.ClassPlatformTransient},
		{name: "expired credential", status: 401, wantClass: domain.ClassPlatformAuthExpired},
		{name: "policy rejection", status: 422, wantClass: domain.ClassPlatformRejected},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(webhookResponse{Code: "x", Error: "nope"})
			}))
			defer srv.Close()

			ig := NewWebhookIntegrator(srv.URL, 5*time.Second)
			_, err := ig.Publish(context.Background(), "acct", "content")
			if err == nil {
				t.Fatal("want error")
			}
			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("error %T is not a ProviderError", err)
			}
			if pe.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", pe.StatusCode, tt.status)
			}
			class, after := Classify(err)
			if class != tt.wantClass || after != tt.wantAfter {
				t.Fatalf("classified as (%s, %v), want (%s, %v)", class, after, tt.wantClass, tt.wantAfter)
			}
		})
	}
}

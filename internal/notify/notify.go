// Package notify emits scheduler events to the surrounding application.
// Emission is fire-and-forget: a failed or dropped notification never affects
// scheduler state.
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	EventPublished     = "published"
	EventPublishFailed = "publish_failed"
)

type Event struct {
	Type       string    `json:"type"`
	ItemID     string    `json:"item_id"`
	UserID     string    `json:"user_id"`
	Platform   string    `json:"platform"`
	AccountRef string    `json:"account_ref"`
	Attempt    int       `json:"attempt"`
	PostID     string    `json:"post_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev Event)

func (f EmitterFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

// LogEmitter records events to the structured log; the notification transport
// proper lives outside this core and subscribes to the same stream.
type LogEmitter struct {
	Log zerolog.Logger
}

func (l LogEmitter) Emit(_ context.Context, ev Event) {
	l.Log.Info().
		Str("event", ev.Type).
		Str("item_id", ev.ItemID).
		Str("user_id", ev.UserID).
		Str("platform", ev.Platform).
		Str("account_ref", ev.AccountRef).
		Int("attempt", ev.Attempt).
		Str("post_id", ev.PostID).
		Str("error", ev.Error).
		Msg("scheduler event")
}

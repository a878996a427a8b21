// Package publish adapts external social platform integrations into the
// normalized result and error classification the dispatcher works with. The
// executor never retries; retries belong to the dispatcher.
package publish

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"publishq/internal/domain"
)

// Integrator is the external platform collaborator for one platform.
type Integrator interface {
	Publish(ctx context.Context, accountRef, content string) (postID string, err error)
}

// IdempotentIntegrator is implemented by integrators whose platform supports
// an idempotency key. When present the executor forwards one, making a repeat
// call for the same (item, attempt) safe against double-posting.
type IdempotentIntegrator interface {
	PublishIdempotent(ctx context.Context, accountRef, content, idemKey string) (postID string, err error)
}

// ContentStore resolves an opaque content reference into renderable content.
// The scheduler itself never inspects content.
type ContentStore interface {
	Resolve(ctx context.Context, contentRef string) (string, error)
}

// ResolverFunc adapts a function to ContentStore.
type ResolverFunc func(ctx context.Context, contentRef string) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context, contentRef string) (string, error) {
	return f(ctx, contentRef)
}

// PassthroughContent treats the content reference itself as the content.
func PassthroughContent() ContentStore {
	return ResolverFunc(func(_ context.Context, ref string) (string, error) { return ref, nil })
}

// ProviderError is a provider-reported failure carrying enough structure to
// classify without string matching.
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// Result is the normalized conclusion of exactly one publish call.
type Result struct {
	Success        bool
	PlatformPostID string
	Class          domain.ErrorClass
	Err            string
	RetryAfterHint *time.Time
}

type Executor struct {
	integrators map[string]Integrator
	content     ContentStore
}

func NewExecutor(integrators map[string]Integrator, content ContentStore) *Executor {
	return &Executor{integrators: integrators, content: content}
}

// Publish issues a single attempt for the item. item.Attempt must already be
// the attempt number being issued; it seeds the idempotency key.
func (e *Executor) Publish(ctx context.Context, item domain.ScheduledItem) Result {
	ig, ok := e.integrators[item.Platform]
	if !ok {
		return Result{Class: domain.ClassPlatformRejected, Err: "no integrator for platform " + item.Platform}
	}

	content, err := e.content.Resolve(ctx, item.ContentRef)
	if err != nil {
		return failure(err, time.Now().UTC())
	}

	var postID string
	if ii, ok := ig.(IdempotentIntegrator); ok {
		postID, err = ii.PublishIdempotent(ctx, item.AccountRef, content, item.ID+":"+strconv.Itoa(item.Attempt))
	} else {
		postID, err = ig.Publish(ctx, item.AccountRef, content)
	}
	if err != nil {
		return failure(err, time.Now().UTC())
	}
	return Result{Success: true, PlatformPostID: postID}
}

func failure(err error, now time.Time) Result {
	class, retryAfter := Classify(err)
	r := Result{Class: class, Err: err.Error()}
	if retryAfter > 0 {
		t := now.Add(retryAfter)
		r.RetryAfterHint = &t
	}
	return r
}

// Classify maps a provider or transport error into the closed taxonomy.
// Anything unrecognized is treated as transient: retrying an unknown failure
// is safe, giving up on one is not.
func Classify(err error) (domain.ErrorClass, time.Duration) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		switch {
		case pe.StatusCode == 401 || pe.StatusCode == 403:
			return domain.ClassPlatformAuthExpired, 0
		case pe.StatusCode == 429:
			return domain.ClassPlatformTransient, pe.RetryAfter
		case pe.StatusCode == 400 || pe.StatusCode == 422 || pe.StatusCode == 451:
			return domain.ClassPlatformRejected, 0
		case pe.StatusCode >= 500:
			return domain.ClassPlatformTransient, pe.RetryAfter
		}
		return domain.ClassPlatformTransient, pe.RetryAfter
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ClassPlatformTransient, 0
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return domain.ClassPlatformTransient, 0
	}
	return domain.ClassPlatformTransient, 0
}

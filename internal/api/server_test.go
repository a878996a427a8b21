package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"publishq/internal/domain"
	"publishq/internal/queue"
	"publishq/internal/ratelimit"
)

func testServer(t *testing.T) (http.Handler, queue.Repository) {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "test.db")+"?_pragma=journal_mode(WAL)")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)
	if err := queue.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	repo := queue.NewSQLiteRepo(db, 2*time.Minute, 365*24*time.Hour, 5)
	limiter := ratelimit.New(nil, ratelimit.Limit{})
	return NewServer(repo, limiter), repo
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func futureLocal(tz string) string {
	loc, _ := time.LoadLocation(tz)
	return time.Now().In(loc).Add(2 * time.Hour).Format("2006-01-02T15:04")
}

func TestScheduleContent(t *testing.T) {
	t.Parallel()
	h, repo := testServer(t)

	rec := doJSON(t, h, "POST", "/api/schedule", map[string]any{
		"user_id":     "u1",
		"content_ref": "c-1",
		"targets": []map[string]string{
			{"platform": "twitter", "account_ref": "a1"},
			{"platform": "linkedin", "account_ref": "a2"},
		},
		"when_local": futureLocal("Europe/Berlin"),
		"timezone":   "Europe/Berlin",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp struct {
		IDs []string `json:"ids"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.IDs) != 2 {
		t.Fatalf("got %d ids, want one per target", len(resp.IDs))
	}

	it, err := repo.Get(context.Background(), resp.IDs[0])
	if err != nil {
		t.Fatalf("get stored item: %v", err)
	}
	if it.Status != domain.StatusPending || it.Platform != "twitter" {
		t.Fatalf("stored item: %+v", it)
	}
}

func TestScheduleContentValidation(t *testing.T) {
	t.Parallel()
	h, _ := testServer(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{
			name: "unknown timezone",
			body: map[string]any{
				"user_id": "u1", "content_ref": "c",
				"targets":    []map[string]string{{"platform": "twitter", "account_ref": "a"}},
				"when_local": "2030-01-01T09:00", "timezone": "Mars/Olympus",
			},
		},
		{
			name: "past time",
			body: map[string]any{
				"user_id": "u1", "content_ref": "c",
				"targets":    []map[string]string{{"platform": "twitter", "account_ref": "a"}},
				"when_local": "2020-01-01T09:00", "timezone": "UTC",
			},
		},
		{
			name: "unknown platform",
			body: map[string]any{
				"user_id": "u1", "content_ref": "c",
				"targets":    []map[string]string{{"platform": "myspace", "account_ref": "a"}},
				"when_local": futureLocal("UTC"), "timezone": "UTC",
			},
		},
		{
			name: "unparseable time",
			body: map[string]any{
				"user_id": "u1", "content_ref": "c",
				"targets":    []map[string]string{{"platform": "twitter", "account_ref": "a"}},
				"when_local": "tomorrow-ish", "timezone": "UTC",
			},
		},
		{
			name: "no targets",
			body: map[string]any{
				"user_id": "u1", "content_ref": "c", "targets": []map[string]string{},
				"when_local": futureLocal("UTC"), "timezone": "UTC",
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h, "POST", "/api/schedule", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400; body %s", rec.Code, rec.Body)
			}
		})
	}
}

func TestCancelAndConflict(t *testing.T) {
	t.Parallel()
	h, repo := testServer(t)

	rec := doJSON(t, h, "POST", "/api/schedule", map[string]any{
		"user_id": "u1", "content_ref": "c",
		"targets":    []map[string]string{{"platform": "twitter", "account_ref": "a"}},
		"when_local": futureLocal("UTC"), "timezone": "UTC",
	})
	var resp struct {
		IDs []string `json:"ids"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	id := resp.IDs[0]

	if rec := doJSON(t, h, "DELETE", "/api/items/"+id, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("cancel status = %d", rec.Code)
	}
	it, _ := repo.Get(context.Background(), id)
	if it.Status != domain.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", it.Status)
	}
	if rec := doJSON(t, h, "DELETE", "/api/items/"+id, nil); rec.Code != http.StatusConflict {
		t.Fatalf("double cancel status = %d, want 409", rec.Code)
	}
	if rec := doJSON(t, h, "DELETE", "/api/items/itm_missing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("cancel missing status = %d, want 404", rec.Code)
	}
}

func TestRescheduleRoundTripsInstant(t *testing.T) {
	t.Parallel()
	h, repo := testServer(t)

	rec := doJSON(t, h, "POST", "/api/schedule", map[string]any{
		"user_id": "u1", "content_ref": "c",
		"targets":    []map[string]string{{"platform": "twitter", "account_ref": "a"}},
		"when_local": futureLocal("UTC"), "timezone": "UTC",
	})
	var resp struct {
		IDs []string `json:"ids"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	id := resp.IDs[0]

	loc, _ := time.LoadLocation("Asia/Tokyo")
	local := time.Now().In(loc).Add(48 * time.Hour).Truncate(time.Minute)
	rec = doJSON(t, h, "POST", "/api/items/"+id+"/reschedule", map[string]string{
		"when_local": local.Format("2006-01-02T15:04"),
		"timezone":   "Asia/Tokyo",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("reschedule status = %d, body %s", rec.Code, rec.Body)
	}

	it, _ := repo.Get(context.Background(), id)
	if !it.ScheduledAt.Equal(local.UTC()) {
		t.Fatalf("scheduled_at = %v, want %v", it.ScheduledAt, local.UTC())
	}
}

func TestQueueStatusFilters(t *testing.T) {
	t.Parallel()
	h, _ := testServer(t)

	for i := 0; i < 3; i++ {
		doJSON(t, h, "POST", "/api/schedule", map[string]any{
			"user_id": "u1", "content_ref": fmt.Sprintf("c-%d", i),
			"targets":    []map[string]string{{"platform": "twitter", "account_ref": "a"}},
			"when_local": futureLocal("UTC"), "timezone": "UTC",
		})
	}

	rec := doJSON(t, h, "GET", "/api/queue?user_id=u1&status=PENDING", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Items) != 3 {
		t.Fatalf("got %d items, want 3", len(resp.Items))
	}

	rec = doJSON(t, h, "GET", "/api/queue?user_id=nobody", nil)
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Items) != 0 {
		t.Fatalf("leaked %d items to the wrong user", len(resp.Items))
	}

	if rec := doJSON(t, h, "GET", "/api/queue", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing user_id status = %d, want 400", rec.Code)
	}
}

func TestReorderEndpoint(t *testing.T) {
	t.Parallel()
	h, repo := testServer(t)

	var ids []string
	for i := 0; i < 3; i++ {
		rec := doJSON(t, h, "POST", "/api/schedule", map[string]any{
			"user_id": "u1", "content_ref": "c",
			"targets":    []map[string]string{{"platform": "twitter", "account_ref": "a"}},
			"when_local": futureLocal("UTC"), "timezone": "UTC",
		})
		var resp struct {
			IDs []string `json:"ids"`
		}
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		ids = append(ids, resp.IDs[0])
	}

	reversed := []string{ids[2], ids[1], ids[0]}
	if rec := doJSON(t, h, "POST", "/api/queue/reorder", map[string]any{"ids": reversed}); rec.Code != http.StatusNoContent {
		t.Fatalf("reorder status = %d", rec.Code)
	}

	ctx := context.Background()
	for i, id := range reversed {
		it, err := repo.Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if it.PriorityWeight != int64(i+1) {
			t.Fatalf("weight of %s = %d, want %d", id, it.PriorityWeight, i+1)
		}
	}
}

func TestRecurrenceEndpoints(t *testing.T) {
	t.Parallel()
	h, _ := testServer(t)

	rec := doJSON(t, h, "POST", "/api/recurrences", map[string]any{
		"user_id": "u1", "name": "daily digest", "cron_expr": "0 9 * * *",
		"timezone": "America/New_York", "content_ref": "digest", "account_ref": "a",
		"platforms": []string{"twitter"}, "enabled": true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body)
	}
	var created struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	if rec := doJSON(t, h, "GET", "/api/recurrences?user_id=u1", nil); rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}

	bad := doJSON(t, h, "POST", "/api/recurrences", map[string]any{
		"user_id": "u1", "name": "broken", "cron_expr": "not cron",
		"timezone": "UTC", "content_ref": "c", "account_ref": "a",
		"platforms": []string{"twitter"},
	})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("bad cron status = %d, want 400", bad.Code)
	}

	// an update may not move the rule onto a platform nothing can publish to
	unknown := doJSON(t, h, "PUT", "/api/recurrences/"+created.ID, map[string]any{
		"user_id": "u1", "name": "daily digest", "cron_expr": "0 9 * * *",
		"timezone": "America/New_York", "content_ref": "digest", "account_ref": "a",
		"platforms": []string{"myspace"}, "enabled": true,
	})
	if unknown.Code != http.StatusBadRequest {
		t.Fatalf("unknown platform update status = %d, want 400", unknown.Code)
	}

	if rec := doJSON(t, h, "DELETE", "/api/recurrences/"+created.ID, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := doJSON(t, h, "GET", "/api/recurrences/"+created.ID, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted status = %d, want 404", rec.Code)
	}
}

func TestParseLocalConversion(t *testing.T) {
	t.Parallel()
	got, err := ParseLocal("2030-01-01T09:00", "America/New_York")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2030, 1, 1, 14, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	if _, err := ParseLocal("2030-01-01T09:00", "Nowhere/Special"); !domain.IsValidation(err) {
		t.Fatalf("unknown tz: got %v, want validation error", err)
	}
	if _, err := ParseLocal("next tuesday", "UTC"); !domain.IsValidation(err) {
		t.Fatalf("bad layout: got %v, want validation error", err)
	}
}

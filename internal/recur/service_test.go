package recur

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"publishq/internal/domain"
	"publishq/internal/queue"
)

func testRepo(t *testing.T) queue.Repository {
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
	return queue.NewSQLiteRepo(db, 2*time.Minute, 365*24*time.Hour, 5)
}

func TestNextRunTimeEvaluatesInRuleTimezone(t *testing.T) {
	t.Parallel()
	// 13:00 UTC on 2024-01-01 is 08:00 in New York; next 09:00 local fire
	// is 14:00 UTC the same day
	from := time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC)
	got, err := NextRunTime("0 9 * * *", "America/New_York", from)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	if _, err := NextRunTime("0 9 * * *", "Mars/Olympus", from); !domain.IsValidation(err) {
		t.Fatalf("unknown tz: got %v, want validation error", err)
	}
	if _, err := NextRunTime("not cron", "UTC", from); err == nil {
		t.Fatal("bad expression accepted")
	}
}

func TestProcessDueEnqueuesPerPlatformAndAdvances(t *testing.T) {
	t.Parallel()
	repo := testRepo(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC)

	id, err := repo.CreateRecurrence(ctx, domain.Recurrence{
		UserID:     "u1",
		Name:       "digest",
		CronExpr:   "0 9 * * *",
		Timezone:   "America/New_York",
		ContentRef: "digest-content",
		AccountRef: "acct-1",
		Platforms:  []string{"twitter", "linkedin"},
		Enabled:    true,
		NextRun:    now,
	}, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("create recurrence: %v", err)
	}

	svc := NewService(repo, time.Second)
	svc.ProcessDue(ctx, now)

	items, err := repo.List(ctx, queue.ListFilter{UserID: "u1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want one per platform", len(items))
	}
	platforms := map[string]bool{}
	for _, it := range items {
		platforms[it.Platform] = true
		if it.ContentRef != "digest-content" || !it.ScheduledAt.Equal(now) {
			t.Fatalf("unexpected item: %+v", it)
		}
	}
	if !platforms["twitter"] || !platforms["linkedin"] {
		t.Fatalf("platforms = %v", platforms)
	}

	rec, err := repo.GetRecurrence(ctx, id)
	if err != nil {
		t.Fatalf("get recurrence: %v", err)
	}
	if rec.LastRun == nil || !rec.LastRun.Equal(now) {
		t.Fatalf("last run = %v, want %v", rec.LastRun, now)
	}
	if !rec.NextRun.After(now) {
		t.Fatalf("next run %v not advanced past %v", rec.NextRun, now)
	}

	// a second pass at the same instant fires nothing new
	svc.ProcessDue(ctx, now)
	items, _ = repo.List(ctx, queue.ListFilter{UserID: "u1"})
	if len(items) != 2 {
		t.Fatalf("duplicate fire: %d items", len(items))
	}
}

func TestProcessDueDisablesBrokenRule(t *testing.T) {
	t.Parallel()
	repo := testRepo(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC)

	id, err := repo.CreateRecurrence(ctx, domain.Recurrence{
		UserID:     "u1",
		Name:       "broken",
		CronExpr:   "0 9 * * *",
		Timezone:   "Mars/Olympus",
		ContentRef: "c",
		AccountRef: "a",
		Platforms:  []string{"twitter"},
		Enabled:    true,
		NextRun:    now,
	}, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("create recurrence: %v", err)
	}

	NewService(repo, time.Second).ProcessDue(ctx, now)

	rec, err := repo.GetRecurrence(ctx, id)
	if err != nil {
		t.Fatalf("get recurrence: %v", err)
	}
	if rec.Enabled {
		t.Fatal("rule with bad timezone left enabled")
	}
	if items, _ := repo.List(ctx, queue.ListFilter{UserID: "u1"}); len(items) != 0 {
		t.Fatalf("broken rule enqueued %d items", len(items))
	}
}

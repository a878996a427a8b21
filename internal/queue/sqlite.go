package queue

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"publishq/internal/domain"
)

var ErrEmpty = errors.New("no items due")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS items (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  content_ref TEXT NOT NULL,
  platform TEXT NOT NULL,
  account_ref TEXT NOT NULL,
  scheduled_at DATETIME NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('PENDING','CLAIMED','PUBLISHING','SUCCEEDED','FAILED_RETRYABLE','FAILED_TERMINAL','CANCELLED')) DEFAULT 'PENDING',
  attempt INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  next_attempt_at DATETIME NOT NULL,
  claim_token TEXT,
  claimed_by TEXT,
  claim_expires_at DATETIME,
  priority_weight INTEGER NOT NULL,
  last_error_class TEXT,
  last_error TEXT,
  reauth_required INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_items_due ON items(status, next_attempt_at, priority_weight, id);
CREATE INDEX IF NOT EXISTS idx_items_user ON items(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_items_claim ON items(status, claim_expires_at);
CREATE TABLE IF NOT EXISTS publish_results (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  item_id TEXT NOT NULL,
  attempt INTEGER NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  platform_post_id TEXT,
  error_class TEXT,
  error TEXT,
  concluded_at DATETIME NOT NULL,
  FOREIGN KEY(item_id) REFERENCES items(id)
);
CREATE INDEX IF NOT EXISTS idx_results_item ON publish_results(item_id, attempt);
CREATE TABLE IF NOT EXISTS recurrences (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  name TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  timezone TEXT NOT NULL,
  content_ref TEXT NOT NULL,
  account_ref TEXT NOT NULL,
  platforms TEXT NOT NULL,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run DATETIME,
  next_run DATETIME NOT NULL,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recurrences_next_run ON recurrences(enabled, next_run);
`
	_, err := db.Exec(schema)
	return err
}

// Outcome is what a worker writes back after holding a claim. The claim token
// is validated before the transition is applied: if the lease expired and the
// item was reclaimed, the write is rejected with domain.ErrClaimLost and the
// other worker's outcome is authoritative.
type Outcome struct {
	ID             string
	ClaimToken     string
	Status         domain.Status
	ErrorClass     domain.ErrorClass
	Error          string
	NextAttemptAt  time.Time
	ReauthRequired bool
	Result         *domain.PublishResult
}

type ListFilter struct {
	UserID   string
	Status   domain.Status
	Platform string
	Limit    int
	Offset   int
}

type Repository interface {
	Enqueue(ctx context.Context, item domain.ScheduledItem, now time.Time) (string, error)
	FetchDue(ctx context.Context, limit int, now time.Time) ([]domain.ScheduledItem, error)
	TryClaim(ctx context.Context, id, workerID string, lease time.Duration, now time.Time) (string, bool, error)
	MarkPublishing(ctx context.Context, id, claimToken string, now time.Time) error
	BeginAttempt(ctx context.Context, id, claimToken string, now time.Time) (int, error)
	RecordOutcome(ctx context.Context, o Outcome, now time.Time) error
	ReclaimExpired(ctx context.Context, now time.Time) (int, error)
	Cancel(ctx context.Context, id string, now time.Time) error
	Reschedule(ctx context.Context, id string, at, now time.Time) error
	Reorder(ctx context.Context, ids []string, weights []int64) error
	Get(ctx context.Context, id string) (domain.ScheduledItem, error)
	List(ctx context.Context, f ListFilter) ([]domain.ScheduledItem, error)
	ListResults(ctx context.Context, itemID string) ([]domain.PublishResult, error)

	CreateRecurrence(ctx context.Context, r domain.Recurrence, now time.Time) (string, error)
	GetRecurrence(ctx context.Context, id string) (domain.Recurrence, error)
	ListRecurrences(ctx context.Context, userID string) ([]domain.Recurrence, error)
	UpdateRecurrence(ctx context.Context, r domain.Recurrence, now time.Time) error
	DeleteRecurrence(ctx context.Context, id string) error
	DueRecurrences(ctx context.Context, now time.Time) ([]domain.Recurrence, error)
	MarkRecurrenceRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

type sqliteRepo struct {
	db          *sql.DB
	grace       time.Duration
	horizon     time.Duration
	maxAttempts int
}

// NewSQLiteRepo wraps db as the durable queue store. grace is how far in the
// past a scheduled instant may lie before enqueue rejects it; horizon caps how
// far into the future items may be scheduled. maxAttempts is stamped onto each
// item at enqueue time and drives exhaustion on reclaim, so it must match the
// retry policy's cap.
func NewSQLiteRepo(db *sql.DB, grace, horizon time.Duration, maxAttempts int) Repository {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &sqliteRepo{db: db, grace: grace, horizon: horizon, maxAttempts: maxAttempts}
}

const itemCols = `id,user_id,content_ref,platform,account_ref,scheduled_at,status,attempt,max_attempts,next_attempt_at,claim_token,claimed_by,claim_expires_at,priority_weight,last_error_class,last_error,reauth_required,created_at,updated_at`

func (r *sqliteRepo) Enqueue(ctx context.Context, item domain.ScheduledItem, now time.Time) (string, error) {
	at := item.ScheduledAt.UTC()
	if at.Before(now.Add(-r.grace)) {
		return "", domain.Validationf("scheduled_at", "instant %s is in the past", at.Format(time.RFC3339))
	}
	if r.horizon > 0 && at.After(now.Add(r.horizon)) {
		return "", domain.Validationf("scheduled_at", "instant %s is beyond the scheduling horizon", at.Format(time.RFC3339))
	}

	id := item.ID
	if id == "" {
		id = "itm_" + uuid.NewString()
	}
	if item.MaxAttempts == 0 {
		item.MaxAttempts = r.maxAttempts
	}

	// priority_weight defaults to creation order; callers only change it via
	// Reorder, never at enqueue time.
	_, err := r.db.ExecContext(ctx, `
INSERT INTO items (id,user_id,content_ref,platform,account_ref,scheduled_at,status,attempt,max_attempts,next_attempt_at,priority_weight,created_at,updated_at)
VALUES (?,?,?,?,?,?, 'PENDING',0,?,?, (SELECT COALESCE(MAX(priority_weight),0)+1 FROM items), ?,?)
`, id, item.UserID, item.ContentRef, item.Platform, item.AccountRef, at, item.MaxAttempts, at, now, now)
	return id, err
}

func (r *sqliteRepo) FetchDue(ctx context.Context, limit int, now time.Time) ([]domain.ScheduledItem, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+itemCols+`
FROM items
WHERE status IN ('PENDING','FAILED_RETRYABLE') AND next_attempt_at <= ?
ORDER BY next_attempt_at ASC, priority_weight ASC, id ASC
LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// TryClaim atomically transitions a claimable item to CLAIMED, but only if it
// is still claimable and actually due; losing this race is a normal outcome,
// not an error. The returned token is what the worker must present to write
// any outcome back.
func (r *sqliteRepo) TryClaim(ctx context.Context, id, workerID string, lease time.Duration, now time.Time) (string, bool, error) {
	token := uuid.NewString()
	res, err := r.db.ExecContext(ctx, `
UPDATE items
SET status='CLAIMED', claim_token=?, claimed_by=?, claim_expires_at=?, updated_at=?
WHERE id=? AND status IN ('PENDING','FAILED_RETRYABLE') AND next_attempt_at <= ?`,
		token, workerID, now.Add(lease), now, id, now)
	if err != nil {
		return "", false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if n == 0 {
		return "", false, nil
	}
	return token, true, nil
}

func (r *sqliteRepo) MarkPublishing(ctx context.Context, id, claimToken string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE items SET status='PUBLISHING', updated_at=?
WHERE id=? AND claim_token=? AND status='CLAIMED' AND claim_expires_at > ?`,
		now, id, claimToken, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrClaimLost
	}
	return nil
}

// BeginAttempt increments the attempt counter at the moment a publish call is
// actually issued, never on claim or reclaim.
func (r *sqliteRepo) BeginAttempt(ctx context.Context, id, claimToken string, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE items SET attempt=attempt+1, updated_at=?
WHERE id=? AND claim_token=? AND status='PUBLISHING' AND claim_expires_at > ?`,
		now, id, claimToken, now)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, domain.ErrClaimLost
	}
	var attempt int
	err = r.db.QueryRowContext(ctx, `SELECT attempt FROM items WHERE id=?`, id).Scan(&attempt)
	return attempt, err
}

func (r *sqliteRepo) RecordOutcome(ctx context.Context, o Outcome, now time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	nextAt := o.NextAttemptAt
	if nextAt.IsZero() {
		nextAt = now
	}
	res, err := tx.ExecContext(ctx, `
UPDATE items
SET status=?, claim_token=NULL, claimed_by=NULL, claim_expires_at=NULL,
    last_error_class=?, last_error=?, reauth_required=?, next_attempt_at=?, updated_at=?
WHERE id=? AND claim_token=? AND claim_expires_at > ? AND status IN ('CLAIMED','PUBLISHING')`,
		string(o.Status), nullStr(string(o.ErrorClass)), nullStr(o.Error), o.ReauthRequired,
		nextAt.UTC(), now, o.ID, o.ClaimToken, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrClaimLost
	}
	if o.Result != nil {
		_, err = tx.ExecContext(ctx, `
INSERT INTO publish_results (item_id,attempt,success,platform_post_id,error_class,error,concluded_at)
VALUES (?,?,?,?,?,?,?)`,
			o.Result.ItemID, o.Result.Attempt, o.Result.Success, nullStr(o.Result.PlatformPostID),
			nullStr(string(o.Result.ErrorClass)), nullStr(o.Result.Error), o.Result.ConcludedAt.UTC())
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ReclaimExpired returns items stranded by a crashed worker to PENDING, or to
// FAILED_TERMINAL when their attempts are already exhausted. The attempt
// counter is untouched; it only moves when a publish call is issued.
func (r *sqliteRepo) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE items
SET status = CASE WHEN attempt >= max_attempts THEN 'FAILED_TERMINAL' ELSE 'PENDING' END,
    claim_token=NULL, claimed_by=NULL, claim_expires_at=NULL,
    next_attempt_at = CASE WHEN attempt >= max_attempts THEN next_attempt_at ELSE ? END,
    updated_at=?
WHERE status IN ('CLAIMED','PUBLISHING') AND claim_expires_at < ?`, now, now, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) Cancel(ctx context.Context, id string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE items SET status='CANCELLED', updated_at=?
WHERE id=? AND status IN ('PENDING','FAILED_RETRYABLE')`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.notPermittedOrMissing(ctx, id)
	}
	return nil
}

// Reschedule moves a still-pending item to a new instant and resets its
// next-attempt time. It also clears any reauth flag: rescheduling to "now" is
// how the surrounding system signals that a credential was refreshed.
func (r *sqliteRepo) Reschedule(ctx context.Context, id string, at, now time.Time) error {
	at = at.UTC()
	if at.Before(now.Add(-r.grace)) {
		return domain.Validationf("scheduled_at", "instant %s is in the past", at.Format(time.RFC3339))
	}
	if r.horizon > 0 && at.After(now.Add(r.horizon)) {
		return domain.Validationf("scheduled_at", "instant %s is beyond the scheduling horizon", at.Format(time.RFC3339))
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE items SET scheduled_at=?, next_attempt_at=?, status='PENDING', reauth_required=0, updated_at=?
WHERE id=? AND status IN ('PENDING','FAILED_RETRYABLE')`, at, at, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.notPermittedOrMissing(ctx, id)
	}
	return nil
}

// Reorder bulk-updates priority weights for items that are still pending;
// items already claimed or terminal are skipped silently.
func (r *sqliteRepo) Reorder(ctx context.Context, ids []string, weights []int64) error {
	if len(ids) != len(weights) {
		return domain.Validationf("order", "got %d ids and %d weights", len(ids), len(weights))
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for i, id := range ids {
		if _, err := tx.ExecContext(ctx, `
UPDATE items SET priority_weight=? WHERE id=? AND status IN ('PENDING','FAILED_RETRYABLE')`, weights[i], id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.ScheduledItem, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+itemCols+` FROM items WHERE id=?`, id)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return domain.ScheduledItem{}, domain.ErrNotFound
	}
	return it, err
}

func (r *sqliteRepo) List(ctx context.Context, f ListFilter) ([]domain.ScheduledItem, error) {
	q := `SELECT ` + itemCols + ` FROM items WHERE user_id=?`
	args := []any{f.UserID}
	if f.Status != "" {
		q += ` AND status=?`
		args = append(args, string(f.Status))
	}
	if f.Platform != "" {
		q += ` AND platform=?`
		args = append(args, f.Platform)
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q += ` ORDER BY next_attempt_at ASC, priority_weight ASC, id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

func (r *sqliteRepo) ListResults(ctx context.Context, itemID string) ([]domain.PublishResult, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT item_id,attempt,success,platform_post_id,error_class,error,concluded_at
FROM publish_results WHERE item_id=? ORDER BY attempt ASC, id ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PublishResult
	for rows.Next() {
		var pr domain.PublishResult
		var postID, class, msg sql.NullString
		if err := rows.Scan(&pr.ItemID, &pr.Attempt, &pr.Success, &postID, &class, &msg, &pr.ConcludedAt); err != nil {
			return nil, err
		}
		pr.PlatformPostID = postID.String
		pr.ErrorClass = domain.ErrorClass(class.String)
		pr.Error = msg.String
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) notPermittedOrMissing(ctx context.Context, id string) error {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM items WHERE id=?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return domain.ErrNotPermitted
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (domain.ScheduledItem, error) {
	var it domain.ScheduledItem
	var token, by, class, msg sql.NullString
	var expires sql.NullTime
	err := row.Scan(&it.ID, &it.UserID, &it.ContentRef, &it.Platform, &it.AccountRef,
		&it.ScheduledAt, &it.Status, &it.Attempt, &it.MaxAttempts, &it.NextAttemptAt,
		&token, &by, &expires, &it.PriorityWeight, &class, &msg, &it.ReauthRequired,
		&it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return domain.ScheduledItem{}, err
	}
	it.ClaimToken = token.String
	it.ClaimedBy = by.String
	if expires.Valid {
		t := expires.Time
		it.ClaimExpiresAt = &t
	}
	it.LastErrorClass = domain.ErrorClass(class.String)
	it.LastError = msg.String
	return it, nil
}

func scanItems(rows *sql.Rows) ([]domain.ScheduledItem, error) {
	var items []domain.ScheduledItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (r *sqliteRepo) CreateRecurrence(ctx context.Context, rec domain.Recurrence, now time.Time) (string, error) {
	id := rec.ID
	if id == "" {
		id = "rec_" + uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO recurrences (id,user_id,name,cron_expr,timezone,content_ref,account_ref,platforms,enabled,last_run,next_run,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		id, rec.UserID, rec.Name, rec.CronExpr, rec.Timezone, rec.ContentRef, rec.AccountRef,
		strings.Join(rec.Platforms, ","), rec.Enabled, rec.LastRun, rec.NextRun.UTC(), now, now)
	return id, err
}

const recurCols = `id,user_id,name,cron_expr,timezone,content_ref,account_ref,platforms,enabled,last_run,next_run,created_at,updated_at`

func (r *sqliteRepo) GetRecurrence(ctx context.Context, id string) (domain.Recurrence, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recurCols+` FROM recurrences WHERE id=?`, id)
	rec, err := scanRecurrence(row)
	if err == sql.ErrNoRows {
		return domain.Recurrence{}, domain.ErrNotFound
	}
	return rec, err
}

func (r *sqliteRepo) ListRecurrences(ctx context.Context, userID string) ([]domain.Recurrence, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+recurCols+` FROM recurrences WHERE user_id=? ORDER BY name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecurrences(rows)
}

func (r *sqliteRepo) UpdateRecurrence(ctx context.Context, rec domain.Recurrence, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE recurrences SET name=?,cron_expr=?,timezone=?,content_ref=?,account_ref=?,platforms=?,enabled=?,next_run=?,updated_at=?
WHERE id=?`,
		rec.Name, rec.CronExpr, rec.Timezone, rec.ContentRef, rec.AccountRef,
		strings.Join(rec.Platforms, ","), rec.Enabled, rec.NextRun.UTC(), now, rec.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *sqliteRepo) DeleteRecurrence(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM recurrences WHERE id=?`, id)
	return err
}

func (r *sqliteRepo) DueRecurrences(ctx context.Context, now time.Time) ([]domain.Recurrence, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+recurCols+` FROM recurrences WHERE enabled=1 AND next_run <= ? ORDER BY next_run`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecurrences(rows)
}

func (r *sqliteRepo) MarkRecurrenceRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE recurrences SET last_run=?,next_run=?,updated_at=? WHERE id=?`,
		lastRun.UTC(), nextRun.UTC(), lastRun.UTC(), id)
	return err
}

func scanRecurrence(row rowScanner) (domain.Recurrence, error) {
	var rec domain.Recurrence
	var platforms string
	var lastRun sql.NullTime
	err := row.Scan(&rec.ID, &rec.UserID, &rec.Name, &rec.CronExpr, &rec.Timezone,
		&rec.ContentRef, &rec.AccountRef, &platforms, &rec.Enabled, &lastRun, &rec.NextRun,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return domain.Recurrence{}, err
	}
	if platforms != "" {
		rec.Platforms = strings.Split(platforms, ",")
	}
	if lastRun.Valid {
		t := lastRun.Time
		rec.LastRun = &t
	}
	return rec, nil
}

func scanRecurrences(rows *sql.Rows) ([]domain.Recurrence, error) {
	var recs []domain.Recurrence
	for rows.Next() {
		rec, err := scanRecurrence(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"publishq/internal/domain"
	"publishq/internal/queue"
	"publishq/internal/ratelimit"
	"publishq/internal/recur"
)

type Server struct {
	r       *chi.Mux
	repo    queue.Repository
	limiter *ratelimit.Limiter
	now     func() time.Time
}

func NewServer(repo queue.Repository, limiter *ratelimit.Limiter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, repo: repo, limiter: limiter, now: func() time.Time { return time.Now().UTC() }}

	r.Get("/health", s.health)
	r.Post("/api/schedule", s.scheduleContent)
	r.Get("/api/queue", s.queueStatus)
	r.Post("/api/queue/reorder", s.reorderQueue)
	r.Get("/api/items/{id}", s.getItem)
	r.Delete("/api/items/{id}", s.cancelItem)
	r.Post("/api/items/{id}/reschedule", s.rescheduleItem)
	r.Get("/api/items/{id}/results", s.itemResults)
	r.Post("/api/recurrences", s.createRecurrence)
	r.Get("/api/recurrences", s.listRecurrences)
	r.Get("/api/recurrences/{id}", s.getRecurrence)
	r.Put("/api/recurrences/{id}", s.updateRecurrence)
	r.Delete("/api/recurrences/{id}", s.deleteRecurrence)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type target struct {
	Platform   string `json:"platform"`
	AccountRef string `json:"account_ref"`
}

type scheduleReq struct {
	UserID     string   `json:"user_id"`
	ContentRef string   `json:"content_ref"`
	Targets    []target `json:"targets"`
	WhenLocal  string   `json:"when_local"`
	Timezone   string   `json:"timezone"`
}

type scheduleResp struct {
	IDs []string `json:"ids"`
}

func (s *Server) scheduleContent(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.UserID == "" || req.ContentRef == "" || len(req.Targets) == 0 {
		http.Error(w, "user_id, content_ref and targets are required", 400)
		return
	}

	at, err := ParseLocal(req.WhenLocal, req.Timezone)
	if err != nil {
		writeErr(w, err)
		return
	}
	for _, t := range req.Targets {
		if t.Platform == "" || t.AccountRef == "" {
			http.Error(w, "each target needs platform and account_ref", 400)
			return
		}
		if !s.limiter.Known(t.Platform) {
			writeErr(w, domain.Validationf("platform", "unknown platform %q", t.Platform))
			return
		}
	}

	now := s.now()
	ids := make([]string, 0, len(req.Targets))
	for _, t := range req.Targets {
		id, err := s.repo.Enqueue(r.Context(), domain.ScheduledItem{
			UserID:      req.UserID,
			ContentRef:  req.ContentRef,
			Platform:    t.Platform,
			AccountRef:  t.AccountRef,
			ScheduledAt: at,
		}, now)
		if err != nil {
			writeErr(w, err)
			return
		}
		ids = append(ids, id)
	}
	writeJSON(w, http.StatusCreated, scheduleResp{IDs: ids})
}

func (s *Server) queueStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", 400)
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	items, err := s.repo.List(r.Context(), queue.ListFilter{
		UserID:   userID,
		Status:   domain.Status(q.Get("status")),
		Platform: q.Get("platform"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	views := make([]map[string]any, 0, len(items))
	for _, it := range items {
		views = append(views, itemView(it))
	}
	writeJSON(w, 200, map[string]any{"items": views})
}

type reorderReq struct {
	IDs []string `json:"ids"`
}

func (s *Server) reorderQueue(w http.ResponseWriter, r *http.Request) {
	var req reorderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if len(req.IDs) == 0 {
		http.Error(w, "ids are required", 400)
		return
	}
	weights := make([]int64, len(req.IDs))
	for i := range req.IDs {
		weights[i] = int64(i + 1)
	}
	if err := s.repo.Reorder(r.Context(), req.IDs, weights); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	it, err := s.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 200, itemView(it))
}

func (s *Server) cancelItem(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Cancel(r.Context(), chi.URLParam(r, "id"), s.now()); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rescheduleReq struct {
	WhenLocal string `json:"when_local"`
	Timezone  string `json:"timezone"`
}

func (s *Server) rescheduleItem(w http.ResponseWriter, r *http.Request) {
	var req rescheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	at, err := ParseLocal(req.WhenLocal, req.Timezone)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.repo.Reschedule(r.Context(), chi.URLParam(r, "id"), at, s.now()); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) itemResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.repo.Get(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	results, err := s.repo.ListResults(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	views := make([]map[string]any, 0, len(results))
	for _, pr := range results {
		views = append(views, map[string]any{
			"attempt":          pr.Attempt,
			"success":          pr.Success,
			"platform_post_id": pr.PlatformPostID,
			"error_class":      string(pr.ErrorClass),
			"error":            pr.Error,
			"concluded_at":     pr.ConcludedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, 200, map[string]any{"results": views})
}

type recurrenceReq struct {
	UserID     string   `json:"user_id"`
	Name       string   `json:"name"`
	CronExpr   string   `json:"cron_expr"`
	Timezone   string   `json:"timezone"`
	ContentRef string   `json:"content_ref"`
	AccountRef string   `json:"account_ref"`
	Platforms  []string `json:"platforms"`
	Enabled    bool     `json:"enabled"`
}

func (s *Server) createRecurrence(w http.ResponseWriter, r *http.Request) {
	var req recurrenceReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.UserID == "" || req.Name == "" || req.ContentRef == "" || req.AccountRef == "" || len(req.Platforms) == 0 {
		http.Error(w, "user_id, name, content_ref, account_ref and platforms are required", 400)
		return
	}
	for _, p := range req.Platforms {
		if !s.limiter.Known(p) {
			writeErr(w, domain.Validationf("platform", "unknown platform %q", p))
			return
		}
	}
	if err := recur.ValidateCronExpression(req.CronExpr); err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), 400)
		return
	}
	now := s.now()
	nextRun, err := recur.NextRunTime(req.CronExpr, req.Timezone, now)
	if err != nil {
		writeErr(w, err)
		return
	}
	id, err := s.repo.CreateRecurrence(r.Context(), domain.Recurrence{
		UserID:     req.UserID,
		Name:       req.Name,
		CronExpr:   req.CronExpr,
		Timezone:   req.Timezone,
		ContentRef: req.ContentRef,
		AccountRef: req.AccountRef,
		Platforms:  req.Platforms,
		Enabled:    req.Enabled,
		NextRun:    nextRun,
	}, now)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) listRecurrences(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", 400)
		return
	}
	recs, err := s.repo.ListRecurrences(r.Context(), userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	views := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		views = append(views, recurrenceView(rec))
	}
	writeJSON(w, 200, map[string]any{"recurrences": views})
}

func (s *Server) getRecurrence(w http.ResponseWriter, r *http.Request) {
	rec, err := s.repo.GetRecurrence(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 200, recurrenceView(rec))
}

func (s *Server) updateRecurrence(w http.ResponseWriter, r *http.Request) {
	rec, err := s.repo.GetRecurrence(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	var req recurrenceReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	for _, p := range req.Platforms {
		if !s.limiter.Known(p) {
			writeErr(w, domain.Validationf("platform", "unknown platform %q", p))
			return
		}
	}
	if err := recur.ValidateCronExpression(req.CronExpr); err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), 400)
		return
	}
	now := s.now()
	nextRun, err := recur.NextRunTime(req.CronExpr, req.Timezone, now)
	if err != nil {
		writeErr(w, err)
		return
	}
	rec.Name = req.Name
	rec.CronExpr = req.CronExpr
	rec.Timezone = req.Timezone
	rec.ContentRef = req.ContentRef
	rec.AccountRef = req.AccountRef
	rec.Platforms = req.Platforms
	rec.Enabled = req.Enabled
	rec.NextRun = nextRun
	if err := s.repo.UpdateRecurrence(r.Context(), rec, now); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteRecurrence(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DeleteRecurrence(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var localLayouts = []string{"2006-01-02T15:04:05", "2006-01-02T15:04"}

// ParseLocal converts a caller-supplied wall-clock time and IANA timezone
// name into the UTC instant stored on the item. The conversion happens once,
// here; nothing downstream ever recomputes it.
func ParseLocal(whenLocal, timezone string) (time.Time, error) {
	if timezone == "" {
		return time.Time{}, domain.Validationf("timezone", "timezone is required")
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, domain.Validationf("timezone", "unknown timezone %q", timezone)
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, whenLocal, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, domain.Validationf("when_local", "cannot parse %q, want 2006-01-02T15:04[:05]", whenLocal)
}

func itemView(it domain.ScheduledItem) map[string]any {
	v := map[string]any{
		"id":              it.ID,
		"user_id":         it.UserID,
		"content_ref":     it.ContentRef,
		"platform":        it.Platform,
		"account_ref":     it.AccountRef,
		"scheduled_at":    it.ScheduledAt.Format(time.RFC3339),
		"status":          string(it.Status),
		"attempt":         it.Attempt,
		"max_attempts":    it.MaxAttempts,
		"next_attempt_at": it.NextAttemptAt.Format(time.RFC3339),
		"priority_weight": it.PriorityWeight,
	}
	if it.LastError != "" {
		v["last_error_class"] = string(it.LastErrorClass)
		v["last_error"] = it.LastError
	}
	if it.ReauthRequired {
		v["reauth_required"] = true
	}
	return v
}

func recurrenceView(rec domain.Recurrence) map[string]any {
	v := map[string]any{
		"id":          rec.ID,
		"user_id":     rec.UserID,
		"name":        rec.Name,
		"cron_expr":   rec.CronExpr,
		"timezone":    rec.Timezone,
		"content_ref": rec.ContentRef,
		"account_ref": rec.AccountRef,
		"platforms":   rec.Platforms,
		"enabled":     rec.Enabled,
		"next_run":    rec.NextRun.Format(time.RFC3339),
	}
	if rec.LastRun != nil {
		v["last_run"] = rec.LastRun.Format(time.RFC3339)
	}
	return v
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case domain.IsValidation(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrNotPermitted):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/iconidentify/genqueue/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS bulk_jobs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	title TEXT NOT NULL,
	state TEXT NOT NULL,
	priority TEXT NOT NULL,
	idempotency_key TEXT,
	processing_deadline_ns INTEGER NOT NULL DEFAULT 0,
	callback_url TEXT,
	constraints TEXT,
	schedule_id TEXT,
	effective_priority INTEGER NOT NULL DEFAULT 0,
	started_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bulk_jobs_state ON bulk_jobs(state);
CREATE INDEX IF NOT EXISTS idx_bulk_jobs_tenant ON bulk_jobs(tenant_id);

CREATE TABLE IF NOT EXISTS video_jobs (
	id TEXT PRIMARY KEY,
	bulk_job_id TEXT NOT NULL REFERENCES bulk_jobs(id),
	input TEXT,
	tier TEXT NOT NULL,
	priority_hint INTEGER NOT NULL DEFAULT 0,
	max_parallelism INTEGER NOT NULL DEFAULT 0,
	dispatch_windows TEXT,
	schedule_id TEXT,
	effective_priority INTEGER NOT NULL DEFAULT 0,
	provider TEXT,
	state TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	retry_after INTEGER,
	cost REAL NOT NULL DEFAULT 0,
	last_error TEXT,
	dispatched_at INTEGER,
	finished_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_video_jobs_bulk ON video_jobs(bulk_job_id);
CREATE INDEX IF NOT EXISTS idx_video_jobs_state ON video_jobs(state);

CREATE TABLE IF NOT EXISTS schedules (
	id TEXT PRIMARY KEY,
	bulk_job_id TEXT NOT NULL,
	generated_at INTEGER NOT NULL,
	entries TEXT NOT NULL,
	supersedes TEXT
);
CREATE INDEX IF NOT EXISTS idx_schedules_bulk ON schedules(bulk_job_id, generated_at);

CREATE TABLE IF NOT EXISTS job_events (
	id TEXT PRIMARY KEY,
	bulk_job_id TEXT NOT NULL,
	video_job_id TEXT,
	schedule_id TEXT,
	type TEXT NOT NULL,
	payload TEXT,
	occurred_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_events_bulk ON job_events(bulk_job_id, occurred_at);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	tenant_id TEXT NOT NULL,
	key TEXT NOT NULL,
	bulk_job_id TEXT NOT NULL,
	spec_hash TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, key)
);
`

// SQLiteStore implements JobStore on a SQLite database. SQLite is a
// single-writer engine; writes go through one connection guarded by a
// mutex so claim CAS and transitions serialize without optimistic retry
// loops.
type SQLiteStore struct {
	db             *sql.DB
	idempotencyTTL time.Duration
	now            func() time.Time

	// writeMu serializes all mutating statements.
	writeMu sync.Mutex
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string, idempotencyTTL time.Duration) (*SQLiteStore, error) {
	if idempotencyTTL <= 0 {
		idempotencyTTL = 24 * time.Hour
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{
		db:             db,
		idempotencyTTL: idempotencyTTL,
		now:            time.Now,
	}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n) }

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func jsonText(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CreateBulkJob creates a bulk job and its video jobs in one transaction,
// honoring the idempotency key within its validity window.
func (s *SQLiteStore) CreateBulkJob(ctx context.Context, spec BulkJobSpec, idempotencyKey string) (*domain.BulkJob, []*domain.VideoJob, bool, error) {
	if len(spec.Items) == 0 {
		return nil, nil, false, domain.NewJobError("", "create bulk job: no items", domain.ErrValidation)
	}
	if err := spec.Constraints.Validate(); err != nil {
		return nil, nil, false, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.now()

	if idempotencyKey != "" {
		var bulkID, hash string
		var expiresAt int64
		err := s.db.QueryRowContext(ctx,
			`SELECT bulk_job_id, spec_hash, expires_at FROM idempotency_keys WHERE tenant_id=? AND key=?`,
			spec.TenantID, idempotencyKey,
		).Scan(&bulkID, &hash, &expiresAt)
		switch {
		case err == nil && now.Before(fromNanos(expiresAt)):
			if hash != specHash(spec) {
				return nil, nil, false, domain.NewJobError(bulkID, "create bulk job", domain.ErrIdempotencyConflict)
			}
			bulk, err := s.getBulkJob(ctx, domain.BulkJobID(bulkID))
			if err != nil {
				return nil, nil, false, err
			}
			videos, err := s.ListVideoJobs(ctx, bulk.ID)
			if err != nil {
				return nil, nil, false, err
			}
			return bulk, videos, false, nil
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return nil, nil, false, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	bulk := domain.NewBulkJob(domain.BulkJobID(uuid.NewString()), spec.TenantID, spec.Title, spec.Priority)
	bulk.IdempotencyKey = idempotencyKey
	bulk.ProcessingDeadline = spec.ProcessingDeadline
	bulk.CallbackURL = spec.CallbackURL
	bulk.Constraints = spec.Constraints
	bulk.EffectivePriority = spec.Priority.BaseWeight()
	bulk.Items.Total = len(spec.Items)
	bulk.CreatedAt = now
	bulk.UpdatedAt = now

	constraintsJSON, err := jsonText(spec.Constraints)
	if err != nil {
		return nil, nil, false, fmt.Errorf("encode constraints: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
INSERT INTO bulk_jobs (id, tenant_id, title, state, priority, idempotency_key,
	processing_deadline_ns, callback_url, constraints, effective_priority, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		bulk.ID, bulk.TenantID, bulk.Title, bulk.State, bulk.Priority, idempotencyKey,
		int64(bulk.ProcessingDeadline), bulk.CallbackURL, constraintsJSON, bulk.EffectivePriority,
		nanos(now), nanos(now),
	)
	if err != nil {
		return nil, nil, false, fmt.Errorf("insert bulk job: %w", err)
	}

	windowsJSON, err := jsonText(spec.Constraints.DispatchWindows)
	if err != nil {
		return nil, nil, false, fmt.Errorf("encode windows: %w", err)
	}

	videos := make([]*domain.VideoJob, 0, len(spec.Items))
	for _, input := range spec.Items {
		v := domain.NewVideoJob(domain.VideoJobID(uuid.NewString()), bulk.ID, spec.Priority, input)
		v.DispatchWindows = spec.Constraints.DispatchWindows
		v.CreatedAt = now
		v.UpdatedAt = now

		_, err = tx.ExecContext(ctx, `
INSERT INTO video_jobs (id, bulk_job_id, input, tier, dispatch_windows,
	effective_priority, state, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.BulkJobID, string(v.Input), v.Tier, windowsJSON,
			v.EffectivePriority, v.State, nanos(now), nanos(now),
		)
		if err != nil {
			return nil, nil, false, fmt.Errorf("insert video job: %w", err)
		}
		videos = append(videos, v)
	}

	if idempotencyKey != "" {
		_, err = tx.ExecContext(ctx, `
INSERT OR REPLACE INTO idempotency_keys (tenant_id, key, bulk_job_id, spec_hash, expires_at)
VALUES (?, ?, ?, ?, ?)`,
			spec.TenantID, idempotencyKey, bulk.ID, specHash(spec), nanos(now.Add(s.idempotencyTTL)),
		)
		if err != nil {
			return nil, nil, false, fmt.Errorf("insert idempotency key: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, false, fmt.Errorf("commit: %w", err)
	}
	return bulk, videos, true, nil
}

func (s *SQLiteStore) getBulkJob(ctx context.Context, id domain.BulkJobID) (*domain.BulkJob, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, tenant_id, title, state, priority, idempotency_key, processing_deadline_ns,
	callback_url, constraints, schedule_id, effective_priority, started_at, created_at, updated_at
FROM bulk_jobs WHERE id = ?`, id)

	var (
		b               domain.BulkJob
		idemKey         sql.NullString
		callback        sql.NullString
		constraintsText sql.NullString
		scheduleID      sql.NullString
		deadlineNS      int64
		startedAt       sql.NullInt64
		createdAt       int64
		updatedAt       int64
	)
	err := row.Scan(&b.ID, &b.TenantID, &b.Title, &b.State, &b.Priority, &idemKey,
		&deadlineNS, &callback, &constraintsText, &scheduleID, &b.EffectivePriority,
		&startedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrBulkJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan bulk job: %w", err)
	}

	b.IdempotencyKey = idemKey.String
	b.CallbackURL = callback.String
	b.ScheduleID = domain.ScheduleID(scheduleID.String)
	b.ProcessingDeadline = time.Duration(deadlineNS)
	if constraintsText.String != "" {
		if err := json.Unmarshal([]byte(constraintsText.String), &b.Constraints); err != nil {
			return nil, fmt.Errorf("decode constraints: %w", err)
		}
	}
	if startedAt.Valid {
		t := fromNanos(startedAt.Int64)
		b.StartedAt = &t
	}
	b.CreatedAt = fromNanos(createdAt)
	b.UpdatedAt = fromNanos(updatedAt)

	counts, err := s.countsFor(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	b.Items = counts
	return &b, nil
}

// countsFor aggregates item counters from video job states.
func (s *SQLiteStore) countsFor(ctx context.Context, bulkID domain.BulkJobID) (domain.ItemCounts, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT state, retry_count, dispatched_at IS NULL FROM video_jobs WHERE bulk_job_id = ?`, bulkID)
	if err != nil {
		return domain.ItemCounts{}, fmt.Errorf("query counts: %w", err)
	}
	defer rows.Close()

	var c domain.ItemCounts
	for rows.Next() {
		var state string
		var retries int
		var neverDispatched bool
		if err := rows.Scan(&state, &retries, &neverDispatched); err != nil {
			return domain.ItemCounts{}, fmt.Errorf("scan counts: %w", err)
		}
		c.Total++
		switch domain.VideoJobState(state) {
		case domain.VideoJobCompleted:
			c.Completed++
		case domain.VideoJobFailed:
			c.Failed++
		case domain.VideoJobCanceled:
			if neverDispatched && retries == 0 {
				c.Skipped++
			} else {
				c.Canceled++
			}
		}
	}
	return c, rows.Err()
}

// GetBulkJob retrieves a bulk job with refreshed item counts.
func (s *SQLiteStore) GetBulkJob(ctx context.Context, id domain.BulkJobID) (*domain.BulkJob, error) {
	return s.getBulkJob(ctx, id)
}

// ListBulkJobs lists bulk jobs, newest first.
func (s *SQLiteStore) ListBulkJobs(ctx context.Context, state *domain.BulkJobState, limit, offset int) ([]*domain.BulkJob, error) {
	// A non-positive limit means no limit, same as the memory store.
	if limit <= 0 {
		limit = -1
	}

	q := `SELECT id FROM bulk_jobs`
	args := []any{}
	if state != nil {
		q += ` WHERE state = ?`
		args = append(args, string(*state))
	}
	q += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query bulk jobs: %w", err)
	}
	defer rows.Close()

	var ids []domain.BulkJobID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan bulk job id: %w", err)
		}
		ids = append(ids, domain.BulkJobID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*domain.BulkJob, 0, len(ids))
	for _, id := range ids {
		b, err := s.getBulkJob(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// TransitionBulkJob moves a bulk job through its state machine using a
// guarded compare-and-swap on the state column.
func (s *SQLiteStore) TransitionBulkJob(ctx context.Context, id domain.BulkJobID, to domain.BulkJobState) (*domain.BulkJob, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	bulk, err := s.getBulkJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !bulk.State.CanTransition(to) {
		return nil, domain.NewJobError(id.String(), "transition "+string(bulk.State)+" -> "+string(to), domain.ErrInvalidTransition)
	}

	now := s.now()
	if to == domain.BulkJobRunning && bulk.StartedAt == nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE bulk_jobs SET state=?, started_at=?, updated_at=? WHERE id=? AND state=?`,
			to, nanos(now), nanos(now), id, bulk.State)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE bulk_jobs SET state=?, updated_at=? WHERE id=? AND state=?`,
			to, nanos(now), id, bulk.State)
	}
	if err != nil {
		return nil, fmt.Errorf("update bulk job: %w", err)
	}
	return s.getBulkJob(ctx, id)
}

const videoJobColumns = `id, bulk_job_id, input, tier, priority_hint, max_parallelism,
	dispatch_windows, schedule_id, effective_priority, provider, state, retry_count,
	retry_after, cost, last_error, dispatched_at, finished_at, created_at, updated_at`

func scanVideoJob(row interface{ Scan(...any) error }) (*domain.VideoJob, error) {
	var (
		v            domain.VideoJob
		input        sql.NullString
		windowsText  sql.NullString
		scheduleID   sql.NullString
		provider     sql.NullString
		retryAfter   sql.NullInt64
		lastError    sql.NullString
		dispatchedAt sql.NullInt64
		finishedAt   sql.NullInt64
		createdAt    int64
		updatedAt    int64
	)
	err := row.Scan(&v.ID, &v.BulkJobID, &input, &v.Tier, &v.PriorityHint, &v.MaxParallelism,
		&windowsText, &scheduleID, &v.EffectivePriority, &provider, &v.State, &v.RetryCount,
		&retryAfter, &v.Cost, &lastError, &dispatchedAt, &finishedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrVideoJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan video job: %w", err)
	}

	if input.String != "" {
		v.Input = json.RawMessage(input.String)
	}
	if windowsText.String != "" {
		if err := json.Unmarshal([]byte(windowsText.String), &v.DispatchWindows); err != nil {
			return nil, fmt.Errorf("decode windows: %w", err)
		}
	}
	v.ScheduleID = domain.ScheduleID(scheduleID.String)
	v.Provider = provider.String
	v.LastError = lastError.String
	if retryAfter.Valid {
		t := fromNanos(retryAfter.Int64)
		v.RetryAfter = &t
	}
	if dispatchedAt.Valid {
		t := fromNanos(dispatchedAt.Int64)
		v.DispatchedAt = &t
	}
	if finishedAt.Valid {
		t := fromNanos(finishedAt.Int64)
		v.FinishedAt = &t
	}
	v.CreatedAt = fromNanos(createdAt)
	v.UpdatedAt = fromNanos(updatedAt)
	return &v, nil
}

// GetVideoJob retrieves a video job.
func (s *SQLiteStore) GetVideoJob(ctx context.Context, id domain.VideoJobID) (*domain.VideoJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+videoJobColumns+` FROM video_jobs WHERE id = ?`, id)
	return scanVideoJob(row)
}

// ListVideoJobs lists a bulk job's video jobs in creation order.
func (s *SQLiteStore) ListVideoJobs(ctx context.Context, bulkID domain.BulkJobID) ([]*domain.VideoJob, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM bulk_jobs WHERE id=?`, bulkID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check bulk job: %w", err)
	}
	if exists == 0 {
		return nil, domain.ErrBulkJobNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+videoJobColumns+` FROM video_jobs WHERE bulk_job_id = ? ORDER BY created_at, id`, bulkID)
	if err != nil {
		return nil, fmt.Errorf("query video jobs: %w", err)
	}
	defer rows.Close()

	var out []*domain.VideoJob
	for rows.Next() {
		v, err := scanVideoJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ClaimVideoJob atomically swaps queued/rate_limited -> dispatched.
func (s *SQLiteStore) ClaimVideoJob(ctx context.Context, id domain.VideoJobID) (*domain.VideoJob, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.now()
	res, err := s.db.ExecContext(ctx, `
UPDATE video_jobs SET state=?, dispatched_at=?, updated_at=?
WHERE id=? AND state IN (?, ?)`,
		domain.VideoJobDispatched, nanos(now), nanos(now),
		id, domain.VideoJobQueued, domain.VideoJobRateLimited)
	if err != nil {
		return nil, fmt.Errorf("claim video job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim video job: %w", err)
	}
	if n == 0 {
		if _, err := s.GetVideoJob(ctx, id); err != nil {
			return nil, err
		}
		return nil, domain.NewJobError(id.String(), "claim", domain.ErrJobClaimed)
	}
	return s.GetVideoJob(ctx, id)
}

// TransitionVideoJob moves a video job through its state machine.
func (s *SQLiteStore) TransitionVideoJob(ctx context.Context, id domain.VideoJobID, to domain.VideoJobState, detail string) (*domain.VideoJob, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	v, err := s.GetVideoJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !v.State.CanTransition(to) {
		return nil, domain.NewJobError(id.String(), "transition "+string(v.State)+" -> "+string(to), domain.ErrInvalidTransition)
	}

	now := s.now()
	q := `UPDATE video_jobs SET state=?, updated_at=?`
	args := []any{to, nanos(now)}

	switch to {
	case domain.VideoJobRetried:
		q += `, retry_count=retry_count+1, last_error=?`
		args = append(args, detail)
	case domain.VideoJobFailed:
		q += `, last_error=?, finished_at=?`
		args = append(args, detail, nanos(now))
	case domain.VideoJobCompleted, domain.VideoJobCanceled:
		q += `, finished_at=?`
		args = append(args, nanos(now))
	case domain.VideoJobQueued:
		q += `, dispatched_at=NULL`
	}
	q += ` WHERE id=? AND state=?`
	args = append(args, id, v.State)

	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return nil, fmt.Errorf("update video job: %w", err)
	}
	return s.GetVideoJob(ctx, id)
}

// UpdateVideoJobPlan attaches schedule metadata to a video job.
func (s *SQLiteStore) UpdateVideoJobPlan(ctx context.Context, id domain.VideoJobID, scheduleID domain.ScheduleID, provider string, windows []domain.Window) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	windowsJSON, err := jsonText(windows)
	if err != nil {
		return fmt.Errorf("encode windows: %w", err)
	}

	var res sql.Result
	if windows != nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE video_jobs SET schedule_id=?, provider=?, dispatch_windows=?, updated_at=? WHERE id=?`,
			scheduleID, provider, windowsJSON, nanos(s.now()), id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE video_jobs SET schedule_id=?, provider=?, updated_at=? WHERE id=?`,
			scheduleID, provider, nanos(s.now()), id)
	}
	if err != nil {
		return fmt.Errorf("update video job plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrVideoJobNotFound
	}
	return nil
}

// SetVideoJobRetry records retry bookkeeping before a requeue.
func (s *SQLiteStore) SetVideoJobRetry(ctx context.Context, id domain.VideoJobID, retryAfter time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE video_jobs SET retry_after=?, updated_at=? WHERE id=?`,
		nanos(retryAfter), nanos(s.now()), id)
	if err != nil {
		return fmt.Errorf("set retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrVideoJobNotFound
	}
	return nil
}

// SaveSchedule persists an immutable schedule and stamps it on the bulk job.
func (s *SQLiteStore) SaveSchedule(ctx context.Context, sched *domain.Schedule) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	entriesJSON, err := jsonText(sched.Entries)
	if err != nil {
		return fmt.Errorf("encode entries: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
INSERT INTO schedules (id, bulk_job_id, generated_at, entries, supersedes)
VALUES (?, ?, ?, ?, ?)`,
		sched.ID, sched.BulkJobID, nanos(sched.GeneratedAt), entriesJSON, string(sched.Supersedes))
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE bulk_jobs SET schedule_id=?, updated_at=? WHERE id=?`,
		sched.ID, nanos(s.now()), sched.BulkJobID)
	if err != nil {
		return fmt.Errorf("stamp bulk job: %w", err)
	}
	return tx.Commit()
}

func scanSchedule(row interface{ Scan(...any) error }) (*domain.Schedule, error) {
	var (
		sched       domain.Schedule
		generatedAt int64
		entriesText string
		supersedes  sql.NullString
	)
	err := row.Scan(&sched.ID, &sched.BulkJobID, &generatedAt, &entriesText, &supersedes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	if err := json.Unmarshal([]byte(entriesText), &sched.Entries); err != nil {
		return nil, fmt.Errorf("decode entries: %w", err)
	}
	sched.GeneratedAt = fromNanos(generatedAt)
	sched.Supersedes = domain.ScheduleID(supersedes.String)
	return &sched, nil
}

// GetSchedule retrieves a schedule by ID.
func (s *SQLiteStore) GetSchedule(ctx context.Context, id domain.ScheduleID) (*domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, bulk_job_id, generated_at, entries, supersedes FROM schedules WHERE id = ?`, id)
	return scanSchedule(row)
}

// LatestSchedule retrieves the most recent schedule for a bulk job.
func (s *SQLiteStore) LatestSchedule(ctx context.Context, bulkID domain.BulkJobID) (*domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, bulk_job_id, generated_at, entries, supersedes FROM schedules
WHERE bulk_job_id = ? ORDER BY generated_at DESC LIMIT 1`, bulkID)
	return scanSchedule(row)
}

// AppendEvent appends to the event log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *domain.JobEvent) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	payload := ""
	if ev.Payload != nil {
		payload = string(ev.Payload)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO job_events (id, bulk_job_id, video_job_id, schedule_id, type, payload, occurred_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.BulkJobID, string(ev.VideoJobID), string(ev.ScheduleID), ev.Type, payload, nanos(ev.OccurredAt))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns the most recent events for a bulk job, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, bulkID domain.BulkJobID, limit int) ([]*domain.JobEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, bulk_job_id, video_job_id, schedule_id, type, payload, occurred_at
FROM job_events WHERE bulk_job_id = ? ORDER BY occurred_at DESC LIMIT ?`, bulkID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*domain.JobEvent
	for rows.Next() {
		var (
			ev         domain.JobEvent
			videoID    sql.NullString
			scheduleID sql.NullString
			payload    sql.NullString
			occurredAt int64
		)
		if err := rows.Scan(&ev.ID, &ev.BulkJobID, &videoID, &scheduleID, &ev.Type, &payload, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.VideoJobID = domain.VideoJobID(videoID.String)
		ev.ScheduleID = domain.ScheduleID(scheduleID.String)
		if payload.String != "" {
			ev.Payload = json.RawMessage(payload.String)
		}
		ev.OccurredAt = fromNanos(occurredAt)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// ListStaleDispatched returns video jobs stuck in dispatched since before
// the cutoff.
func (s *SQLiteStore) ListStaleDispatched(ctx context.Context, cutoff time.Time) ([]*domain.VideoJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+videoJobColumns+` FROM video_jobs WHERE state = ? AND dispatched_at < ?`,
		domain.VideoJobDispatched, nanos(cutoff))
	if err != nil {
		return nil, fmt.Errorf("query stale jobs: %w", err)
	}
	defer rows.Close()

	var out []*domain.VideoJob
	for rows.Next() {
		v, err := scanVideoJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// SweepIdempotencyKeys deletes expired keys.
func (s *SQLiteStore) SweepIdempotencyKeys(ctx context.Context, now time.Time) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= ?`, nanos(now))
	if err != nil {
		return 0, fmt.Errorf("sweep idempotency keys: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"mailflow/internal/mail"
	"mailflow/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const jobColumns = `id, recipient, subject, body_html, body_text, cc, bcc, attachments,
	reply_to, headers, scheduled_at, status, retry_count, last_error, created_at, updated_at`

// Store is the durable job repository. All mutating operations serialize on
// the single SQLite connection, so callers never need external locking.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (creating if needed) the job database at cfg.Path.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers. One connection
	// doubles as the store-wide write lock.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create inserts msg as a new pending job due at when and returns its id.
func (s *Store) Create(ctx context.Context, msg mail.Message, when time.Time) (int64, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}
	cc, err := json.Marshal(emptyIfNil(msg.CC))
	if err != nil {
		return 0, err
	}
	bcc, err := json.Marshal(emptyIfNil(msg.BCC))
	if err != nil {
		return 0, err
	}
	atts, err := json.Marshal(emptyIfNil(msg.Attachments))
	if err != nil {
		return 0, err
	}
	headers, err := json.Marshal(emptyMapIfNil(msg.Headers))
	if err != nil {
		return 0, err
	}

	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(recipient, subject, body_html, body_text, cc, bcc, attachments,
			reply_to, headers, scheduled_at, status, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		msg.To, msg.Subject, msg.HTMLBody, msg.TextBody, string(cc), string(bcc), string(atts),
		msg.ReplyTo, string(headers), when.UnixMilli(), string(StatusPending), now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	s.log.Info("job scheduled",
		logx.Int64("job", id),
		logx.String("to", mail.Mask(msg.To)),
		logx.Time("at", when),
	)
	return id, nil
}

// Get returns the job with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListPending returns all pending jobs ordered by scheduled time.
func (s *Store) ListPending(ctx context.Context) ([]Job, error) {
	return s.list(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY scheduled_at ASC`,
		string(StatusPending))
}

// ListDue returns pending jobs whose scheduled time is at or before now,
// soonest first.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]Job, error) {
	return s.list(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? AND scheduled_at <= ? ORDER BY scheduled_at ASC`,
		string(StatusPending), now.UnixMilli())
}

// ListAll returns up to limit jobs, newest first.
func (s *Store) ListAll(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.list(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// UpdateStatus transitions the job to a new status, recording errText when
// non-empty. It returns false without mutating when the job does not exist
// or the transition is not allowed from the current status, so the first
// writer of a terminal state always wins.
func (s *Store) UpdateStatus(ctx context.Context, id int64, to Status, errText string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	from, err := ParseStatus(raw)
	if err != nil {
		return false, err
	}
	if !transitionAllowed(from, to) {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(to), nullStr(errText), time.Now().UnixMilli(), id)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// IncrementRetry bumps the retry counter, independent of status.
func (s *Store) IncrementRetry(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	return err
}

// Cancel marks a pending or processing job cancelled. It reports false for
// missing jobs and for jobs already in a terminal state.
func (s *Store) Cancel(ctx context.Context, id int64) (bool, error) {
	ok, err := s.UpdateStatus(ctx, id, StatusCancelled, "")
	if err != nil {
		return false, err
	}
	if ok {
		s.log.Info("job cancelled", logx.Int64("job", id))
	}
	return ok, nil
}

// Reschedule moves a pending job to a new due time. Any other status leaves
// the job untouched and reports false.
func (s *Store) Reschedule(ctx context.Context, id int64, newTime time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	status, err := ParseStatus(raw)
	if err != nil {
		return false, err
	}
	if status != StatusPending {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET scheduled_at = ?, updated_at = ? WHERE id = ?`,
		newTime.UnixMilli(), time.Now().UnixMilli(), id)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// Stats returns job counts per status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[Status]int{}
	for rows.Next() {
		var raw string
		var n int
		if err := rows.Scan(&raw, &n); err != nil {
			return nil, err
		}
		status, err := ParseStatus(raw)
		if err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// CleanupOlderThan deletes terminal jobs whose last update is older than age
// and returns how many were removed.
func (s *Store) CleanupOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN (?,?,?) AND updated_at < ?`,
		string(StatusSent), string(StatusCancelled), string(StatusFailed), cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("cleaned up old jobs", logx.Int64("removed", n))
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		j                       Job
		cc, bcc, atts, headers  string
		scheduled, created, upd int64
		rawStatus               string
		lastErr                 sql.NullString
	)
	err := row.Scan(&j.ID, &j.Message.To, &j.Message.Subject, &j.Message.HTMLBody, &j.Message.TextBody,
		&cc, &bcc, &atts, &j.Message.ReplyTo, &headers,
		&scheduled, &rawStatus, &j.RetryCount, &lastErr, &created, &upd)
	if err != nil {
		return nil, err
	}

	j.Status, err = ParseStatus(rawStatus)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cc), &j.Message.CC); err != nil {
		return nil, fmt.Errorf("job %d: decode cc: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(bcc), &j.Message.BCC); err != nil {
		return nil, fmt.Errorf("job %d: decode bcc: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(atts), &j.Message.Attachments); err != nil {
		return nil, fmt.Errorf("job %d: decode attachments: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(headers), &j.Message.Headers); err != nil {
		return nil, fmt.Errorf("job %d: decode headers: %w", j.ID, err)
	}
	j.LastError = lastErr.String
	j.ScheduledAt = time.UnixMilli(scheduled)
	j.CreatedAt = time.UnixMilli(created)
	j.UpdatedAt = time.UnixMilli(upd)
	return &j, nil
}

func emptyIfNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func emptyMapIfNil(v map[string]string) map[string]string {
	if v == nil {
		return map[string]string{}
	}
	return v
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

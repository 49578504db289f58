// Package jobs is the sqlite ledger of accepted requests and the artifacts
// awaiting delivery.
package jobs

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mgpai22/klip/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	ModeClip  = "clip"
	ModeMulti = "multi"

	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const interruptedMessage = "interrupted by restart"

type Job struct {
	ID          string      `json:"id"`
	UserID      string      `json:"user_id"`
	Mode        string      `json:"mode"`
	Source      string      `json:"source"`
	Range       string      `json:"range,omitempty"`
	Count       int         `json:"count,omitempty"`
	ClipSeconds float64     `json:"clip_seconds,omitempty"`
	Captions    bool        `json:"captions"`
	Status      string      `json:"status"`
	ErrorKind   string      `json:"error_kind,omitempty"`
	Error       string      `json:"error,omitempty"`
	Artifacts   []*Artifact `json:"artifacts,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// one deliverable file of a completed job
type Artifact struct {
	JobID       string     `json:"job_id"`
	Index       int        `json:"index"`
	Path        string     `json:"-"`
	Caption     string     `json:"caption"`
	Tags        []string   `json:"tags,omitempty"`
	Captioned   bool       `json:"captioned"`
	Size        int64      `json:"size"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ExpiredAt   *time.Time `json:"expired_at,omitempty"`
}

// Available reports whether the file is still waiting for delivery.
func (a *Artifact) Available() bool {
	return a.DeliveredAt == nil && a.ExpiredAt == nil
}

type Store struct {
	conn *sql.DB
	log  *logging.Logger
	now  func() time.Time
}

// Open creates or opens the ledger at dbPath, applies migrations and marks
// jobs left unfinished by a previous process as failed.
func Open(dbPath string, log *logging.Logger) (*Store, error) {
	log = logging.OrNop(log)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	s := &Store{conn: conn, log: log, now: time.Now}

	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if n, err := s.markInterrupted(context.Background()); err != nil {
		log.Warnw("Failed to mark interrupted jobs", "error", err)
	} else if n > 0 {
		log.Infow("Marked interrupted jobs as failed", "count", n)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) Conn() *sql.DB {
	return s.conn
}

func (s *Store) migrate() error {
	migrations, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	for _, m := range migrations {
		if m.IsDir() {
			continue
		}
		name := m.Name()
		if s.isMigrationApplied(name) {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := s.conn.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", name, err)
		}
		if _, err := s.conn.Exec("INSERT INTO _migrations (name) VALUES (?)", name); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", name, err)
		}
		s.log.Debugw("Applied migration", "name", name)
	}
	return nil
}

func (s *Store) isMigrationApplied(name string) bool {
	var exists int
	err := s.conn.QueryRow("SELECT 1 FROM sqlite_master WHERE type='table' AND name='_migrations'").Scan(&exists)
	if err != nil {
		return false
	}

	var applied int
	err = s.conn.QueryRow("SELECT 1 FROM _migrations WHERE name = ?", name).Scan(&applied)
	return err == nil && applied == 1
}

// a restarted process has lost its dispatcher, so queued jobs die too
func (s *Store) markInterrupted(ctx context.Context) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, updated_at = ?
		WHERE status IN (?, ?)
	`, StatusFailed, interruptedMessage, s.stamp(), StatusPending, StatusRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Create inserts j as pending, assigning an id when empty.
func (s *Store) Create(ctx context.Context, j *Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := s.now().UTC().Truncate(time.Second)
	j.Status = StatusPending
	j.CreatedAt, j.UpdatedAt = now, now

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO jobs (id, user_id, mode, source, time_range, clip_count, clip_seconds, captions, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.UserID, j.Mode, j.Source, nullString(j.Range), j.Count, j.ClipSeconds,
		boolToInt(j.Captions), j.Status, formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// Get returns the job with its artifacts, or nil when unknown.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, user_id, mode, source, time_range, clip_count, clip_seconds, captions,
			status, error_kind, error, created_at, updated_at
		FROM jobs WHERE id = ?
	`, id)

	var j Job
	var rng, errKind, errMsg sql.NullString
	var captions int
	var createdAt, updatedAt string
	err := row.Scan(&j.ID, &j.UserID, &j.Mode, &j.Source, &rng, &j.Count, &j.ClipSeconds, &captions,
		&j.Status, &errKind, &errMsg, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.Range = rng.String
	j.Captions = captions != 0
	j.ErrorKind = errKind.String
	j.Error = errMsg.String
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)

	arts, err := s.artifacts(ctx, id)
	if err != nil {
		return nil, err
	}
	j.Artifacts = arts
	return &j, nil
}

func (s *Store) MarkRunning(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, StatusRunning, "", "")
}

// Fail records a terminal failure. msg is the requester-facing text.
func (s *Store) Fail(ctx context.Context, id, kind, msg string) error {
	return s.setStatus(ctx, id, StatusFailed, kind, msg)
}

func (s *Store) setStatus(ctx context.Context, id, status, kind, msg string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error_kind = ?, error = ?, updated_at = ? WHERE id = ?
	`, status, nullString(kind), nullString(msg), s.stamp(), id)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s not found", id)
	}
	return nil
}

// Complete stores the artifacts and marks the job completed atomically.
func (s *Store) Complete(ctx context.Context, id string, arts []*Artifact) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.stamp()
	for i, a := range arts {
		a.JobID = id
		a.Index = i
		a.CreatedAt = parseTime(now)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO artifacts (job_id, idx, path, caption, tags, captioned, size, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, id, i, a.Path, nullString(a.Caption), nullString(strings.Join(a.Tags, " ")),
			boolToInt(a.Captioned), a.Size, now)
		if err != nil {
			return fmt.Errorf("failed to store artifact %d of job %s: %w", i, id, err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error_kind = NULL, error = NULL, updated_at = ? WHERE id = ?
	`, StatusCompleted, now, id)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s not found", id)
	}
	return tx.Commit()
}

// MarkDelivered records that the artifact left the host. It returns false
// when the artifact was already delivered or expired.
func (s *Store) MarkDelivered(ctx context.Context, jobID string, idx int) (bool, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE artifacts SET delivered_at = ?
		WHERE job_id = ? AND idx = ? AND delivered_at IS NULL AND expired_at IS NULL
	`, s.stamp(), jobID, idx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Expired lists undelivered artifacts created before cutoff.
func (s *Store) Expired(ctx context.Context, cutoff time.Time) ([]*Artifact, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT job_id, idx, path, caption, tags, captioned, size, created_at, delivered_at, expired_at
		FROM artifacts
		WHERE delivered_at IS NULL AND expired_at IS NULL AND created_at < ?
		ORDER BY created_at ASC
	`, formatTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

func (s *Store) MarkExpired(ctx context.Context, jobID string, idx int) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE artifacts SET expired_at = ? WHERE job_id = ? AND idx = ? AND expired_at IS NULL
	`, s.stamp(), jobID, idx)
	return err
}

// List returns a user's most recent jobs, newest first, without artifacts.
func (s *Store) List(ctx context.Context, userID string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, mode, source, status, error, created_at, updated_at
		FROM jobs WHERE user_id = ? ORDER BY created_at DESC, id LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j := Job{UserID: userID}
		var errMsg sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&j.ID, &j.Mode, &j.Source, &j.Status, &errMsg, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		j.Error = errMsg.String
		j.CreatedAt = parseTime(createdAt)
		j.UpdatedAt = parseTime(updatedAt)
		out = append(out, &j)
	}
	return out, rows.Err()
}

func (s *Store) artifacts(ctx context.Context, jobID string) ([]*Artifact, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT job_id, idx, path, caption, tags, captioned, size, created_at, delivered_at, expired_at
		FROM artifacts WHERE job_id = ? ORDER BY idx
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

func scanArtifacts(rows *sql.Rows) ([]*Artifact, error) {
	var out []*Artifact
	for rows.Next() {
		var a Artifact
		var caption, tags, delivered, expired sql.NullString
		var captioned int
		var createdAt string
		if err := rows.Scan(&a.JobID, &a.Index, &a.Path, &caption, &tags, &captioned, &a.Size,
			&createdAt, &delivered, &expired); err != nil {
			return nil, err
		}
		a.Caption = caption.String
		a.Tags = strings.Fields(tags.String)
		a.Captioned = captioned != 0
		a.CreatedAt = parseTime(createdAt)
		a.DeliveredAt = parseNullTime(delivered)
		a.ExpiredAt = parseNullTime(expired)
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *Store) stamp() string {
	return formatTime(s.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

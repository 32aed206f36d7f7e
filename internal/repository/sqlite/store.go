// Package sqlite is a single-file job store for local runs (knockctl) and tests.
// It implements the same port as the Postgres repository.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"knock-pipeline/internal/entity"
)

// timestamps are stored as fixed-width UTC text so they sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var ErrStageLogClosed = errors.New("stage log is not processing")

type Store struct {
	db *sql.DB
}

// Open creates the database file if needed, applies pragmas and migrates.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	// one writer keeps the guarded updates serialised
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migration: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS pipeline_jobs (
			id                TEXT PRIMARY KEY,
			user_id           TEXT    NOT NULL,
			status            TEXT    NOT NULL CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
			attempt           INTEGER NOT NULL DEFAULT 1,
			input             TEXT    NOT NULL,
			output            TEXT,
			execution_time_ms INTEGER NOT NULL DEFAULT 0,
			quality_score     INTEGER,
			error_message     TEXT,
			started_at        TEXT    NOT NULL,
			completed_at      TEXT,
			created_at        TEXT    NOT NULL,
			updated_at        TEXT    NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_user_created ON pipeline_jobs(user_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS stage_logs (
			id                TEXT PRIMARY KEY,
			job_id            TEXT    NOT NULL REFERENCES pipeline_jobs(id) ON DELETE CASCADE,
			attempt           INTEGER NOT NULL,
			seq               INTEGER NOT NULL,
			agent_name        TEXT    NOT NULL,
			status            TEXT    NOT NULL CHECK (status IN ('processing', 'completed', 'error', 'skipped')),
			message           TEXT    NOT NULL DEFAULT '',
			input_data        TEXT,
			output_data       TEXT,
			execution_time_ms INTEGER NOT NULL DEFAULT 0,
			created_at        TEXT    NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_logs_job ON stage_logs(job_id, attempt, seq);

		CREATE TABLE IF NOT EXISTS personas (
			id               TEXT PRIMARY KEY,
			user_id          TEXT    NOT NULL,
			job_id           TEXT    NOT NULL REFERENCES pipeline_jobs(id),
			name             TEXT    NOT NULL,
			archetype_id     TEXT    NOT NULL,
			system_prompt    TEXT    NOT NULL,
			template_id      TEXT    NOT NULL,
			template_version INTEGER NOT NULL,
			language         TEXT    NOT NULL,
			profile          TEXT    NOT NULL,
			created_at       TEXT    NOT NULL
		);

		CREATE TABLE IF NOT EXISTS rooms (
			id           TEXT PRIMARY KEY,
			persona_id   TEXT NOT NULL REFERENCES personas(id) ON DELETE CASCADE,
			user_id      TEXT NOT NULL,
			image_ref    TEXT NOT NULL,
			image_source TEXT NOT NULL,
			image_prompt TEXT NOT NULL,
			created_at   TEXT NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `id, user_id, status, attempt, input, output, execution_time_ms, quality_score,
	error_message, started_at, completed_at, created_at, updated_at`

func (s *Store) CreateJob(ctx context.Context, job *entity.Job) error {
	if len(job.Input) == 0 {
		job.Input = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_jobs (id, user_id, status, attempt, input, started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID.String(), job.UserID, string(job.Status), job.Attempt, string(job.Input),
		formatTime(job.StartedAt), formatTime(job.CreatedAt), formatTime(job.UpdatedAt))
	return err
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM pipeline_jobs WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entity.ErrJobNotFound
	}
	return job, err
}

func (s *Store) StartAttempt(ctx context.Context, id uuid.UUID, startedAt time.Time) (*entity.Job, error) {
	ts := formatTime(startedAt)
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_jobs
		SET status = 'processing', attempt = attempt + 1, output = NULL, error_message = NULL,
		    quality_score = NULL, completed_at = NULL, execution_time_ms = 0,
		    started_at = ?, updated_at = ?
		WHERE id = ? AND status = 'failed'`, ts, ts, id.String())
	if err != nil {
		return nil, err
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, entity.ErrNotFailed
	}
	return job, nil
}

func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID, c entity.JobCompletion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	ts := formatTime(c.CompletedAt)
	res, err := tx.ExecContext(ctx, `
		UPDATE pipeline_jobs
		SET status = 'completed', output = ?, quality_score = ?, execution_time_ms = ?,
		    completed_at = ?, updated_at = ?, error_message = NULL
		WHERE id = ? AND status = 'processing' AND attempt = ?`,
		string(c.Output), c.QualityScore, c.ExecutionTimeMs, ts, ts, id.String(), c.Attempt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.guardError(ctx, tx, id)
	}

	if p := c.Persona; p != nil {
		profile, err := json.Marshal(p.Profile)
		if err != nil {
			return fmt.Errorf("encode profile: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO personas (id, user_id, job_id, name, archetype_id, system_prompt, template_id, template_version, language, profile, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID.String(), p.UserID, p.JobID.String(), p.Name, p.ArchetypeID, p.SystemPrompt,
			p.TemplateID, p.TemplateVersion, p.Language, string(profile), formatTime(p.CreatedAt)); err != nil {
			return err
		}
	}
	if r := c.Room; r != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rooms (id, persona_id, user_id, image_ref, image_source, image_prompt, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID.String(), r.PersonaID.String(), r.UserID, r.ImageRef, string(r.ImageSource),
			r.ImagePrompt, formatTime(r.CreatedAt)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) FailJob(ctx context.Context, id uuid.UUID, attempt int, message string, executionTimeMs int64, at time.Time) error {
	ts := formatTime(at)
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_jobs
		SET status = 'failed', error_message = ?, execution_time_ms = ?, completed_at = ?, updated_at = ?,
		    output = NULL, quality_score = NULL
		WHERE id = ? AND status = 'processing' AND attempt = ?`,
		message, executionTimeMs, ts, ts, id.String(), attempt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.guardError(ctx, s.db, id)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) guardError(ctx context.Context, q queryer, id uuid.UUID) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM pipeline_jobs WHERE id = ?`, id.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.ErrJobNotFound
	}
	if err != nil {
		return err
	}
	return entity.ErrNotProcessing
}

func (s *Store) ListJobsByUser(ctx context.Context, userID string, f entity.JobFilter) ([]entity.Job, error) {
	f = f.Normalize()

	order := "ASC"
	if f.SortDescending {
		order = "DESC"
	}
	query := `SELECT ` + jobColumns + ` FROM pipeline_jobs WHERE user_id = ?`
	args := []any{userID}
	if f.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*f.Status))
	}
	// SortBy is whitelisted by Normalize
	query += fmt.Sprintf(` ORDER BY %s %s NULLS LAST, id LIMIT ? OFFSET ?`, string(f.SortBy), order)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []entity.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *Store) AppendStageLog(ctx context.Context, l *entity.StageLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stage_logs (id, job_id, attempt, seq, agent_name, status, message, input_data, output_data, execution_time_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID.String(), l.JobID.String(), l.Attempt, l.Seq, string(l.AgentName), string(l.Status), l.Message,
		nullText(l.InputData), nullText(l.OutputData), l.ExecutionTimeMs, formatTime(l.CreatedAt))
	return err
}

func (s *Store) FinishStageLog(ctx context.Context, id uuid.UUID, res entity.StageResult) error {
	r, err := s.db.ExecContext(ctx, `
		UPDATE stage_logs
		SET status = ?, message = ?, output_data = ?, execution_time_ms = ?
		WHERE id = ? AND status = 'processing'`,
		string(res.Status), res.Message, nullText(res.OutputData), res.ExecutionTimeMs, id.String())
	if err != nil {
		return err
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return ErrStageLogClosed
	}
	return nil
}

func (s *Store) ListStageLogs(ctx context.Context, jobID uuid.UUID) ([]entity.StageLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, attempt, seq, agent_name, status, message, input_data, output_data, execution_time_ms, created_at
		FROM stage_logs
		WHERE job_id = ?
		ORDER BY attempt, seq, created_at`, jobID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []entity.StageLog{}
	for rows.Next() {
		var (
			l                  entity.StageLog
			id, job, agent, st string
			input, output      sql.NullString
			created            string
		)
		if err := rows.Scan(&id, &job, &l.Attempt, &l.Seq, &agent, &st, &l.Message,
			&input, &output, &l.ExecutionTimeMs, &created); err != nil {
			return nil, err
		}
		if l.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if l.JobID, err = uuid.Parse(job); err != nil {
			return nil, err
		}
		if l.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		l.AgentName = entity.AgentName(agent)
		l.Status = entity.StageStatus(st)
		if input.Valid {
			l.InputData = json.RawMessage(input.String)
		}
		if output.Valid {
			l.OutputData = json.RawMessage(output.String)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*entity.Job, error) {
	var (
		job                       entity.Job
		id, status, input         string
		output, errMsg, completed sql.NullString
		quality                   sql.NullInt64
		started, created, updated string
	)
	if err := row.Scan(&id, &job.UserID, &status, &job.Attempt, &input, &output, &job.ExecutionTimeMs,
		&quality, &errMsg, &started, &completed, &created, &updated); err != nil {
		return nil, err
	}

	var err error
	if job.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	job.Status = entity.JobStatus(status)
	job.Input = json.RawMessage(input)
	if output.Valid {
		job.Output = json.RawMessage(output.String)
	}
	if quality.Valid {
		q := int(quality.Int64)
		job.QualityScore = &q
	}
	if errMsg.Valid {
		msg := errMsg.String
		job.ErrorMessage = &msg
	}
	if job.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if completed.Valid {
		at, err := parseTime(completed.String)
		if err != nil {
			return nil, err
		}
		job.CompletedAt = &at
	}
	if job.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &job, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullText(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

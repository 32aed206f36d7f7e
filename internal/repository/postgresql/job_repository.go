package postgresql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"knock-pipeline/internal/entity"
)

const jobColumns = `id, user_id, status, attempt, input, output, execution_time_ms, quality_score,
       error_message, started_at, completed_at, created_at, updated_at`

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

func (r *JobRepository) CreateJob(ctx context.Context, job *entity.Job) error {
	if len(job.Input) == 0 {
		job.Input = json.RawMessage(`{}`)
	}

	const q = `
INSERT INTO pipeline_jobs (id, user_id, status, attempt, input, started_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`
	_, err := r.pool.Exec(ctx, q, job.ID, job.UserID, string(job.Status), job.Attempt, job.Input,
		job.StartedAt, job.CreatedAt, job.UpdatedAt)
	return err
}

func (r *JobRepository) GetJob(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM pipeline_jobs WHERE id = $1;`

	job, err := scanJob(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, entity.ErrJobNotFound
		}
		return nil, err
	}
	return job, nil
}

func (r *JobRepository) StartAttempt(ctx context.Context, id uuid.UUID, startedAt time.Time) (*entity.Job, error) {
	q := `
UPDATE pipeline_jobs
SET status = 'processing', attempt = attempt + 1, output = NULL, error_message = NULL,
    quality_score = NULL, completed_at = NULL, execution_time_ms = 0,
    started_at = $2, updated_at = $2
WHERE id = $1 AND status = 'failed'
RETURNING ` + jobColumns + `;`

	job, err := scanJob(r.pool.QueryRow(ctx, q, id, startedAt))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if _, err := r.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return nil, entity.ErrNotFailed
}

// CompleteJob writes the output together with the persona and room in one transaction.
func (r *JobRepository) CompleteJob(ctx context.Context, id uuid.UUID, c entity.JobCompletion) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const q = `
UPDATE pipeline_jobs
SET status = 'completed', output = $2, quality_score = $3, execution_time_ms = $4,
    completed_at = $5, updated_at = $5, error_message = NULL
WHERE id = $1 AND status = 'processing' AND attempt = $6;
`
	tag, err := tx.Exec(ctx, q, id, c.Output, c.QualityScore, c.ExecutionTimeMs, c.CompletedAt, c.Attempt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.guardError(ctx, id)
	}

	if c.Persona != nil {
		if err := insertPersona(ctx, tx, c.Persona); err != nil {
			return err
		}
	}
	if c.Room != nil {
		if err := insertRoom(ctx, tx, c.Room); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// FailJob ends the given attempt; a newer attempt or a finished job is left alone.
func (r *JobRepository) FailJob(ctx context.Context, id uuid.UUID, attempt int, message string, executionTimeMs int64, at time.Time) error {
	const q = `
UPDATE pipeline_jobs
SET status = 'failed', error_message = $2, execution_time_ms = $3, completed_at = $4, updated_at = $4,
    output = NULL, quality_score = NULL
WHERE id = $1 AND status = 'processing' AND attempt = $5;
`
	tag, err := r.pool.Exec(ctx, q, id, message, executionTimeMs, at, attempt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.guardError(ctx, id)
	}
	return nil
}

// guardError tells a missing job apart from one that already left processing
// or moved on to another attempt.
func (r *JobRepository) guardError(ctx context.Context, id uuid.UUID) error {
	if _, err := r.GetJob(ctx, id); err != nil {
		return err
	}
	return entity.ErrNotProcessing
}

func (r *JobRepository) ListJobsByUser(ctx context.Context, userID string, f entity.JobFilter) ([]entity.Job, error) {
	f = f.Normalize()

	order := "ASC"
	if f.SortDescending {
		order = "DESC"
	}
	// SortBy is whitelisted by Normalize
	q := fmt.Sprintf(`
SELECT %s
FROM pipeline_jobs
WHERE user_id = $1 AND ($2::text IS NULL OR status = $2)
ORDER BY %s %s NULLS LAST, id
LIMIT $3 OFFSET $4;
`, jobColumns, string(f.SortBy), order)

	var status *string
	if f.Status != nil {
		s := string(*f.Status)
		status = &s
	}

	rows, err := r.pool.Query(ctx, q, userID, status, f.Limit, f.Offset)
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

func scanJob(row pgx.Row) (*entity.Job, error) {
	var (
		job         entity.Job
		statusText  string
		inputBytes  []byte
		outputBytes []byte
		quality     *int32
	)

	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&statusText,
		&job.Attempt,
		&inputBytes,
		&outputBytes, // NULL => nil
		&job.ExecutionTimeMs,
		&quality,
		&job.ErrorMessage,
		&job.StartedAt,
		&job.CompletedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}

	job.Status = entity.JobStatus(statusText)
	job.Input = json.RawMessage(inputBytes)
	if outputBytes != nil {
		job.Output = json.RawMessage(outputBytes)
	}
	if quality != nil {
		q := int(*quality)
		job.QualityScore = &q
	}
	return &job, nil
}

package postgresql

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"knock-pipeline/internal/entity"
)

var ErrStageLogClosed = errors.New("stage log is not processing")

func (r *JobRepository) AppendStageLog(ctx context.Context, l *entity.StageLog) error {
	const q = `
INSERT INTO stage_logs (id, job_id, attempt, seq, agent_name, status, message, input_data, output_data, execution_time_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
`
	_, err := r.pool.Exec(ctx, q, l.ID, l.JobID, l.Attempt, l.Seq, string(l.AgentName), string(l.Status),
		l.Message, nullJSON(l.InputData), nullJSON(l.OutputData), l.ExecutionTimeMs, l.CreatedAt)
	return err
}

// FinishStageLog moves a processing row to its terminal state. Rows never change twice.
func (r *JobRepository) FinishStageLog(ctx context.Context, id uuid.UUID, res entity.StageResult) error {
	const q = `
UPDATE stage_logs
SET status = $2, message = $3, output_data = $4, execution_time_ms = $5
WHERE id = $1 AND status = 'processing';
`
	tag, err := r.pool.Exec(ctx, q, id, string(res.Status), res.Message, nullJSON(res.OutputData), res.ExecutionTimeMs)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStageLogClosed
	}
	return nil
}

func (r *JobRepository) ListStageLogs(ctx context.Context, jobID uuid.UUID) ([]entity.StageLog, error) {
	const q = `
SELECT id, job_id, attempt, seq, agent_name, status, message, input_data, output_data, execution_time_ms, created_at
FROM stage_logs
WHERE job_id = $1
ORDER BY attempt, seq, created_at;
`
	rows, err := r.pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []entity.StageLog{}
	for rows.Next() {
		var (
			l             entity.StageLog
			agent, status string
			input, output []byte
		)
		if err := rows.Scan(&l.ID, &l.JobID, &l.Attempt, &l.Seq, &agent, &status, &l.Message,
			&input, &output, &l.ExecutionTimeMs, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.AgentName = entity.AgentName(agent)
		l.Status = entity.StageStatus(status)
		if input != nil {
			l.InputData = json.RawMessage(input)
		}
		if output != nil {
			l.OutputData = json.RawMessage(output)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// nullJSON keeps empty snapshots as SQL NULL.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

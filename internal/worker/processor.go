package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"knock-pipeline/internal/logging"
)

// Runner executes the pipeline for one job (service.Orchestrator).
type Runner interface {
	Run(ctx context.Context, jobID uuid.UUID) error
}

type Processor struct {
	runner Runner
	logger *logging.Logger
}

func NewProcessor(runner Runner, logger *logging.Logger) *Processor {
	if logger == nil {
		l := logging.Nop()
		logger = &l
	}
	return &Processor{runner: runner, logger: logger}
}

func (p *Processor) Process(ctx context.Context, jobID string) error {
	start := time.Now()

	id, err := uuid.Parse(jobID)
	if err != nil {
		p.logger.Error().Str("job_id", jobID).Err(err).Msg("unparseable job id")
		return fmt.Errorf("parse job id %q: %w", jobID, err)
	}

	p.logger.Debug().Str("job_id", id.String()).Msg("job claimed")

	if err := p.runner.Run(ctx, id); err != nil {
		p.logger.Error().
			Str("job_id", id.String()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Err(err).
			Msg("pipeline run error")
		return err
	}

	p.logger.Info().
		Str("job_id", id.String()).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("job processed")
	return nil
}

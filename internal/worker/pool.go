package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"knock-pipeline/internal/logging"
	"knock-pipeline/internal/service"
)

type Pool struct {
	queue      service.Queue
	processor  *Processor
	workers    int
	claimDelay time.Duration
	retryDelay time.Duration
	logger     *logging.Logger
}

func NewPool(queue service.Queue, processor *Processor, workers int, logger *logging.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		l := logging.Nop()
		logger = &l
	}
	return &Pool{
		queue:      queue,
		processor:  processor,
		workers:    workers,
		claimDelay: 5 * time.Second,
		retryDelay: time.Second,
		logger:     logger,
	}
}

// Run claims jobs until ctx is done, then waits for in-flight jobs to finish.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info().Int("workers", p.workers).Msg("worker pool started")

	jobCh := make(chan string)
	var wg sync.WaitGroup

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for jobID := range jobCh {
				// the run itself must not be cut short by shutdown; it persists a terminal state
				_ = p.processor.Process(context.WithoutCancel(ctx), jobID)

				// always ack: the job reached a terminal state, or Run refused it.
				// A crash before this line leaves the claim to the reaper.
				if err := p.queue.Ack(context.WithoutCancel(ctx), jobID); err != nil {
					p.logger.Error().Int("worker", n).Str("job_id", jobID).Err(err).Msg("ack failed")
				}
			}
		}(i + 1)
	}

	defer func() {
		close(jobCh)
		wg.Wait()
		p.logger.Info().Msg("worker pool stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobID, err := p.queue.ClaimBlocking(ctx, p.claimDelay)
		if errors.Is(err, redis.Nil) || ctx.Err() != nil {
			continue
		}
		if err != nil {
			p.logger.Error().Err(err).Msg("claim failed")
			select {
			case <-time.After(p.retryDelay):
			case <-ctx.Done():
			}
			continue
		}
		select {
		case jobCh <- jobID:
		case <-ctx.Done():
			// claimed but not handed off; the reaper will return it
			return
		}
	}
}

package worker

import (
	"context"
	"time"

	"knock-pipeline/internal/logging"
	"knock-pipeline/internal/service"
)

// Reaper periodically returns claims older than StaleAfter to their lane,
// covering workers that died between claim and ack.
type Reaper struct {
	Queue      service.Queue
	Interval   time.Duration
	StaleAfter time.Duration
	MaxPerLane int64
	Logger     *logging.Logger
}

func (r Reaper) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	perLane := r.MaxPerLane
	if perLane <= 0 {
		perLane = 100
	}
	logger := r.Logger
	if logger == nil {
		l := logging.Nop()
		logger = &l
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Queue.RequeueStale(ctx, r.StaleAfter, perLane)
			if err != nil {
				logger.Error().Err(err).Msg("requeue stale claims")
				continue
			}
			if n > 0 {
				logger.Warn().Int64("requeued", n).Msg("returned stale claims to the queue")
			}
		}
	}
}

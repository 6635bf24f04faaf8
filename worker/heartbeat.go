package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/buildkite/roko"
	"github.com/datastone-sprite/sprite-worker/api"
	"github.com/datastone-sprite/sprite-worker/logger"
)

// Heartbeat periodically reports the in-flight request ids to the agent so
// it can tell live work from abandoned work.
type Heartbeat struct {
	logger   logger.Logger
	client   *api.Client
	limiter  *Limiter
	interval time.Duration

	// retrySleepFunc overrides the sleep function within roko retries.
	// This is primarily useful for unit tests. It's recommended to leave as nil.
	retrySleepFunc func(time.Duration)

	startOnce sync.Once
}

func NewHeartbeat(l logger.Logger, client *api.Client, limiter *Limiter, interval time.Duration) *Heartbeat {
	return &Heartbeat{
		logger:   l,
		client:   client,
		limiter:  limiter,
		interval: interval,
	}
}

// Start launches the reporting loop in its own goroutine, exactly once per
// Heartbeat. The loop stops when ctx is cancelled.
func (h *Heartbeat) Start(ctx context.Context) {
	h.startOnce.Do(func() {
		h.logger.Info("start heartbeat")
		go h.run(ctx)
	})
}

func (h *Heartbeat) run(ctx context.Context) {
	// report once up front so a freshly started worker is visible before
	// the first full interval elapses
	h.beat(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.beat(ctx)
		case <-ctx.Done():
			h.logger.Debug("stopping heartbeats due to context cancel")
			return
		}
	}
}

// beat snapshots the in-flight set and posts it. Transport failures retry
// with exponential backoff, up to 3 attempts per tick; any response from
// the agent counts as delivered. Failures are logged, never fatal.
func (h *Heartbeat) beat(ctx context.Context) {
	jobs := h.limiter.Jobs()

	err := roko.NewRetrier(
		roko.WithMaxAttempts(3),
		roko.WithStrategy(roko.Exponential(2*time.Second, 0)),
		roko.WithSleepFunc(h.retrySleepFunc),
	).DoWithContext(ctx, func(r *roko.Retrier) error {
		resp, err := h.client.SendHeartbeat(ctx, jobs)
		if err != nil {
			var errResp *api.ErrorResponse
			if errors.As(err, &errResp) {
				h.logger.Debug("heartbeat status: %d", errResp.Response.StatusCode)
				return nil
			}
			if !api.IsRetryableError(err) {
				r.Break()
			}
			h.logger.Warn("%s (%s)", err, r)
			return err
		}
		h.logger.Debug("heartbeat status: %d", resp.StatusCode)
		return nil
	})
	if err != nil {
		h.logger.Error("failed to send heartbeat: %v", err)
	}
}

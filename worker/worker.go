package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/datastone-sprite/sprite-worker/api"
	"github.com/datastone-sprite/sprite-worker/internal/agenthttp"
	"github.com/datastone-sprite/sprite-worker/logger"
	"github.com/datastone-sprite/sprite-worker/metrics"
	"github.com/datastone-sprite/sprite-worker/version"
)

// ErrAgentUnhealthy is returned by Run when the agent reports itself
// unhealthy while no task is in flight. The process should exit so the
// platform can reschedule the worker.
var ErrAgentUnhealthy = errors.New("agent is unhealthy, and no task is running")

const (
	// pollInterval paces the loop between successful polls and while the
	// admission cap is full.
	pollInterval = 50 * time.Millisecond

	// errorInterval backs the loop off after a failed poll.
	errorInterval = 500 * time.Millisecond

	// noTaskInterval paces the loop when the agent had nothing for us.
	noTaskInterval = 200 * time.Millisecond

	// readyPollInterval paces check_start probes in proxy mode.
	readyPollInterval = 500 * time.Millisecond

	// drainGracePeriod bounds the wait for in-flight tasks on shutdown.
	drainGracePeriod = 10 * time.Second

	// webhookTimeout bounds a single webhook delivery attempt.
	webhookTimeout = 60 * time.Second
)

// Worker polls the agent for tasks and runs them under the admission cap.
type Worker struct {
	logger   logger.Logger
	settings Settings
	handlers Handlers
	env      *Env

	apiClient *api.Client
	limiter   *Limiter
	heartbeat *Heartbeat
	stats     *metrics.Scope

	mode    Mode
	handler func(context.Context, *Request) ([]byte, error)
	proxy   *proxyAdapter

	webhookClient *http.Client

	// retrySleepFunc replaces the sleep between retry attempts. Tests use
	// it to run retries instantly. nil means real sleeps.
	retrySleepFunc func(time.Duration)

	// sleepFunc replaces loop pacing sleeps in tests. nil means real
	// sleeps.
	sleepFunc func(context.Context, time.Duration)
}

// New validates the handler registration and assembles a worker. The
// collector may be nil when metrics are off.
func New(l logger.Logger, settings Settings, handlers Handlers, env *Env, collector *metrics.Collector) (*Worker, error) {
	mode := handlers.mode()
	if err := validateHandlers(mode, handlers); err != nil {
		return nil, err
	}

	if collector == nil {
		collector = metrics.NewCollector(l, metrics.CollectorConfig{})
	}

	apiClient := api.NewClient(l, api.Config{
		Endpoint:  settings.AgentURL,
		UserAgent: version.UserAgent(),
		DebugHTTP: settings.DebugHTTP,
	})

	limiter := NewLimiter(l, handlers.ConcurrencyModifier)

	w := &Worker{
		logger:        l,
		settings:      settings,
		handlers:      handlers,
		env:           env,
		apiClient:     apiClient,
		limiter:       limiter,
		heartbeat:     NewHeartbeat(l, apiClient, limiter, settings.HeartbeatInterval),
		stats:         collector.Scope(metrics.Tags{"mode": string(mode)}),
		mode:          mode,
		webhookClient: agenthttp.NewClient(agenthttp.WithTimeout(webhookTimeout)),
	}

	if mode == ModeProxy {
		w.proxy = newProxyAdapter(l, apiClient, handlers.BaseURL, handlers.CheckStart, settings.DebugHTTP)
	} else {
		w.handler = wrapHandler(handlers, env)
	}

	return w, nil
}

// Run executes the polling loop until ctx is cancelled or the agent turns
// unhealthy while the worker is idle. On cancellation it stops polling
// and waits up to a grace period for in-flight tasks to drain.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker mode is %s", w.mode)

	w.heartbeat.Start(ctx)

	if w.proxy != nil {
		if err := w.proxy.waitReady(ctx); err != nil {
			// cancelled while waiting for the local server
			return nil
		}
	}

	var wg sync.WaitGroup
	defer w.apiClient.Close()
	defer w.drain(&wg)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("stop polling, waiting for in-flight requests")
			return nil
		default:
		}

		if !w.limiter.IsAvailable() {
			w.sleep(ctx, pollInterval)
			continue
		}

		pollsSent.Inc()
		task, health, err := w.apiClient.NextTask(ctx)
		if err != nil {
			if ctx.Err() == nil {
				pollErrors.Inc()
				w.logger.WithStack().Error("failed to get task: %v", err)
			}
			w.sleep(ctx, errorInterval)
			continue
		}

		if w.limiter.Size() == 0 && !health {
			w.logger.Error("agent is unhealthy, and no task is running, exit")
			return ErrAgentUnhealthy
		}

		if task == nil {
			w.sleep(ctx, noTaskInterval)
			continue
		}

		if task.Header.RequestID == "" {
			w.logger.Error("request id of task is empty")
			w.sleep(ctx, noTaskInterval)
			continue
		}

		w.limiter.Add(task.Header.RequestID)
		wg.Add(1)
		go w.runTask(context.WithoutCancel(ctx), &wg, task)

		w.sleep(ctx, pollInterval)
	}
}

// drain waits for in-flight tasks, but never longer than the grace
// period. Tasks run on a context detached from Run's, so those still
// going keep their agent calls alive until the process exits.
func (w *Worker) drain(wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainGracePeriod):
		w.logger.Warn("gave up waiting for %d in-flight requests after %v", w.limiter.Size(), drainGracePeriod)
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	if w.sleepFunc != nil {
		w.sleepFunc(ctx, d)
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// Package sprite is the worker SDK for the Datastone Sprite serverless
// GPU platform. User code registers a handler and calls Start; the
// worker polls its node agent for tasks, executes them, and reports
// results and lifecycle statuses back.
//
// The minimal worker is:
//
//	func handler(ctx context.Context, req *sprite.Request, env *sprite.Env) (any, error) {
//		return map[string]string{"echo": string(req.Input)}, nil
//	}
//
//	func main() {
//		sprite.Start(sprite.Handlers{Handler: handler})
//	}
package sprite

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/datastone-sprite/sprite-worker/logger"
	"github.com/datastone-sprite/sprite-worker/metrics"
	"github.com/datastone-sprite/sprite-worker/worker"
)

// Re-exported worker types, so user code only imports this package.
type (
	Handlers            = worker.Handlers
	Handler             = worker.Handler
	StreamHandler       = worker.StreamHandler
	ConcurrencyModifier = worker.ConcurrencyModifier
	CheckStart          = worker.CheckStart
	Request             = worker.Request
	Env                 = worker.Env
	Config              = worker.Config
	Mode                = worker.Mode
)

const (
	ModeDefault = worker.ModeDefault
	ModeProxy   = worker.ModeProxy
)

// Option configures Start.
type Option func(*options)

type options struct {
	workDir string
}

// WithWorkDir points Start at the directory whose config.yaml becomes
// the handler environment's configuration.
func WithWorkDir(dir string) Option {
	return func(o *options) { o.workDir = dir }
}

// Start runs the worker until the process receives SIGINT or SIGTERM, or
// until the runtime decides to exit (for example when the agent turns
// unhealthy while idle). In test mode it serves the handler over local
// HTTP instead of polling the agent. Configuration problems exit the
// process.
func Start(handlers Handlers, opts ...Option) {
	l := newLogger()

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	config := Config{}
	if o.workDir != "" {
		c, err := worker.LoadConfig(filepath.Join(o.workDir, "config.yaml"))
		if err != nil {
			l.Fatal("failed to load config: %v", err)
		}
		config = c
	}
	env := &Env{Config: config}

	settings := worker.SettingsFromEnv(l)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if settings.TestMode {
		srv, err := worker.NewTestServer(l, handlers, env, settings.TestPort)
		if err != nil {
			l.Fatal("%v", err)
		}
		if err := srv.Run(ctx); err != nil {
			l.Fatal("test server: %v", err)
		}
		return
	}

	collector := metrics.NewCollector(l, metrics.CollectorConfig{
		StatsdHost: settings.StatsdHost,
	})
	if err := collector.Start(); err != nil {
		l.Error("failed to start metrics collector: %v", err)
	}
	defer collector.Stop()

	w, err := worker.New(l, settings, handlers, env, collector)
	if err != nil {
		l.Fatal("%v", err)
	}

	l.Info("start worker")
	if err := w.Run(ctx); err != nil {
		l.Fatal("%v", err)
	}
}

// newLogger builds the process logger from EASE_LOG_LEVEL. Unknown
// values degrade to INFO with a notice on stderr, since the logger
// itself isn't up yet.
func newLogger() logger.Logger {
	level := logger.INFO
	if v := os.Getenv(worker.EnvLogLevel); v != "" {
		lvl, err := logger.ParseLevel(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "unknown log level %q, using INFO\n", v)
		}
		level = lvl
	}
	return logger.New(os.Stdout, level)
}

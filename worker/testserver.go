package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/datastone-sprite/sprite-worker/logger"
)

// TestServer serves the registered handler over plain HTTP for local
// development. No agent, no admission cap, no status reporting: POST a
// handler-mode body to / and get the result back directly.
type TestServer struct {
	logger   logger.Logger
	handlers Handlers
	env      *Env
	addr     string
}

// NewTestServer builds a local server around a default-mode handler
// registration. Proxy mode has no test server; point clients at the
// local server directly instead.
func NewTestServer(l logger.Logger, handlers Handlers, env *Env, port int) (*TestServer, error) {
	if err := validateHandlers(ModeDefault, handlers); err != nil {
		return nil, err
	}
	return &TestServer{
		logger:   l,
		handlers: handlers,
		env:      env,
		addr:     fmt.Sprintf(":%d", port),
	}, nil
}

func (s *TestServer) router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/", s.handleInvoke)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// Run serves until ctx is cancelled.
func (s *TestServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("test server listening on %s", s.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *TestServer) handleInvoke(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.logger.Error("failed to parse input by using json, err: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	value, err := invoke(r.Context(), s.handlers, s.env, &req)
	if err != nil {
		s.logger.Error("custom handler raise exception during running, err: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// A []byte result is the caller's own encoding; anything else goes
	// out as JSON.
	if b, ok := value.([]byte); ok {
		w.Write(b)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		s.logger.Error("failed to encode handler result: %v", err)
	}
}

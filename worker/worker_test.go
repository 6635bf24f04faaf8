package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/datastone-sprite/sprite-worker/api"
	"github.com/datastone-sprite/sprite-worker/logger"
)

func startWorker(t *testing.T, w *Worker) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()
	return cancel, errCh
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for Run to return")
		return nil
	}
}

// blockingHandlers returns handlers whose Handler reports its request id on
// started, then blocks until it can receive from release.
func blockingHandlers(modifier ConcurrencyModifier) (Handlers, chan string, chan struct{}) {
	started := make(chan string, 8)
	release := make(chan struct{})
	h := Handlers{
		ConcurrencyModifier: modifier,
		Handler: func(ctx context.Context, req *Request, env *Env) (any, error) {
			id, _ := req.Meta["requestID"].(string)
			started <- id
			<-release
			return "done", nil
		},
	}
	return h, started, release
}

func TestWorkerRunExecutesTask(t *testing.T) {
	fa := newFakeAgent(t)
	fa.addTask(taskHeaders("req-1", api.OperationSync, "", time.Now().UnixMilli(), 0), []byte(`{"input":{}}`))

	w := newTestWorker(t, fa, Handlers{Handler: echoHandler})
	cancel, errCh := startWorker(t, w)

	if got, want := fa.waitForAck(t), "req-1"; got != want {
		t.Errorf("acked %q, want %q", got, want)
	}
	cancel()
	if err := waitErr(t, errCh); err != nil {
		t.Errorf("Run() error = %v, want nil on cancel", err)
	}

	statuses := fa.statusesFor("req-1")
	if len(statuses) != 2 || statuses[1].Status != api.StatusSucceed {
		t.Errorf("statuses = %+v, want executing then succeed", statuses)
	}
}

func TestWorkerExitsWhenUnhealthyAndIdle(t *testing.T) {
	fa := newFakeAgent(t)
	fa.setHealth("false")

	w := newTestWorker(t, fa, Handlers{Handler: echoHandler})
	_, errCh := startWorker(t, w)

	if err := waitErr(t, errCh); !errors.Is(err, ErrAgentUnhealthy) {
		t.Errorf("Run() error = %v, want ErrAgentUnhealthy", err)
	}
}

func TestWorkerDropsFetchedTaskWhenUnhealthyAndIdle(t *testing.T) {
	fa := newFakeAgent(t)
	fa.setHealth("false")
	fa.addTask(taskHeaders("req-1", api.OperationSync, "", time.Now().UnixMilli(), 0), []byte(`{"input":{}}`))

	w := newTestWorker(t, fa, Handlers{Handler: echoHandler})
	_, errCh := startWorker(t, w)

	if err := waitErr(t, errCh); !errors.Is(err, ErrAgentUnhealthy) {
		t.Fatalf("Run() error = %v, want ErrAgentUnhealthy", err)
	}

	// The task was fetched but never admitted; it dies with the worker and
	// the agent is left to redeliver it elsewhere.
	if got := fa.eventLog(); !slices.Contains(got, "next:req-1") {
		t.Errorf("event log = %v, want the task fetched", got)
	}
	if got := fa.ackedIDs(); len(got) != 0 {
		t.Errorf("acked %v, want none", got)
	}
	if got := fa.statusesFor("req-1"); len(got) != 0 {
		t.Errorf("statuses = %+v, want none", got)
	}
}

func TestWorkerFinishesInflightBeforeUnhealthyExit(t *testing.T) {
	fa := newFakeAgent(t)
	h, started, release := blockingHandlers(func(previous int) int { return 2 })

	fa.addTask(taskHeaders("req-a", api.OperationSync, "", time.Now().UnixMilli(), 0), []byte(`{"input":{}}`))
	w := newTestWorker(t, fa, h)
	_, errCh := startWorker(t, w)

	if got, want := <-started, "req-a"; got != want {
		t.Fatalf("started %q, want %q", got, want)
	}

	// Turn the agent unhealthy while req-a is still running. The loop must
	// keep polling and even pick up more work.
	fa.setHealth("false")
	fa.addTask(taskHeaders("req-b", api.OperationSync, "", time.Now().UnixMilli(), 0), []byte(`{"input":{}}`))

	if got, want := <-started, "req-b"; got != want {
		t.Fatalf("started %q, want %q", got, want)
	}

	close(release)
	fa.waitForAck(t)
	fa.waitForAck(t)

	if err := waitErr(t, errCh); !errors.Is(err, ErrAgentUnhealthy) {
		t.Errorf("Run() error = %v, want ErrAgentUnhealthy", err)
	}
}

func TestWorkerSerializesAtDefaultCap(t *testing.T) {
	fa := newFakeAgent(t)
	h, started, release := blockingHandlers(nil)

	fa.addTask(taskHeaders("req-a", api.OperationSync, "", time.Now().UnixMilli(), 0), []byte(`{"input":{}}`))
	fa.addTask(taskHeaders("req-b", api.OperationSync, "", time.Now().UnixMilli(), 0), []byte(`{"input":{}}`))

	w := newTestWorker(t, fa, h)
	cancel, errCh := startWorker(t, w)

	if got, want := <-started, "req-a"; got != want {
		t.Fatalf("started %q, want %q", got, want)
	}
	release <- struct{}{}
	fa.waitForAck(t)

	if got, want := <-started, "req-b"; got != want {
		t.Fatalf("started %q, want %q", got, want)
	}
	release <- struct{}{}
	fa.waitForAck(t)

	cancel()
	if err := waitErr(t, errCh); err != nil {
		t.Errorf("Run() error = %v, want nil on cancel", err)
	}

	want := []string{"next:req-a", "ack:req-a", "next:req-b", "ack:req-b"}
	if got := fa.eventLog(); !slices.Equal(got, want) {
		t.Errorf("event log = %v, want %v", got, want)
	}
}

func TestWorkerRunsConcurrentlyAtHigherCap(t *testing.T) {
	fa := newFakeAgent(t)
	h, started, release := blockingHandlers(func(previous int) int { return 2 })

	fa.addTask(taskHeaders("req-a", api.OperationSync, "", time.Now().UnixMilli(), 0), []byte(`{"input":{}}`))
	fa.addTask(taskHeaders("req-b", api.OperationSync, "", time.Now().UnixMilli(), 0), []byte(`{"input":{}}`))

	w := newTestWorker(t, fa, h)
	cancel, errCh := startWorker(t, w)

	// Both tasks must be admitted before either completes.
	got := []string{<-started, <-started}
	slices.Sort(got)
	if want := []string{"req-a", "req-b"}; !slices.Equal(got, want) {
		t.Fatalf("started %v, want %v", got, want)
	}

	close(release)
	fa.waitForAck(t)
	fa.waitForAck(t)

	cancel()
	if err := waitErr(t, errCh); err != nil {
		t.Errorf("Run() error = %v, want nil on cancel", err)
	}
}

func TestWorkerSkipsTaskWithoutRequestID(t *testing.T) {
	fa := newFakeAgent(t)
	fa.addTask(map[string]string{"Ease-Mode": api.OperationSync}, []byte(`{"input":{}}`))
	fa.addTask(taskHeaders("req-ok", api.OperationSync, "", time.Now().UnixMilli(), 0), []byte(`{"input":{}}`))

	w := newTestWorker(t, fa, Handlers{Handler: echoHandler})
	cancel, errCh := startWorker(t, w)

	if got, want := fa.waitForAck(t), "req-ok"; got != want {
		t.Errorf("acked %q, want %q", got, want)
	}
	cancel()
	if err := waitErr(t, errCh); err != nil {
		t.Errorf("Run() error = %v, want nil on cancel", err)
	}

	if got, want := fa.ackedIDs(), []string{"req-ok"}; !slices.Equal(got, want) {
		t.Errorf("acked %v, want %v", got, want)
	}
}

func TestWorkerKeepsPollingAfterAgentErrors(t *testing.T) {
	polls := make(chan struct{}, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/apis/v1/request" {
			select {
			case polls <- struct{}{}:
			default:
			}
		}
		http.Error(rw, "agent exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := newTestWorkerAt(t, srv.URL, Handlers{Handler: echoHandler})
	cancel, errCh := startWorker(t, w)

	for i := 0; i < 3; i++ {
		select {
		case <-polls:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for a poll")
		}
	}

	cancel()
	if err := waitErr(t, errCh); err != nil {
		t.Errorf("Run() error = %v, want nil on cancel", err)
	}
}

func TestNewRejectsInvalidHandlers(t *testing.T) {
	_, err := New(logger.Discard, Settings{}, Handlers{}, &Env{}, nil)
	if err == nil || !strings.Contains(err.Error(), "handler is required in default mode") {
		t.Errorf("New() error = %v, want a handler registration error", err)
	}
}

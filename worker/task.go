package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/buildkite/roko"

	"github.com/datastone-sprite/sprite-worker/api"
	"github.com/datastone-sprite/sprite-worker/internal/agenthttp"
	"github.com/datastone-sprite/sprite-worker/logger"
	"github.com/datastone-sprite/sprite-worker/version"
)

func currentUnixMilli() int64 {
	return time.Now().UnixMilli()
}

func newStatus(header api.MsgHeader, ts int64, webhook string, status api.Status, queueDur, execDur, totalDur int64, msg string) *api.RequestStatus {
	return &api.RequestStatus{
		Timestamp:         ts,
		RequestID:         header.RequestID,
		Webhook:           webhook,
		Status:            status,
		Operation:         header.Mode,
		EnqueueTimestamp:  header.EnqueueAt,
		QueueingDuration:  queueDur,
		ExecutionDuration: execDur,
		TotalDuration:     totalDur,
		RequestCreateAt:   header.CreateAt,
		Message:           msg,
	}
}

func errorBody(message string) []byte {
	b, _ := json.Marshal(map[string]string{"error": message})
	return b
}

// runTask drives one task to completion. Whatever happens inside, the
// task is acked after its terminal status and removed from the in-flight
// set, so the agent never redelivers and the admission slot frees up.
func (w *Worker) runTask(ctx context.Context, wg *sync.WaitGroup, task *api.Task) {
	defer wg.Done()

	requestID := task.Header.RequestID
	l := w.logger.WithFields(logger.StringField("requestID", requestID))

	defer func() {
		if err := w.apiClient.Ack(ctx, requestID); err != nil {
			l.Error("failed to ack request, err: %v", err)
		}
		w.limiter.Remove(requestID)
	}()
	defer func() {
		if r := recover(); r != nil {
			l.WithStack().Error("failed to handle request, err: %v", r)
		}
	}()

	if err := w.handleTask(ctx, l, task); err != nil {
		l.WithStack().Error("failed to handle request, err: %v", err)
		return
	}
	l.Info("finish handle request")
}

// handleTask walks the lifecycle: parse, TTL check, executing status,
// execute, deliver, terminal status. Expected failures are reported and
// settle the task; the returned error is reserved for the unexpected.
func (w *Worker) handleTask(ctx context.Context, l logger.Logger, task *api.Task) error {
	header := task.Header
	l.Info("handle request")

	tasksStarted.Inc()
	w.stats.Count("tasks.started", 1)

	// A clock behind the agent's would otherwise produce negative
	// queueing durations.
	execStartTs := max(currentUnixMilli(), header.EnqueueAt)
	queueDur := execStartTs - header.EnqueueAt

	isProxy := w.mode == ModeProxy

	var (
		req      *Request
		proxyReq *ProxyRequest
		webhook  string
		err      error
	)
	if isProxy {
		proxyReq, err = parseProxyRequest(task.Data)
	} else {
		req, webhook, err = parseRequest(l, header, task.Data)
	}
	if err != nil {
		errorMsg := fmt.Sprintf("failed to parse input by using json, err: %v", err)
		l.Error("%s, data: %s", errorMsg, task.Data)
		w.reportStatus(ctx, l, newStatus(header, currentUnixMilli(), "", api.StatusFailed, queueDur, 0, 0, errorMsg))
		w.observe(api.StatusFailed, 0)
		return nil
	}

	if queueDur > header.TTL {
		errorMsg := fmt.Sprintf("request enqueue time exceed ttl %d milliseconds, drop it to reduce worker running time", header.TTL)
		l.Error("%s", errorMsg)
		w.reportStatus(ctx, l, newStatus(header, currentUnixMilli(), "", api.StatusFailed, queueDur, 0, 0, errorMsg))
		w.sendRequest(ctx, l, header, webhook, http.StatusRequestTimeout, errorMsg, errorBody(errorMsg))
		w.observe(api.StatusFailed, 0)
		return nil
	}

	w.reportStatus(ctx, l, newStatus(header, execStartTs, "", api.StatusExecuting, queueDur, 0, 0, "start executing"))

	var result []byte
	if isProxy {
		err = w.proxy.handle(ctx, header.RequestID, proxyReq)
	} else {
		result, err = w.handler(ctx, req)
	}
	if err != nil {
		errorMsg := fmt.Sprintf("custom handler raise exception during running, err: %v", err)
		l.WithStack().Error("%s", errorMsg)
		w.reportStatus(ctx, l, newStatus(header, currentUnixMilli(), webhook, api.StatusFailed, queueDur, 0, 0, errorMsg))
		w.sendRequest(ctx, l, header, webhook, http.StatusInternalServerError, errorMsg, errorBody(errorMsg))
		w.observe(api.StatusFailed, 0)
		return nil
	}

	execFinishTs := currentUnixMilli()
	execDur := execFinishTs - execStartTs
	totalDur := execFinishTs - header.EnqueueAt

	if !isProxy {
		if err := w.sendRequest(ctx, l, header, webhook, http.StatusOK, "", result); err != nil {
			errorMsg := fmt.Sprintf("failed to send result to user, err: %v", err)
			l.Error("%s", errorMsg)
			w.reportStatus(ctx, l, newStatus(header, currentUnixMilli(), webhook, api.StatusFailed, queueDur, execDur, totalDur, errorMsg))
			w.observe(api.StatusFailed, execDur)
			return nil
		}
	}

	w.reportStatus(ctx, l, newStatus(header, currentUnixMilli(), webhook, api.StatusSucceed, queueDur, execDur, totalDur, "succeed"))
	w.observe(api.StatusSucceed, execDur)
	return nil
}

// reportStatus records a lifecycle status with the agent. Failures are
// logged, never raised: a lost status must not fail the task itself.
func (w *Worker) reportStatus(ctx context.Context, l logger.Logger, status *api.RequestStatus) {
	if err := w.apiClient.ReportStatus(ctx, status.RequestID, status); err != nil {
		l.Error("failed to report status, err: %v", err)
	}
}

func (w *Worker) observe(status api.Status, execDur int64) {
	d := time.Duration(execDur) * time.Millisecond
	switch status {
	case api.StatusSucceed:
		tasksSucceeded.Inc()
		taskDurations.Observe(d.Seconds())
		w.stats.Count("tasks.succeeded", 1)
		w.stats.Timing("tasks.duration", d)
	case api.StatusFailed:
		tasksFailed.Inc()
		w.stats.Count("tasks.failed", 1)
	}
}

// sendRequest delivers a result to the user's webhook (when one is set)
// and then records it with the agent regardless. A webhook failure does
// not stop agent delivery; the combined error is returned.
func (w *Worker) sendRequest(ctx context.Context, l logger.Logger, header api.MsgHeader, webhook string, statusCode int, message string, data []byte) error {
	var firstErr error

	if webhook != "" {
		if err := w.postWebhook(ctx, l, header.RequestID, webhook, statusCode, data); err != nil {
			firstErr = err
		}
	}

	if data == nil {
		data = []byte{}
	}
	if err := w.apiClient.SendResult(ctx, header.RequestID, &api.Result{
		StatusCode: statusCode,
		Message:    message,
		Data:       data,
	}); err != nil {
		if firstErr != nil {
			firstErr = fmt.Errorf("%v, failed to send result to agent: %v", firstErr, err)
		} else {
			firstErr = fmt.Errorf("failed to send result to agent: %v", err)
		}
	}

	return firstErr
}

func webhookURL(webhook, requestID string, statusCode int) (string, error) {
	u, err := url.Parse(webhook)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("requestID", requestID)
	q.Set("statusCode", strconv.Itoa(statusCode))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// postWebhook delivers result data to the user's webhook. Transport
// failures retry with exponential backoff; a reply other than 200 is the
// caller's bug and fails immediately.
func (w *Worker) postWebhook(ctx context.Context, l logger.Logger, requestID, webhook string, statusCode int, data []byte) error {
	u, err := webhookURL(webhook, requestID, statusCode)
	if err != nil {
		return err
	}

	return roko.NewRetrier(
		roko.WithMaxAttempts(3),
		roko.WithStrategy(roko.Exponential(2*time.Second, 0)),
		roko.WithSleepFunc(w.retrySleepFunc),
	).DoWithContext(ctx, func(r *roko.Retrier) error {
		req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(data))
		if err != nil {
			r.Break()
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", version.UserAgent())

		resp, err := agenthttp.Do(l, w.webhookClient, req, agenthttp.WithDebugHTTP(w.settings.DebugHTTP))
		if err != nil {
			if !api.IsRetryableError(err) {
				r.Break()
			}
			l.Warn("%s (%s)", err, r)
			return err
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			r.Break()
			return fmt.Errorf("request %s failed %d: %s", requestID, resp.StatusCode, body)
		}
		return nil
	})
}

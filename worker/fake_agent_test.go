package worker

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/datastone-sprite/sprite-worker/api"
)

// fakeAgent implements the sidecar endpoints for tests: it hands out
// queued tasks and records everything the worker sends back.
type fakeAgent struct {
	*httptest.Server

	mu         sync.Mutex
	tasks      []api.TaskEnvelope
	health     string // X-Agent-Health value; empty means header unset
	failResult bool   // request-result replies 500
	statuses   map[string][]api.RequestStatus
	results    map[string][]api.Result
	proxied    map[string][]proxyRecord
	acks       []string
	heartbeats [][]string
	events     []string // ordered log of next/ack calls

	ackCh chan string
	hbCh  chan []string
}

type proxyRecord struct {
	StatusCode string
	Header     http.Header
	Body       []byte
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	fa := &fakeAgent{
		statuses: make(map[string][]api.RequestStatus),
		results:  make(map[string][]api.Result),
		proxied:  make(map[string][]proxyRecord),
		ackCh:    make(chan string, 16),
		hbCh:     make(chan []string, 16),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /apis/v1/request", fa.handleNextTask)
	mux.HandleFunc("POST /apis/v1/request-ack/{id}", fa.handleAck)
	mux.HandleFunc("POST /apis/v1/request-metric/{id}", fa.handleStatus)
	mux.HandleFunc("POST /apis/v1/request-result/{id}", fa.handleResult)
	mux.HandleFunc("POST /apis/v1/request-proxy/{id}", fa.handleProxy)
	mux.HandleFunc("POST /apis/v1/heartbeat", fa.handleHeartbeat)
	fa.Server = httptest.NewServer(mux)
	t.Cleanup(fa.Close)
	return fa
}

// addTask queues a task fetch response. Headers not present in the map
// are simply absent, as with a real agent.
func (fa *fakeAgent) addTask(headers map[string]string, body []byte) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.tasks = append(fa.tasks, api.TaskEnvelope{
		Headers: headers,
		Body:    base64.StdEncoding.EncodeToString(body),
	})
}

func (fa *fakeAgent) setHealth(v string) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.health = v
}

func (fa *fakeAgent) handleNextTask(rw http.ResponseWriter, req *http.Request) {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	if fa.health != "" {
		rw.Header().Set(api.HealthHeader, fa.health)
	}
	if len(fa.tasks) == 0 {
		http.Error(rw, "no task", http.StatusNotFound)
		return
	}
	envelope := fa.tasks[0]
	fa.tasks = fa.tasks[1:]
	fa.events = append(fa.events, "next:"+envelope.Headers["Ease-Request-Id"])
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(envelope)
}

func (fa *fakeAgent) handleAck(rw http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	fa.mu.Lock()
	fa.acks = append(fa.acks, id)
	fa.events = append(fa.events, "ack:"+id)
	fa.mu.Unlock()

	select {
	case fa.ackCh <- id:
	default:
	}
}

func (fa *fakeAgent) handleStatus(rw http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	var status api.RequestStatus
	if err := json.NewDecoder(req.Body).Decode(&status); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	fa.mu.Lock()
	fa.statuses[id] = append(fa.statuses[id], status)
	fa.mu.Unlock()
}

func (fa *fakeAgent) handleResult(rw http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	fa.mu.Lock()
	fail := fa.failResult
	fa.mu.Unlock()
	if fail {
		http.Error(rw, "agent storage down", http.StatusInternalServerError)
		return
	}

	var result api.Result
	if err := json.NewDecoder(req.Body).Decode(&result); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	fa.mu.Lock()
	fa.results[id] = append(fa.results[id], result)
	fa.mu.Unlock()
}

func (fa *fakeAgent) handleProxy(rw http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	body, _ := io.ReadAll(req.Body)
	fa.mu.Lock()
	fa.proxied[id] = append(fa.proxied[id], proxyRecord{
		StatusCode: req.URL.Query().Get("statusCode"),
		Header:     req.Header.Clone(),
		Body:       body,
	})
	fa.mu.Unlock()
}

func (fa *fakeAgent) handleHeartbeat(rw http.ResponseWriter, req *http.Request) {
	var hb api.Heartbeat
	if err := json.NewDecoder(req.Body).Decode(&hb); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	fa.mu.Lock()
	fa.heartbeats = append(fa.heartbeats, hb.RequestIDs)
	fa.mu.Unlock()

	select {
	case fa.hbCh <- hb.RequestIDs:
	default:
	}
}

func (fa *fakeAgent) setFailResult(v bool) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.failResult = v
}

func (fa *fakeAgent) statusesFor(id string) []api.RequestStatus {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return append([]api.RequestStatus(nil), fa.statuses[id]...)
}

func (fa *fakeAgent) resultsFor(id string) []api.Result {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return append([]api.Result(nil), fa.results[id]...)
}

func (fa *fakeAgent) proxiedFor(id string) []proxyRecord {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return append([]proxyRecord(nil), fa.proxied[id]...)
}

func (fa *fakeAgent) ackedIDs() []string {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return append([]string(nil), fa.acks...)
}

func (fa *fakeAgent) eventLog() []string {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return append([]string(nil), fa.events...)
}

// waitForAck blocks until the agent receives an ack, or fails the test.
func (fa *fakeAgent) waitForAck(t *testing.T) string {
	t.Helper()
	select {
	case id := <-fa.ackCh:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an ack")
		return ""
	}
}

// waitForHeartbeat blocks until the agent receives a heartbeat, or fails
// the test.
func (fa *fakeAgent) waitForHeartbeat(t *testing.T) []string {
	t.Helper()
	select {
	case ids := <-fa.hbCh:
		return ids
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a heartbeat")
		return nil
	}
}

// taskHeaders builds the header map for a queued task.
func taskHeaders(id, mode, webhook string, enqueueAt int64, ttl int64) map[string]string {
	h := map[string]string{
		"Ease-Request-Id": id,
		"Ease-Mode":       mode,
		"Ease-Enqueue-At": fmt.Sprintf("%d", enqueueAt),
		"Ease-Create-At":  fmt.Sprintf("%d", enqueueAt-1000),
	}
	if webhook != "" {
		h["Ease-Webhook"] = webhook
	}
	if ttl > 0 {
		h["Ease-Time-To-Live"] = fmt.Sprintf("%d", ttl)
	}
	return h
}

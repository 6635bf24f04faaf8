package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/datastone-sprite/sprite-worker/api"
	"github.com/datastone-sprite/sprite-worker/internal/agenthttp"
	"github.com/datastone-sprite/sprite-worker/logger"
)

// CheckStart reports whether the local server behind the proxy is ready to
// receive traffic.
type CheckStart func(ctx context.Context) bool

// ProxyRequest is the decoded proxy-mode task body. The body arrives
// base64 encoded on the wire and is decoded by the JSON unmarshal.
type ProxyRequest struct {
	Method string              `json:"method"`
	URI    string              `json:"uri"`
	Header map[string][]string `json:"header"`
	Body   []byte              `json:"body,omitempty"`
}

// parseProxyRequest decodes a proxy task body. method and uri are
// required; header defaults to empty.
func parseProxyRequest(data []byte) (*ProxyRequest, error) {
	var req ProxyRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if req.Method == "" {
		return nil, errors.New(`missing field "method"`)
	}
	if req.URI == "" {
		return nil, errors.New(`missing field "uri"`)
	}
	if req.Header == nil {
		req.Header = map[string][]string{}
	}
	return &req, nil
}

func validBaseURL(baseURL string) bool {
	u, err := url.Parse(baseURL)
	return err == nil && u.Scheme != "" && u.Host != ""
}

func joinProxyURL(base, uri string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(uri, "/")
}

// proxyAdapter forwards decoded tasks to the user's local server and
// streams the responses back through the agent.
type proxyAdapter struct {
	logger     logger.Logger
	apiClient  *api.Client
	baseURL    string
	checkStart CheckStart
	client     *http.Client
	debugHTTP  bool

	// readyInterval is the delay between checkStart probes. Tests shorten
	// it.
	readyInterval time.Duration
}

func newProxyAdapter(l logger.Logger, apiClient *api.Client, baseURL string, checkStart CheckStart, debugHTTP bool) *proxyAdapter {
	return &proxyAdapter{
		logger:        l,
		apiClient:     apiClient,
		baseURL:       baseURL,
		checkStart:    checkStart,
		client:        agenthttp.NewClient(agenthttp.WithNoTimeout),
		debugHTTP:     debugHTTP,
		readyInterval: readyPollInterval,
	}
}

// waitReady polls checkStart until it reports ready. A panicking
// checkStart counts as not ready.
func (p *proxyAdapter) waitReady(ctx context.Context) error {
	for {
		if p.ready(ctx) {
			p.logger.Info("local server is ready, start polling")
			return nil
		}
		p.logger.Info("check_start return false, local server is not ready")

		timer := time.NewTimer(p.readyInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (p *proxyAdapter) ready(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("check_start panicked: %v", r)
			ok = false
		}
	}()
	return p.checkStart(ctx)
}

// handle forwards one task to the local server and streams the response
// into the agent. Upstream failure, agent transport failure, or an agent
// non-200 all fail the task. When the upstream never responds, a 500
// error reply is posted so the waiting caller isn't left hanging.
func (p *proxyAdapter) handle(ctx context.Context, requestID string, preq *ProxyRequest) error {
	var body io.Reader
	if preq.Body != nil {
		body = bytes.NewReader(preq.Body)
	}
	req, err := http.NewRequestWithContext(ctx, preq.Method, joinProxyURL(p.baseURL, preq.URI), body)
	if err != nil {
		return err
	}
	for key, values := range preq.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := agenthttp.Do(p.logger, p.client, req, agenthttp.WithDebugHTTP(p.debugHTTP))
	if err != nil {
		data, _ := json.Marshal(map[string]string{"error": err.Error()})
		if perr := p.apiClient.SendProxyResult(ctx, requestID, http.StatusInternalServerError, data); perr != nil {
			p.logger.Error("failed to send proxy result, err: %v", perr)
		}
		return err
	}
	defer resp.Body.Close()

	code, err := p.apiClient.SendProxy(ctx, requestID, resp)
	if err != nil {
		return fmt.Errorf("failed to send to proxy for request_id: %s, err: %v", requestID, err)
	}
	if code != http.StatusOK {
		return fmt.Errorf("failed to send to proxy for request_id: %s, status code: %d", requestID, code)
	}
	return nil
}

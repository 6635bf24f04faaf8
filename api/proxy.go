package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/datastone-sprite/sprite-worker/internal/agenthttp"
)

// Hop-by-hop headers are stripped before an upstream response is forwarded
// to the agent.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type proxyQuery struct {
	StatusCode int `url:"statusCode"`
}

// SendProxy forwards an upstream HTTP response to the agent's proxy
// endpoint. Hop-by-hop headers are stripped. A response with a known
// length is forwarded in a single read; anything else streams chunk by
// chunk so memory stays bounded regardless of body size. Returns the
// agent's status code.
func (c *Client) SendProxy(ctx context.Context, requestID string, upstream *http.Response) (int, error) {
	u, err := addOptions(
		joinURLPath(c.conf.Endpoint, fmt.Sprintf("apis/v1/request-proxy/%s", requestID)),
		proxyQuery{StatusCode: upstream.StatusCode},
	)
	if err != nil {
		return 0, err
	}

	headers := upstream.Header.Clone()
	for _, h := range hopByHopHeaders {
		headers.Del(h)
	}

	var body io.Reader = upstream.Body
	contentLength := int64(-1)
	if upstream.ContentLength >= 0 {
		buf, err := io.ReadAll(upstream.Body)
		if err != nil {
			return 0, fmt.Errorf("reading upstream body: %w", err)
		}
		body = bytes.NewReader(buf)
		contentLength = int64(len(buf))
	}

	req, err := http.NewRequestWithContext(ctx, "POST", u, body)
	if err != nil {
		return 0, err
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("User-Agent", c.conf.UserAgent)
	if contentLength >= 0 {
		req.ContentLength = contentLength
	}

	resp, err := agenthttp.Do(c.logger, c.client, req,
		agenthttp.WithDebugHTTP(c.conf.DebugHTTP),
	)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

// SendProxyResult posts a buffered body to the agent's proxy endpoint. The
// worker uses it when the upstream request produced no response to stream,
// so the caller waiting on the proxied request still receives a reply.
func (c *Client) SendProxyResult(ctx context.Context, requestID string, statusCode int, data []byte) error {
	u, err := addOptions(
		joinURLPath(c.conf.Endpoint, fmt.Sprintf("apis/v1/request-proxy/%s", requestID)),
		proxyQuery{StatusCode: statusCode},
	)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.conf.UserAgent)

	_, err = c.doRequest(req, nil)
	return err
}

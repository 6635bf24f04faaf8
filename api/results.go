package api

import (
	"context"
	"fmt"
)

// ReportStatus posts a lifecycle status record for a request. Best-effort
// from the worker's point of view; callers log failures rather than abort.
func (c *Client) ReportStatus(ctx context.Context, requestID string, status *RequestStatus) error {
	u := fmt.Sprintf("apis/v1/request-metric/%s", requestID)

	req, err := c.newRequest(ctx, "POST", u, status)
	if err != nil {
		return err
	}

	_, err = c.doRequest(req, nil)
	return err
}

// SendResult posts the terminal result payload for a request.
func (c *Client) SendResult(ctx context.Context, requestID string, result *Result) error {
	u := fmt.Sprintf("apis/v1/request-result/%s", requestID)

	req, err := c.newRequest(ctx, "POST", u, result)
	if err != nil {
		return err
	}

	_, err = c.doRequest(req, nil)
	return err
}

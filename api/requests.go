package api

import (
	"context"
	"fmt"
	"net/http"
)

// HealthHeader is set by the agent on task fetch responses. Any value other
// than "false" counts as healthy, as does its absence.
const HealthHeader = "X-Agent-Health"

// NextTask fetches the next queued task. A nil task with a nil error means
// the agent had nothing ready (404). health reports the agent's own health
// claim and is meaningful even when no task is returned.
func (c *Client) NextTask(ctx context.Context) (*Task, bool, error) {
	req, err := c.newRequest(ctx, "GET", "apis/v1/request", nil)
	if err != nil {
		return nil, true, err
	}

	var envelope TaskEnvelope
	resp, err := c.doRequest(req, &envelope)

	health := true
	if resp != nil {
		health = resp.Header.Get(HealthHeader) != "false"
	}

	if err != nil {
		if IsErrHavingStatus(err, http.StatusNotFound) {
			return nil, health, nil
		}
		return nil, health, err
	}

	task, err := ParseTask(&envelope)
	if err != nil {
		return nil, health, err
	}
	return task, health, nil
}

// Ack tells the agent the worker is finished with a request. The agent
// deletes its state on ack, so the terminal status must be reported before
// calling this.
func (c *Client) Ack(ctx context.Context, requestID string) error {
	u := fmt.Sprintf("apis/v1/request-ack/%s", requestID)

	req, err := c.newRequest(ctx, "POST", u, nil)
	if err != nil {
		return err
	}

	_, err = c.doRequest(req, nil)
	return err
}

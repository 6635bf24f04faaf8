package api

import "context"

// Heartbeat is the payload POSTed to the agent's heartbeat endpoint.
type Heartbeat struct {
	RequestIDs []string `json:"requestIDs"`
}

// SendHeartbeat reports the request ids currently in flight. The agent
// expects a JSON array even when nothing is running.
func (c *Client) SendHeartbeat(ctx context.Context, requestIDs []string) (*Response, error) {
	if requestIDs == nil {
		requestIDs = []string{}
	}

	req, err := c.newRequest(ctx, "POST", "apis/v1/heartbeat", &Heartbeat{RequestIDs: requestIDs})
	if err != nil {
		return nil, err
	}

	return c.doRequest(req, nil)
}

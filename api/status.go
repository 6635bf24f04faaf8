package api

// Status is a task lifecycle state reported to the agent.
type Status string

const (
	StatusExecuting Status = "executing"
	StatusSucceed   Status = "succeed"
	StatusFailed    Status = "failed"
)

// RequestStatus is the record POSTed to the agent's metric endpoint. Field
// order is the wire order. All timestamps and durations are milliseconds.
type RequestStatus struct {
	Timestamp         int64  `json:"timestamp"`
	RequestID         string `json:"requestID"`
	Webhook           string `json:"webhook"`
	Status            Status `json:"status"`
	Operation         string `json:"operation"`
	EnqueueTimestamp  int64  `json:"enqueueTimestamp"`
	QueueingDuration  int64  `json:"queueingDuration"`
	ExecutionDuration int64  `json:"executionDuration"`
	TotalDuration     int64  `json:"totalDuration"`
	RequestCreateAt   int64  `json:"requestCreateAt"`
	Message           string `json:"message"`
}

// Result is the terminal payload POSTed to the agent's result endpoint.
// Data travels base64-encoded; keep it non-nil so the wire value is a
// string rather than null.
type Result struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Data       []byte `json:"data"`
}

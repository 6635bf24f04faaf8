package api

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Header names the agent attaches to a task fetch response.
const (
	HeaderMode          = "Ease-Mode"
	HeaderWebhook       = "Ease-Webhook"
	HeaderRequestID     = "Ease-Request-Id"
	HeaderEnqueueAt     = "Ease-Enqueue-At"
	HeaderCreateAt      = "Ease-Create-At"
	HeaderStatusSubject = "Ease-Status-Subject"
	HeaderTimeToLive    = "Ease-Time-To-Live"
)

// Operation values carried in the Ease-Mode header.
const (
	OperationAsync = "async"
	OperationSync  = "sync"
)

// DefaultTTL applies when a task arrives without a time-to-live header.
const DefaultTTL = 600_000 // milliseconds

// MsgHeader is the task metadata decoded from the agent's response headers.
type MsgHeader struct {
	Mode          string
	Webhook       string
	RequestID     string
	StatusSubject string

	EnqueueAt int64 // unix milliseconds
	CreateAt  int64 // unix milliseconds
	TTL       int64 // milliseconds
}

// TaskEnvelope is the JSON body of a task fetch response. Body carries the
// payload base64-encoded.
type TaskEnvelope struct {
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// Task pairs the parsed metadata with the decoded payload.
type Task struct {
	Header MsgHeader
	Data   []byte
}

// ParseMsgHeader decodes a MsgHeader from a header map. Values may be
// comma-joined; only the first element counts. Missing numeric headers
// default to 0, except the TTL which defaults to DefaultTTL.
func ParseMsgHeader(headers map[string]string) (MsgHeader, error) {
	get := func(key, def string) string {
		v, ok := headers[key]
		if !ok {
			v = def
		}
		return strings.SplitN(v, ",", 2)[0]
	}
	getInt := func(key, def string) (int64, error) {
		n, err := strconv.ParseInt(get(key, def), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing header %s: %w", key, err)
		}
		return n, nil
	}

	h := MsgHeader{
		Mode:          get(HeaderMode, ""),
		Webhook:       get(HeaderWebhook, ""),
		RequestID:     get(HeaderRequestID, ""),
		StatusSubject: get(HeaderStatusSubject, ""),
	}

	var err error
	if h.EnqueueAt, err = getInt(HeaderEnqueueAt, "0"); err != nil {
		return MsgHeader{}, err
	}
	if h.CreateAt, err = getInt(HeaderCreateAt, "0"); err != nil {
		return MsgHeader{}, err
	}
	if h.TTL, err = getInt(HeaderTimeToLive, "600000"); err != nil {
		return MsgHeader{}, err
	}
	return h, nil
}

// ParseTask decodes a task from its envelope. Invalid base64 in the body is
// a parse failure.
func ParseTask(envelope *TaskEnvelope) (*Task, error) {
	header, err := ParseMsgHeader(envelope.Headers)
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(envelope.Body)
	if err != nil {
		return nil, fmt.Errorf("decoding task body: %w", err)
	}
	return &Task{Header: header, Data: data}, nil
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/datastone-sprite/sprite-worker/api"
	"github.com/datastone-sprite/sprite-worker/logger"
)

// Request is the decoded handler-mode task body.
type Request struct {
	// Input is the user payload, left raw for the handler to decode.
	Input json.RawMessage `json:"input"`

	// Webhook overrides the delivery URL on async tasks.
	Webhook *string `json:"webhook,omitempty"`

	// Meta carries request metadata. The worker fills in requestID when
	// the caller didn't send any meta at all.
	Meta map[string]any `json:"meta,omitempty"`
}

// Handler runs one task and returns its result value. A []byte result is
// delivered as-is; any other value is JSON-encoded first.
type Handler func(ctx context.Context, req *Request, env *Env) (any, error)

// StreamHandler runs one task, yielding values that are drained in order
// into a single list result. Yielding an error fails the task.
type StreamHandler func(ctx context.Context, req *Request, env *Env) iter.Seq2[any, error]

// Mode selects how the worker executes tasks.
type Mode string

const (
	// ModeDefault runs tasks through a registered handler.
	ModeDefault Mode = "default"

	// ModeProxy forwards tasks as HTTP requests to a local server.
	ModeProxy Mode = "proxy"
)

// Handlers is the user-facing registration for a worker.
type Handlers struct {
	// Handler runs tasks in the default mode. Exactly one of Handler and
	// StreamHandler must be set.
	Handler Handler

	// StreamHandler runs tasks in the default mode, yielding a sequence of
	// values collected into a list.
	StreamHandler StreamHandler

	// ConcurrencyModifier adjusts the admission cap between polls.
	// Optional.
	ConcurrencyModifier ConcurrencyModifier

	// Mode selects ModeDefault or ModeProxy. Anything other than
	// ModeProxy means ModeDefault.
	Mode Mode

	// BaseURL locates the local server in proxy mode. Scheme and host are
	// required.
	BaseURL string

	// CheckStart gates polling in proxy mode until the local server is
	// ready. Required in proxy mode.
	CheckStart CheckStart
}

func (h Handlers) mode() Mode {
	if h.Mode == ModeProxy {
		return ModeProxy
	}
	return ModeDefault
}

func validateHandlers(mode Mode, h Handlers) error {
	switch mode {
	case ModeProxy:
		if h.BaseURL == "" {
			return errors.New("base_url is required in proxy mode")
		}
		if !validBaseURL(h.BaseURL) {
			return errors.New("base_url is invalid")
		}
		if h.CheckStart == nil {
			return errors.New("check_start is required in proxy mode")
		}
	default:
		if h.Handler == nil && h.StreamHandler == nil {
			return errors.New("handler is required in default mode")
		}
		if h.Handler != nil && h.StreamHandler != nil {
			return errors.New("handler and stream handler are mutually exclusive")
		}
	}
	return nil
}

// invoke runs the registered handler arm. Panics in user code surface as
// errors rather than crashing the worker.
func invoke(ctx context.Context, h Handlers, env *Env, req *Request) (value any, err error) {
	defer recoverToError(&err)
	if h.StreamHandler != nil {
		values := []any{}
		for v, serr := range h.StreamHandler(ctx, req, env) {
			if serr != nil {
				return nil, serr
			}
			values = append(values, v)
		}
		return values, nil
	}
	return h.Handler(ctx, req, env)
}

// wrapHandler binds the environment and normalises both handler arms into
// a single call returning delivery bytes.
func wrapHandler(h Handlers, env *Env) func(context.Context, *Request) ([]byte, error) {
	return func(ctx context.Context, req *Request) ([]byte, error) {
		value, err := invoke(ctx, h, env, req)
		if err != nil {
			return nil, err
		}
		return marshalValue(value)
	}
}

func marshalValue(value any) ([]byte, error) {
	if b, ok := value.([]byte); ok {
		return b, nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encoding handler result: %w", err)
	}
	return b, nil
}

// recoverToError converts a panic into an error. It must be deferred
// directly so recover sees the panicking frame.
func recoverToError(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%v", r)
	}
}

// parseRequest decodes a handler-mode task body. input is required; async
// tasks must carry their webhook in the body; the request id is injected
// into meta when the caller sent none.
func parseRequest(l logger.Logger, header api.MsgHeader, data []byte) (*Request, string, error) {
	webhook := header.Webhook

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, "", err
	}
	if req.Input == nil {
		return nil, "", errors.New(`missing field "input"`)
	}

	if header.Mode == api.OperationAsync {
		if req.Webhook == nil {
			return nil, "", errors.New(`missing field "webhook"`)
		}
		webhook = *req.Webhook
	}

	if req.Meta == nil {
		req.Meta = map[string]any{"requestID": header.RequestID}
	} else if _, ok := req.Meta["requestID"]; !ok {
		l.Warn("meta info already exists in request, cannot add meta info")
	}

	return &req, webhook, nil
}

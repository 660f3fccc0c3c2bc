package client

import (
	"encoding/json"
	"sync"

	"github.com/mochi-hpc/sonata/pkg/rpc"
	"github.com/mochi-hpc/sonata/pkg/types"
)

// AsyncRequest represents one in-flight RPC plus the completion
// callback that converts the raw response into the caller's typed
// out-parameter. Wait runs the callback at most once; Completed polls
// readiness without consuming the response. The RPC itself is always
// driven to completion by the engine, so dropping an AsyncRequest
// without waiting cannot leak the in-flight operation.
type AsyncRequest struct {
	pending  *rpc.Pending
	complete func(raw json.RawMessage) error

	mu     sync.Mutex
	waited bool
	err    error
}

func newAsyncRequest(pending *rpc.Pending, complete func(json.RawMessage) error) *AsyncRequest {
	return &AsyncRequest{pending: pending, complete: complete}
}

// Wait blocks until the response arrived and runs the completion
// callback. Further calls return the recorded outcome without running
// the callback again.
func (r *AsyncRequest) Wait() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waited {
		return r.err
	}
	r.waited = true
	var raw json.RawMessage
	if err := r.pending.Wait(&raw); err != nil {
		r.err = err
		return r.err
	}
	if r.complete != nil {
		r.err = r.complete(raw)
	}
	return r.err
}

// Completed reports whether the response has arrived.
func (r *AsyncRequest) Completed() bool {
	return r.pending.Completed()
}

// decodeInto unmarshals a response body into a Result envelope, writes
// the payload into out when non-nil, and converts a failed envelope
// into an error.
func decodeInto[T any](raw json.RawMessage, out *T) error {
	var res types.Result[T]
	if err := json.Unmarshal(raw, &res); err != nil {
		return &types.Error{ErrKind: types.ErrInvalid, Message: err.Error()}
	}
	if err := res.Err(); err != nil {
		return err
	}
	if out != nil {
		*out = res.Value
	}
	return nil
}

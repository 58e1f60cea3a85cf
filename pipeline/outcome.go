// Package pipeline implements the ordered inspection chain every request
// and response stream passes through. Request steps may mutate the common
// request shape, answer locally without an upstream call, or fail the
// request; response steps rewrite the chunk stream in flight.
package pipeline

import (
	"github.com/stacklok/codegate/types"
)

// Outcome is the result of one request step. Exactly one of the three
// fields is set:
//
//   - Request: continue the chain with the (possibly mutated) request.
//   - Response: answer the client locally and skip the upstream entirely.
//   - Err: abort with a client-visible error.
type Outcome struct {
	Request  *types.ChatRequest
	Response *types.ChatResponse
	Err      *types.Error
}

// Continue proceeds to the next step with req.
func Continue(req *types.ChatRequest) *Outcome {
	return &Outcome{Request: req}
}

// ReplyNow short-circuits the chain: resp is streamed back to the client
// and no upstream call is made.
func ReplyNow(resp *types.ChatResponse) *Outcome {
	return &Outcome{Response: resp}
}

// Fail aborts the request with a typed error.
func Fail(err *types.Error) *Outcome {
	return &Outcome{Err: err}
}

// ShortCircuits reports whether the outcome ends the chain early, either
// with a local reply or an error.
func (o *Outcome) ShortCircuits() bool {
	return o != nil && (o.Response != nil || o.Err != nil)
}

package repositories

import (
	"context"
	"io"
)

// Transport carries one prompt to an inference provider, either directly or
// through the relay endpoint
type Transport interface {
	// Send issues the request. Cancelling ctx aborts it, including any body
	// read still in progress.
	Send(ctx context.Context, prompt string) (*Response, error)
}

// Response is the provider answer as seen by the chat session controller.
// Body must be closed by the caller.
type Response struct {
	// Body is either one Gemini JSON envelope or, when Streaming is set, a
	// line-delimited stream of {"response": string, "done": bool} objects
	Body io.ReadCloser

	// Streaming selects incremental decoding of Body
	Streaming bool
}

// TransportFunc adapts a function to the Transport interface
type TransportFunc func(ctx context.Context, prompt string) (*Response, error)

// Send implements Transport
func (f TransportFunc) Send(ctx context.Context, prompt string) (*Response, error) {
	return f(ctx, prompt)
}

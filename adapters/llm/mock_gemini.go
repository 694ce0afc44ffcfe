package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/satriahrh/geminichat/domain/repositories"
)

// MockTransport is an offline stand-in for a provider. It replies with an
// echo of the prompt, either as one Gemini envelope or, when Streaming is
// set, as one NDJSON line per word.
type MockTransport struct {
	Streaming bool
	// Delay is paused before each streamed line
	Delay time.Duration
	// Err, when set, is returned by every Send
	Err error
	// Reply overrides the echo text
	Reply func(prompt string) string
}

// Ensure MockTransport implements the Transport interface
var _ repositories.Transport = (*MockTransport)(nil)

// NewMockTransport creates a mock transport
func NewMockTransport(streaming bool, delay time.Duration) *MockTransport {
	return &MockTransport{Streaming: streaming, Delay: delay}
}

// Send implements repositories.Transport
func (m *MockTransport) Send(ctx context.Context, prompt string) (*repositories.Response, error) {
	if m.Err != nil {
		return nil, m.Err
	}

	reply := fmt.Sprintf("You said: %s", prompt)
	if m.Reply != nil {
		reply = m.Reply(prompt)
	}

	if !m.Streaming {
		envelope := map[string]interface{}{
			"candidates": []interface{}{
				map[string]interface{}{
					"content": map[string]interface{}{
						"role":  "model",
						"parts": []interface{}{map[string]interface{}{"text": reply}},
					},
				},
			},
		}
		payload, err := json.Marshal(envelope)
		if err != nil {
			return nil, err
		}
		return &repositories.Response{Body: io.NopCloser(strings.NewReader(string(payload)))}, nil
	}

	pr, pw := io.Pipe()
	go m.stream(ctx, pw, reply)
	return &repositories.Response{Body: pr, Streaming: true}, nil
}

// stream writes one chunk per word followed by a done chunk
func (m *MockTransport) stream(ctx context.Context, pw *io.PipeWriter, reply string) {
	words := strings.SplitAfter(reply, " ")
	encoder := json.NewEncoder(pw)

	for _, word := range words {
		if m.Delay > 0 {
			select {
			case <-time.After(m.Delay):
			case <-ctx.Done():
				pw.CloseWithError(ctx.Err())
				return
			}
		}

		chunk := map[string]interface{}{"response": word, "done": false}
		if err := encoder.Encode(chunk); err != nil {
			return
		}
	}

	encoder.Encode(map[string]interface{}{"done": true})
	pw.Close()
}

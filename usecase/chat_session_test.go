package usecase

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/satriahrh/geminichat/domain"
	"github.com/satriahrh/geminichat/domain/entities"
	"github.com/satriahrh/geminichat/domain/repositories"
)

const helloEnvelope = `{"candidates":[{"content":{"parts":[{"text":"hi there"}]}}]}`

// countingTransport returns a fixed response and counts calls
type countingTransport struct {
	calls     atomic.Int32
	body      string
	streaming bool
	err       error
}

func (c *countingTransport) Send(ctx context.Context, prompt string) (*repositories.Response, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return &repositories.Response{
		Body:      io.NopCloser(strings.NewReader(c.body)),
		Streaming: c.streaming,
	}, nil
}

// chunkBody delivers one chunk per Read and unblocks when ctx is cancelled,
// like an HTTP response body bound to a request context
type chunkBody struct {
	ctx    context.Context
	chunks chan string
	reads  atomic.Int32
}

func (b *chunkBody) Read(p []byte) (int, error) {
	select {
	case c, ok := <-b.chunks:
		if !ok {
			return 0, io.EOF
		}
		b.reads.Add(1)
		return copy(p, c), nil
	case <-b.ctx.Done():
		return 0, b.ctx.Err()
	}
}

func (b *chunkBody) Close() error { return nil }

// streamTransport hands out a chunkBody bound to the request context
type streamTransport struct {
	mu     sync.Mutex
	body   *chunkBody
	chunks chan string
}

func newStreamTransport() *streamTransport {
	return &streamTransport{chunks: make(chan string)}
}

func (s *streamTransport) Send(ctx context.Context, prompt string) (*repositories.Response, error) {
	body := &chunkBody{ctx: ctx, chunks: s.chunks}
	s.mu.Lock()
	s.body = body
	s.mu.Unlock()
	return &repositories.Response{Body: body, Streaming: true}, nil
}

func (s *streamTransport) reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.body == nil {
		return 0
	}
	return int(s.body.reads.Load())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

type submitResult struct {
	outcome Outcome
	err     error
}

func submitAsync(s *ChatSession, text string) <-chan submitResult {
	done := make(chan submitResult, 1)
	go func() {
		outcome, err := s.Submit(context.Background(), text)
		done <- submitResult{outcome, err}
	}()
	return done
}

func awaitResult(t *testing.T, done <-chan submitResult) submitResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not return within timeout")
		return submitResult{}
	}
}

func assertTurns(t *testing.T, got []entities.Turn, want ...entities.Turn) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Expected %d turns, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		if got[i].Role != want[i].Role || got[i].Content != want[i].Content {
			t.Errorf("Turn %d = {%s %q}, want {%s %q}", i, got[i].Role, got[i].Content, want[i].Role, want[i].Content)
		}
	}
}

func TestSubmit_RejectsEmptyInput(t *testing.T) {
	transport := &countingTransport{body: helloEnvelope}
	session := NewChatSession(transport, zaptest.NewLogger(t))

	for _, input := range []string{"", "   ", "\n\t  "} {
		_, err := session.Submit(context.Background(), input)
		if !errors.Is(err, domain.ErrEmptyPrompt) {
			t.Errorf("Submit(%q) error = %v, want ErrEmptyPrompt", input, err)
		}
	}

	if session.Transcript().Len() != 0 {
		t.Errorf("Expected no turns, got %d", session.Transcript().Len())
	}

	if calls := transport.calls.Load(); calls != 0 {
		t.Errorf("Expected no transport calls, got %d", calls)
	}
}

func TestSubmit_SinglePayload(t *testing.T) {
	transport := &countingTransport{body: helloEnvelope}
	session := NewChatSession(transport, zaptest.NewLogger(t))

	outcome, err := session.Submit(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	if outcome != OutcomeCompleted {
		t.Errorf("Expected outcome completed, got %s", outcome)
	}

	assertTurns(t, session.Transcript().Turns(),
		entities.Turn{Role: entities.RoleUser, Content: "hello"},
		entities.Turn{Role: entities.RoleAssistant, Content: "hi there"},
	)

	if session.State() != StateIdle {
		t.Errorf("Expected idle state, got %s", session.State())
	}
}

func TestSubmit_TrimsPayloadText(t *testing.T) {
	transport := &countingTransport{
		body: `{"candidates":[{"content":{"parts":[{"text":"\n  spaced out  \n"}]}}]}`,
	}
	session := NewChatSession(transport, zaptest.NewLogger(t))

	if _, err := session.Submit(context.Background(), "hello"); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	last, _ := session.Transcript().Last()
	if last.Content != "spaced out" {
		t.Errorf("Expected trimmed content, got %q", last.Content)
	}
}

func TestSubmit_Streaming(t *testing.T) {
	transport := &countingTransport{
		streaming: true,
		body: `{"response":"Hel","done":false}` + "\n" +
			`{"response":"lo","done":false}` + "\n" +
			`{"done":true}` + "\n" +
			`{"response":" ignored after done","done":false}` + "\n",
	}
	session := NewChatSession(transport, zaptest.NewLogger(t))

	outcome, err := session.Submit(context.Background(), "greet me")
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if outcome != OutcomeCompleted {
		t.Errorf("Expected outcome completed, got %s", outcome)
	}

	assertTurns(t, session.Transcript().Turns(),
		entities.Turn{Role: entities.RoleUser, Content: "greet me"},
		entities.Turn{Role: entities.RoleAssistant, Content: "Hello"},
	)
}

func TestSubmit_StreamingRawFallback(t *testing.T) {
	transport := &countingTransport{
		streaming: true,
		body:      "plain text line\n" + `{"response":" and json","done":false}` + "\nlast line",
	}
	session := NewChatSession(transport, zaptest.NewLogger(t))

	if _, err := session.Submit(context.Background(), "hi"); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	last, _ := session.Transcript().Last()
	want := "plain text line\n and jsonlast line"
	if last.Content != want {
		t.Errorf("Expected %q, got %q", want, last.Content)
	}
}

func TestSubmit_StreamingSplitJSON(t *testing.T) {
	transport := newStreamTransport()
	session := NewChatSession(transport, zaptest.NewLogger(t))

	done := submitAsync(session, "split")
	transport.chunks <- `{"respon`
	transport.chunks <- `se":"Hi","do`
	transport.chunks <- `ne":false}` + "\n" + `{"done":true}` + "\n"

	result := awaitResult(t, done)
	if result.err != nil {
		t.Fatalf("Submit returned error: %v", result.err)
	}

	last, _ := session.Transcript().Last()
	if last.Content != "Hi" {
		t.Errorf("Expected %q, got %q", "Hi", last.Content)
	}
}

func TestSubmit_RejectedWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	transport := repositories.TransportFunc(func(ctx context.Context, prompt string) (*repositories.Response, error) {
		calls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &repositories.Response{Body: io.NopCloser(strings.NewReader(helloEnvelope))}, nil
	})
	session := NewChatSession(transport, zaptest.NewLogger(t))

	done := submitAsync(session, "first")
	waitFor(t, func() bool { return session.State() != StateIdle })

	_, err := session.Submit(context.Background(), "second")
	if !errors.Is(err, domain.ErrRequestInFlight) {
		t.Errorf("Expected ErrRequestInFlight, got %v", err)
	}

	if session.Transcript().Len() != 1 {
		t.Errorf("Expected 1 turn while in flight, got %d", session.Transcript().Len())
	}

	close(release)
	result := awaitResult(t, done)
	if result.err != nil {
		t.Fatalf("First submit returned error: %v", result.err)
	}

	if calls.Load() != 1 {
		t.Errorf("Expected 1 transport call, got %d", calls.Load())
	}

	// Once idle again the session accepts input
	if _, err := session.Submit(context.Background(), "third"); err != nil {
		t.Errorf("Submit after completion returned error: %v", err)
	}
	if session.Transcript().Len() != 4 {
		t.Errorf("Expected 4 turns, got %d", session.Transcript().Len())
	}
}

func TestSubmit_TransportError(t *testing.T) {
	transport := &countingTransport{err: domain.NewUpstreamError(500, "boom")}
	session := NewChatSession(transport, zaptest.NewLogger(t))
	session.SetDraft("hello")

	outcome, err := session.Submit(context.Background(), "hello")
	if outcome != OutcomeFailed {
		t.Errorf("Expected outcome failed, got %s", outcome)
	}
	if !errors.Is(err, domain.ErrUpstream) {
		t.Errorf("Expected upstream error, got %v", err)
	}

	assertTurns(t, session.Transcript().Turns(),
		entities.Turn{Role: entities.RoleUser, Content: "hello"},
		entities.Turn{Role: entities.RoleAssistant, Content: FailureMessage},
	)

	if session.Draft() != "" {
		t.Errorf("Expected draft cleared after failure, got %q", session.Draft())
	}
}

func TestSubmit_MalformedPayload(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{name: "not json", body: "<html>bad gateway</html>", wantErr: domain.ErrInvalidResponse},
		{name: "no candidates", body: `{"candidates":[]}`, wantErr: domain.ErrNoContent},
		{name: "no parts", body: `{"candidates":[{"content":{}}]}`, wantErr: domain.ErrNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := NewChatSession(&countingTransport{body: tt.body}, zaptest.NewLogger(t))

			outcome, err := session.Submit(context.Background(), "hello")
			if outcome != OutcomeFailed {
				t.Errorf("Expected outcome failed, got %s", outcome)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}

			last, _ := session.Transcript().Last()
			if last.Content != FailureMessage {
				t.Errorf("Expected failure turn, got %q", last.Content)
			}
		})
	}
}

func TestCancel_MidStreamSuppress(t *testing.T) {
	transport := newStreamTransport()
	session := NewChatSession(transport, zaptest.NewLogger(t))
	session.SetDraft("tell me a story")

	done := submitAsync(session, "tell me a story")
	transport.chunks <- `{"response":"Once upon","done":false}` + "\n"
	waitFor(t, func() bool { return transport.reads() == 1 })

	if !session.Cancel() {
		t.Fatal("Cancel returned false while streaming")
	}

	result := awaitResult(t, done)
	if result.err != nil {
		t.Errorf("Expected nil error on cancel, got %v", result.err)
	}
	if result.outcome != OutcomeCancelled {
		t.Errorf("Expected outcome cancelled, got %s", result.outcome)
	}

	// Nobody is reading the body any more
	select {
	case transport.chunks <- `{"response":" a time","done":false}` + "\n":
		t.Error("Chunk consumed after cancel")
	default:
	}

	if got := transport.reads(); got != 1 {
		t.Errorf("Expected 1 chunk read, got %d", got)
	}

	assertTurns(t, session.Transcript().Turns(),
		entities.Turn{Role: entities.RoleUser, Content: "tell me a story"},
	)

	if session.Draft() != "tell me a story" {
		t.Errorf("Expected draft kept after cancel, got %q", session.Draft())
	}

	if session.State() != StateIdle {
		t.Errorf("Expected idle state, got %s", session.State())
	}
}

func TestCancel_MidStreamSentinel(t *testing.T) {
	transport := newStreamTransport()
	session := NewChatSession(transport, zaptest.NewLogger(t), WithCancelPolicy(CancelSentinel))

	done := submitAsync(session, "tell me a story")
	transport.chunks <- `{"response":"Once upon","done":false}` + "\n"
	waitFor(t, func() bool { return transport.reads() == 1 })

	session.Cancel()
	result := awaitResult(t, done)
	if result.outcome != OutcomeCancelled {
		t.Errorf("Expected outcome cancelled, got %s", result.outcome)
	}

	assertTurns(t, session.Transcript().Turns(),
		entities.Turn{Role: entities.RoleUser, Content: "tell me a story"},
		entities.Turn{Role: entities.RoleAssistant, Content: StoppedMessage},
	)
}

func TestCancel_WhileSending(t *testing.T) {
	transport := repositories.TransportFunc(func(ctx context.Context, prompt string) (*repositories.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	session := NewChatSession(transport, zaptest.NewLogger(t))

	done := submitAsync(session, "hello")
	waitFor(t, func() bool { return session.State() == StateSending })

	session.Cancel()
	result := awaitResult(t, done)
	if result.outcome != OutcomeCancelled || result.err != nil {
		t.Errorf("Expected cancelled with nil error, got %s, %v", result.outcome, result.err)
	}

	if session.Transcript().Len() != 1 {
		t.Errorf("Expected only the user turn, got %d turns", session.Transcript().Len())
	}
}

func TestCancel_ParentContextIsFailure(t *testing.T) {
	transport := repositories.TransportFunc(func(ctx context.Context, prompt string) (*repositories.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	session := NewChatSession(transport, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := session.Submit(ctx, "hello")
	if outcome != OutcomeFailed {
		t.Errorf("Expected failed outcome for non-user cancellation, got %s", outcome)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestCancel_WhenIdle(t *testing.T) {
	session := NewChatSession(&countingTransport{body: helloEnvelope}, zaptest.NewLogger(t))

	if session.Cancel() {
		t.Error("Cancel returned true with nothing in flight")
	}
}

func TestDraft_ClearedOnCompletion(t *testing.T) {
	session := NewChatSession(&countingTransport{body: helloEnvelope}, zaptest.NewLogger(t))
	session.SetDraft("hello")

	if _, err := session.Submit(context.Background(), "hello"); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	if session.Draft() != "" {
		t.Errorf("Expected draft cleared, got %q", session.Draft())
	}
}

func TestListener_EventOrder(t *testing.T) {
	var events []Event
	session := NewChatSession(&countingTransport{body: helloEnvelope}, zaptest.NewLogger(t),
		WithListener(func(e Event) { events = append(events, e) }),
		WithSessionID("fixed-id"),
	)

	if session.ID() != "fixed-id" {
		t.Errorf("Expected session ID fixed-id, got %s", session.ID())
	}

	if _, err := session.Submit(context.Background(), "hello"); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	want := []struct {
		kind  EventKind
		state State
		role  entities.Role
	}{
		{kind: EventTurnAppended, role: entities.RoleUser},
		{kind: EventStateChanged, state: StateSending},
		{kind: EventStateChanged, state: StateAwaiting},
		{kind: EventTurnAppended, role: entities.RoleAssistant},
		{kind: EventStateChanged, state: StateIdle},
	}

	if len(events) != len(want) {
		t.Fatalf("Expected %d events, got %d: %+v", len(want), len(events), events)
	}

	for i, w := range want {
		e := events[i]
		if e.Kind != w.kind {
			t.Errorf("Event %d kind = %d, want %d", i, e.Kind, w.kind)
			continue
		}
		if w.kind == EventStateChanged && e.State != w.state {
			t.Errorf("Event %d state = %s, want %s", i, e.State, w.state)
		}
		if w.kind == EventTurnAppended && e.Turn.Role != w.role {
			t.Errorf("Event %d role = %s, want %s", i, e.Turn.Role, w.role)
		}
	}
}

func eventLabel(e Event) string {
	if e.Kind == EventTurnAppended {
		return "turn:" + string(e.Turn.Role)
	}
	return "state:" + e.State.String()
}

func TestListener_OrderAcrossTurns(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
		once   sync.Once
	)
	blocked := make(chan struct{})
	release := make(chan struct{})

	session := NewChatSession(&countingTransport{body: helloEnvelope}, zaptest.NewLogger(t),
		WithListener(func(e Event) {
			mu.Lock()
			events = append(events, eventLabel(e))
			mu.Unlock()

			// Stall delivery of the first reply
			if e.Kind == EventTurnAppended && e.Turn.Role == entities.RoleAssistant {
				once.Do(func() {
					close(blocked)
					<-release
				})
			}
		}),
	)

	first := submitAsync(session, "one")
	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("First reply never reached the listener")
	}

	// The session is already idle, so the next turn is accepted
	waitFor(t, func() bool { return session.State() == StateIdle })
	second := submitAsync(session, "two")
	waitFor(t, func() bool { return session.Transcript().Len() == 3 })

	mu.Lock()
	pending := len(events)
	mu.Unlock()
	if pending != 4 {
		t.Errorf("Expected second turn events held back, got %d events", pending)
	}

	close(release)
	for _, done := range []<-chan submitResult{first, second} {
		if result := awaitResult(t, done); result.outcome != OutcomeCompleted || result.err != nil {
			t.Errorf("Expected completed turn, got %s, %v", result.outcome, result.err)
		}
	}

	turn := []string{"turn:user", "state:sending", "state:awaiting", "turn:assistant", "state:idle"}
	want := append(append([]string{}, turn...), turn...)

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(events, " ") != strings.Join(want, " ") {
		t.Errorf("Event order = %v, want %v", events, want)
	}
}

// closeHookBody runs onClose when the session releases the response body,
// after the reply has been read but before the turn is finalized
type closeHookBody struct {
	io.Reader
	onClose func()
}

func (b *closeHookBody) Close() error {
	b.onClose()
	return nil
}

func TestCancel_AfterReplyReadBeforeFinalize(t *testing.T) {
	var (
		session   *ChatSession
		cancelled bool
	)
	transport := repositories.TransportFunc(func(ctx context.Context, prompt string) (*repositories.Response, error) {
		return &repositories.Response{
			Body: &closeHookBody{
				Reader:  strings.NewReader(helloEnvelope),
				onClose: func() { cancelled = session.Cancel() },
			},
		}, nil
	})
	session = NewChatSession(transport, zaptest.NewLogger(t))

	outcome, err := session.Submit(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	if !cancelled {
		t.Fatal("Cancel returned false before the turn was finalized")
	}
	if outcome != OutcomeCancelled {
		t.Errorf("Cancel reported success but outcome is %s", outcome)
	}
	assertTurns(t, session.Transcript().Turns(),
		entities.Turn{Role: entities.RoleUser, Content: "hello"},
	)

	if session.Cancel() {
		t.Error("Cancel returned true after the turn was finalized")
	}
}

func TestCancel_RacingCompletionAgrees(t *testing.T) {
	session := NewChatSession(&countingTransport{body: helloEnvelope}, zaptest.NewLogger(t))

	for i := 0; i < 200; i++ {
		done := submitAsync(session, "hello")

		var (
			cancelled bool
			result    submitResult
		)
	wait:
		for {
			select {
			case result = <-done:
				break wait
			default:
				if !cancelled {
					cancelled = session.Cancel()
				}
			}
		}

		want := OutcomeCompleted
		if cancelled {
			want = OutcomeCancelled
		}
		if result.outcome != want {
			t.Fatalf("Iteration %d: Cancel() = %v but outcome is %s", i, cancelled, result.outcome)
		}
	}
}

func TestCancel_WhileAwaiting(t *testing.T) {
	tests := []struct {
		name    string
		policy  CancelPolicy
		wantLen int
	}{
		{name: "suppress", policy: CancelSuppress, wantLen: 1},
		{name: "sentinel", policy: CancelSentinel, wantLen: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// The envelope never arrives; the body only unblocks on cancel
			transport := repositories.TransportFunc(func(ctx context.Context, prompt string) (*repositories.Response, error) {
				return &repositories.Response{
					Body:      &chunkBody{ctx: ctx, chunks: make(chan string)},
					Streaming: false,
				}, nil
			})
			session := NewChatSession(transport, zaptest.NewLogger(t), WithCancelPolicy(tt.policy))
			session.SetDraft("hello")

			done := submitAsync(session, "hello")
			waitFor(t, func() bool { return session.State() == StateAwaiting })

			if !session.Cancel() {
				t.Fatal("Cancel returned false while awaiting")
			}

			result := awaitResult(t, done)
			if result.outcome != OutcomeCancelled || result.err != nil {
				t.Errorf("Expected cancelled with nil error, got %s, %v", result.outcome, result.err)
			}

			if session.Transcript().Len() != tt.wantLen {
				t.Errorf("Expected %d turns, got %d", tt.wantLen, session.Transcript().Len())
			}
			if last, _ := session.Transcript().Last(); tt.policy == CancelSentinel && last.Content != StoppedMessage {
				t.Errorf("Expected stopped sentinel, got %q", last.Content)
			}

			if session.Draft() != "hello" {
				t.Errorf("Expected draft kept after cancel, got %q", session.Draft())
			}
		})
	}
}

func TestSubmit_LogsUpstreamStatus(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	transport := &countingTransport{err: domain.NewUpstreamError(429, "quota exhausted")}
	session := NewChatSession(transport, zap.New(core))

	outcome, err := session.Submit(context.Background(), "hello")
	if outcome != OutcomeFailed || !errors.Is(err, domain.ErrUpstream) {
		t.Fatalf("Expected upstream failure, got %s, %v", outcome, err)
	}

	entries := logs.FilterMessage("Error fetching response").All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 error entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["statusCode"]; got != int64(429) {
		t.Errorf("Expected statusCode 429 logged, got %v", got)
	}
}

func TestParseCancelPolicy(t *testing.T) {
	tests := []struct {
		input   string
		want    CancelPolicy
		wantErr bool
	}{
		{input: "", want: CancelSuppress},
		{input: "suppress", want: CancelSuppress},
		{input: " Sentinel ", want: CancelSentinel},
		{input: "explode", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseCancelPolicy(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCancelPolicy(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseCancelPolicy(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

package usecase

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/geminichat/domain"
	"github.com/satriahrh/geminichat/domain/entities"
	"github.com/satriahrh/geminichat/domain/repositories"
)

const (
	// FailureMessage is the assistant turn appended when a request fails
	FailureMessage = "An error occurred."
	// StoppedMessage is the assistant turn appended on cancel under CancelSentinel
	StoppedMessage = "Generation stopped."

	// maxPayloadSize bounds a single-payload response body
	maxPayloadSize = 8 << 20
)

// State is the lifecycle state of a chat session's request
type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
	StateAwaiting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateAwaiting:
		return "awaiting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome is how a submitted turn was finalized
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeFailed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// CancelPolicy decides what a cancelled request leaves in the transcript
type CancelPolicy int

const (
	// CancelSuppress appends no assistant turn
	CancelSuppress CancelPolicy = iota
	// CancelSentinel appends a single StoppedMessage turn
	CancelSentinel
)

// ParseCancelPolicy maps "suppress" and "sentinel" to a CancelPolicy
func ParseCancelPolicy(s string) (CancelPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "suppress":
		return CancelSuppress, nil
	case "sentinel":
		return CancelSentinel, nil
	default:
		return CancelSuppress, fmt.Errorf("unknown cancel policy %q", s)
	}
}

// EventKind identifies a session event
type EventKind int

const (
	EventTurnAppended EventKind = iota
	EventStateChanged
)

// Event is delivered to a session listener. Turn is set for
// EventTurnAppended, State for EventStateChanged.
type Event struct {
	Kind  EventKind
	Turn  entities.Turn
	State State
}

// SessionOption configures a ChatSession
type SessionOption func(*ChatSession)

// WithCancelPolicy sets the cancel policy. The default is CancelSuppress.
func WithCancelPolicy(policy CancelPolicy) SessionOption {
	return func(s *ChatSession) {
		s.cancelPolicy = policy
	}
}

// WithListener registers a function that receives session events in order.
// It is called from the submitting goroutine without the session lock held.
// Every event of a turn is delivered before any event of the next turn, so
// the listener must not call Submit itself.
func WithListener(fn func(Event)) SessionOption {
	return func(s *ChatSession) {
		s.listener = fn
	}
}

// WithSessionID overrides the generated session ID
func WithSessionID(id string) SessionOption {
	return func(s *ChatSession) {
		s.id = id
	}
}

// ChatSession owns one transcript and at most one in-flight request for it
type ChatSession struct {
	id           string
	transport    repositories.Transport
	transcript   *entities.Transcript
	cancelPolicy CancelPolicy
	listener     func(Event)
	logger       *zap.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelCauseFunc
	draft  string

	// turnMu is held from acceptance of a turn until its last event is
	// emitted. It is never acquired while mu is held.
	turnMu sync.Mutex
}

// NewChatSession creates a chat session that sends prompts through transport
func NewChatSession(transport repositories.Transport, logger *zap.Logger, opts ...SessionOption) *ChatSession {
	s := &ChatSession{
		id:         uuid.New().String(),
		transport:  transport,
		transcript: entities.NewTranscript(),
		logger:     logger,
		state:      StateIdle,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.logger.With(zap.String("sessionID", s.id))
	return s
}

// ID returns the session identifier
func (s *ChatSession) ID() string {
	return s.id
}

// State returns the current request state
func (s *ChatSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transcript returns the session transcript for read-only enumeration
func (s *ChatSession) Transcript() *entities.Transcript {
	return s.transcript
}

// SetDraft stores the pending input text
func (s *ChatSession) SetDraft(text string) {
	s.mu.Lock()
	s.draft = text
	s.mu.Unlock()
}

// Draft returns the pending input text
func (s *ChatSession) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// Submit sends text as a user turn and blocks until the assistant side of the
// turn is finalized. Empty input and input submitted while another request is
// in flight are rejected without touching the transcript or the transport.
//
// Failures are recorded as a FailureMessage turn and returned with
// OutcomeFailed. A cancel through Cancel returns OutcomeCancelled and a nil
// error.
//
// A turn accepted while the previous turn's events are still being delivered
// waits for them before emitting its own.
func (s *ChatSession) Submit(ctx context.Context, text string) (Outcome, error) {
	if strings.TrimSpace(text) == "" {
		return OutcomeFailed, domain.ErrEmptyPrompt
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return OutcomeFailed, domain.ErrRequestInFlight
	}

	userTurn := entities.NewTurn(entities.RoleUser, text)
	if err := s.transcript.Append(userTurn); err != nil {
		s.mu.Unlock()
		return OutcomeFailed, fmt.Errorf("append user turn: %w", err)
	}

	reqCtx, cancel := context.WithCancelCause(ctx)
	s.cancel = cancel
	s.state = StateSending
	s.mu.Unlock()

	// Waits for the previous turn's trailing events; released in finish
	s.turnMu.Lock()

	s.emit(Event{Kind: EventTurnAppended, Turn: userTurn})
	s.emit(Event{Kind: EventStateChanged, State: StateSending})

	s.logger.Info("Submitting prompt",
		zap.Int("promptLength", len(text)),
		zap.Int("transcriptLength", s.transcript.Len()))

	reply, err := s.exchange(reqCtx, text)
	return s.finish(reqCtx, reply, err)
}

// Cancel aborts the in-flight request. It reports false when there is none.
func (s *ChatSession) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateIdle || s.cancel == nil {
		return false
	}

	s.cancel(domain.ErrStopped)
	s.logger.Info("Cancel requested", zap.String("state", s.state.String()))
	return true
}

// exchange performs the network call and decodes the reply
func (s *ChatSession) exchange(ctx context.Context, prompt string) (string, error) {
	resp, err := s.transport.Send(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("send prompt: %w", err)
	}
	if resp == nil || resp.Body == nil {
		return "", domain.ErrInvalidResponse
	}
	defer resp.Body.Close()

	if resp.Streaming {
		s.setState(StateStreaming)
		return s.consumeStream(ctx, resp.Body)
	}

	s.setState(StateAwaiting)
	return s.consumePayload(ctx, resp.Body)
}

// consumePayload reads a single Gemini envelope
func (s *ChatSession) consumePayload(ctx context.Context, body io.Reader) (string, error) {
	payload, err := io.ReadAll(io.LimitReader(body, maxPayloadSize))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	return ExtractCandidateText(payload)
}

// consumeStream reads line-delimited chunks until done, EOF or cancellation.
// The context is checked before every read so a cancel stops consumption
// at the next chunk boundary.
func (s *ChatSession) consumeStream(ctx context.Context, body io.Reader) (string, error) {
	reader := bufio.NewReader(body)
	var acc streamAccumulator
	chunkCount := 0

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			// A read may have raced with a cancel; drop its data
			if err := ctx.Err(); err != nil {
				return "", err
			}

			chunkCount++
			chunk := DecodeChunk(line)
			s.logger.Debug("Received stream chunk",
				zap.Int("chunkNumber", chunkCount),
				zap.Bool("raw", chunk.Kind == ChunkRaw),
				zap.Bool("done", chunk.Done))

			if acc.feed(chunk) {
				break
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", fmt.Errorf("read stream: %w", readErr)
		}
	}

	s.logger.Info("Finished reading stream", zap.Int("totalChunks", chunkCount))
	return acc.text(), nil
}

// finish appends the assistant side of the turn according to how the
// exchange ended, then returns the session to idle.
//
// The cancel cause is read under the lock after the cancel func is detached,
// so a Cancel that reported true always yields OutcomeCancelled and a Cancel
// that lost the race reports false.
func (s *ChatSession) finish(ctx context.Context, reply string, err error) (Outcome, error) {
	defer s.turnMu.Unlock()

	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	stopped := errors.Is(context.Cause(ctx), domain.ErrStopped)

	var (
		outcome Outcome
		turn    *entities.Turn
	)

	switch {
	case stopped:
		outcome = OutcomeCancelled
		if s.cancelPolicy == CancelSentinel {
			t := entities.NewTurn(entities.RoleAssistant, StoppedMessage)
			turn = &t
		}

	case err != nil:
		outcome = OutcomeFailed
		t := entities.NewTurn(entities.RoleAssistant, FailureMessage)
		turn = &t

	default:
		outcome = OutcomeCompleted
		t := entities.NewTurn(entities.RoleAssistant, reply)
		turn = &t
	}

	var appendErr error
	if turn != nil {
		if appendErr = s.transcript.Append(*turn); appendErr != nil {
			turn = nil
		}
	}
	if outcome != OutcomeCancelled {
		s.draft = ""
	}
	s.state = StateIdle
	s.mu.Unlock()

	cancel(context.Canceled)

	switch outcome {
	case OutcomeCancelled:
		s.logger.Info("Request aborted")
		err = nil
	case OutcomeFailed:
		s.logger.Error("Error fetching response",
			zap.Int("statusCode", domain.StatusCode(err)),
			zap.Error(err))
	}
	if appendErr != nil {
		s.logger.Error("Failed to append assistant turn", zap.Error(appendErr))
	}

	if turn != nil {
		s.emit(Event{Kind: EventTurnAppended, Turn: *turn})
	}
	s.emit(Event{Kind: EventStateChanged, State: StateIdle})

	s.logger.Info("Turn finalized", zap.String("outcome", outcome.String()))
	return outcome, err
}

func (s *ChatSession) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.emit(Event{Kind: EventStateChanged, State: state})
}

func (s *ChatSession) emit(e Event) {
	if s.listener != nil {
		s.listener(e)
	}
}

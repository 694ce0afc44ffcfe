package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/geminichat/adapters/llm"
	"github.com/satriahrh/geminichat/domain/entities"
	"github.com/satriahrh/geminichat/internal/config"
	"github.com/satriahrh/geminichat/usecase"
)

func runREPL(t *testing.T, session *usecase.ChatSession, in io.Reader, interrupts <-chan os.Signal) string {
	t.Helper()

	var out bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- NewREPL(session, in, &out, interrupts).Run(context.Background())
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("REPL did not finish")
	}
	return out.String()
}

func TestREPL_Exchange(t *testing.T) {
	session := usecase.NewChatSession(llm.NewMockTransport(false, 0), zaptest.NewLogger(t))

	out := runREPL(t, session, strings.NewReader("hello\n\n/history\n/exit\nignored\n"), nil)

	if !strings.Contains(out, "You said: hello\n") {
		t.Errorf("Expected reply in output, got %q", out)
	}

	if !strings.Contains(out, "user: hello") || !strings.Contains(out, "assistant: You said: hello") {
		t.Errorf("Expected history in output, got %q", out)
	}

	// The blank line and the line after /exit are never submitted
	if session.Transcript().Len() != 2 {
		t.Errorf("Expected 2 turns, got %d", session.Transcript().Len())
	}
}

func TestREPL_EmptyHistory(t *testing.T) {
	session := usecase.NewChatSession(llm.NewMockTransport(false, 0), zaptest.NewLogger(t))

	out := runREPL(t, session, strings.NewReader("/history\n"), nil)

	if !strings.Contains(out, "(no turns yet)") {
		t.Errorf("Expected empty history marker, got %q", out)
	}
}

func TestREPL_Failure(t *testing.T) {
	mock := &llm.MockTransport{Err: errors.New("connection refused")}
	session := usecase.NewChatSession(mock, zaptest.NewLogger(t))

	out := runREPL(t, session, strings.NewReader("hello\n"), nil)

	if !strings.Contains(out, usecase.FailureMessage) {
		t.Errorf("Expected failure message, got %q", out)
	}

	last, _ := session.Transcript().Last()
	if last.Role != entities.RoleAssistant || last.Content != usecase.FailureMessage {
		t.Errorf("Expected failure turn, got %+v", last)
	}
}

func TestREPL_InterruptCancelsPendingReply(t *testing.T) {
	tests := []struct {
		name     string
		policy   usecase.CancelPolicy
		wantMark string
		wantLen  int
	}{
		{name: "suppress", policy: usecase.CancelSuppress, wantMark: stoppedMark, wantLen: 1},
		{name: "sentinel", policy: usecase.CancelSentinel, wantMark: usecase.StoppedMessage, wantLen: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			interrupts := make(chan os.Signal, 1)
			streaming := make(chan struct{}, 1)

			session := usecase.NewChatSession(
				llm.NewMockTransport(true, 200*time.Millisecond),
				zaptest.NewLogger(t),
				usecase.WithCancelPolicy(tt.policy),
				usecase.WithListener(func(e usecase.Event) {
					if e.Kind == usecase.EventStateChanged && e.State == usecase.StateStreaming {
						streaming <- struct{}{}
					}
				}),
			)

			go func() {
				<-streaming
				interrupts <- os.Interrupt
			}()

			out := runREPL(t, session, strings.NewReader("tell me a long story\n"), interrupts)

			if !strings.Contains(out, tt.wantMark) {
				t.Errorf("Expected %q in output, got %q", tt.wantMark, out)
			}

			if session.Transcript().Len() != tt.wantLen {
				t.Errorf("Expected %d turns, got %d", tt.wantLen, session.Transcript().Len())
			}

			if session.Draft() != "tell me a long story" {
				t.Errorf("Expected draft kept after cancel, got %q", session.Draft())
			}
		})
	}
}

func TestREPL_IdleInterruptQuits(t *testing.T) {
	interrupts := make(chan os.Signal, 1)
	interrupts <- os.Interrupt

	pr, pw := io.Pipe()
	defer pw.Close()

	session := usecase.NewChatSession(llm.NewMockTransport(false, 0), zaptest.NewLogger(t))
	runREPL(t, session, pr, interrupts)

	if session.Transcript().Len() != 0 {
		t.Errorf("Expected no turns, got %d", session.Transcript().Len())
	}
}

func TestBuildTransport(t *testing.T) {
	cfg := config.Config{CredentialEnv: "GEMINICHAT_TEST_MISSING_KEY"}
	t.Setenv("GEMINICHAT_TEST_MISSING_KEY", "")
	logger := zaptest.NewLogger(t)

	tests := []struct {
		kind    string
		wantErr bool
	}{
		{kind: TransportRelay},
		{kind: TransportStream},
		{kind: TransportLocal},
		{kind: TransportMock},
		{kind: TransportMockStream},
		{kind: TransportDirect, wantErr: true},
		{kind: "carrier-pigeon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			transport, err := buildTransport(context.Background(), transportOptions{
				Kind:     tt.kind,
				RelayURL: "http://localhost:8080/",
			}, cfg, logger)

			if (err != nil) != tt.wantErr {
				t.Fatalf("buildTransport() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && transport == nil {
				t.Error("Expected transport")
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := newLogger("loud", zapcore.InfoLevel); err == nil {
		t.Error("Expected error for invalid level")
	}

	logger, err := newLogger("", config.Config{LogLevel: "debug"}.Level())
	if err != nil {
		t.Fatalf("newLogger returned error: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("Expected debug enabled from configured level")
	}

	logger, err = newLogger("error", zapcore.DebugLevel)
	if err != nil {
		t.Fatalf("newLogger returned error: %v", err)
	}
	if logger.Core().Enabled(zapcore.WarnLevel) {
		t.Error("Expected flag level to win over fallback")
	}
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := NewRootCommand()

	for _, name := range []string{"serve", "chat"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("Expected %s subcommand, got %v (%v)", name, cmd, err)
		}
	}
}

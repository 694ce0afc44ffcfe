package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/satriahrh/geminichat/domain"
	"github.com/satriahrh/geminichat/internal/config"
	"github.com/satriahrh/geminichat/usecase"
)

const (
	promptMarker = "> "
	stoppedMark  = "[stopped]"
)

type chatOptions struct {
	transport string
	relayURL  string
	model     string
}

func newChatCommand(logLevel *string) *cobra.Command {
	var opts chatOptions

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: `Start an interactive chat session in the terminal.

Each line is sent as one turn. Press Ctrl+C while a reply is pending to stop
it, or while idle to quit. Type /history to print the transcript and /exit
to quit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), *logLevel, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.transport, "transport", "t", TransportRelay,
		"transport: "+strings.Join(transportKinds, ", "))
	cmd.Flags().StringVar(&opts.relayURL, "relay-url", envOr("GEMINICHAT_RELAY_URL", "http://localhost:8080"), "relay base URL")
	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "model identifier")
	return cmd
}

func runChat(ctx context.Context, logLevel string, opts chatOptions, in io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(zap.NewNop())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Logs go to stderr and stay quiet unless asked for
	logger, err := newLogger(logLevel, zapcore.ErrorLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	transport, err := buildTransport(ctx, transportOptions{
		Kind:     opts.transport,
		RelayURL: opts.relayURL,
		Model:    opts.model,
	}, cfg, logger)
	if err != nil {
		return err
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	session := usecase.NewChatSession(transport, logger, usecase.WithCancelPolicy(cfg.Policy()))
	return NewREPL(session, in, out, interrupts).Run(ctx)
}

// REPL drives a chat session from line-based input. A value on interrupts
// cancels the pending reply, or ends the loop when nothing is pending.
type REPL struct {
	session    *usecase.ChatSession
	in         io.Reader
	out        io.Writer
	interrupts <-chan os.Signal
}

// NewREPL creates a REPL over session
func NewREPL(session *usecase.ChatSession, in io.Reader, out io.Writer, interrupts <-chan os.Signal) *REPL {
	return &REPL{
		session:    session,
		in:         in,
		out:        out,
		interrupts: interrupts,
	}
}

type submitResult struct {
	outcome usecase.Outcome
	err     error
}

// Run reads lines until EOF, /exit, an idle interrupt or ctx is done
func (r *REPL) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		fmt.Fprint(r.out, promptMarker)

		select {
		case <-ctx.Done():
			return nil

		case <-r.interrupts:
			fmt.Fprintln(r.out)
			return nil

		case err := <-readErr:
			fmt.Fprintln(r.out)
			return err

		case line := <-lines:
			switch strings.TrimSpace(line) {
			case "/exit", "/quit":
				return nil
			case "/history":
				r.printHistory()
				continue
			}

			r.session.SetDraft(line)
			r.submit(ctx, line)
		}
	}
}

// submit runs one turn, cancelling it on interrupt
func (r *REPL) submit(ctx context.Context, text string) {
	done := make(chan submitResult, 1)
	go func() {
		outcome, err := r.session.Submit(ctx, text)
		done <- submitResult{outcome: outcome, err: err}
	}()

	for {
		select {
		case <-r.interrupts:
			r.session.Cancel()

		case res := <-done:
			r.render(res)
			return
		}
	}
}

func (r *REPL) render(res submitResult) {
	switch {
	case errors.Is(res.err, domain.ErrEmptyPrompt):
		return
	case errors.Is(res.err, domain.ErrRequestInFlight):
		fmt.Fprintln(r.out, "a request is already in flight")
		return
	}

	switch res.outcome {
	case usecase.OutcomeCancelled:
		if last, ok := r.session.Transcript().Last(); ok && last.Content == usecase.StoppedMessage {
			fmt.Fprintln(r.out, last.Content)
		} else {
			fmt.Fprintln(r.out, stoppedMark)
		}

	case usecase.OutcomeFailed:
		fmt.Fprintln(r.out, usecase.FailureMessage)
		if res.err != nil {
			fmt.Fprintf(r.out, "  (%v)\n", res.err)
		}

	default:
		if last, ok := r.session.Transcript().Last(); ok {
			fmt.Fprintln(r.out, last.Content)
		}
	}
}

func (r *REPL) printHistory() {
	turns := r.session.Transcript().Turns()
	if len(turns) == 0 {
		fmt.Fprintln(r.out, "(no turns yet)")
		return
	}

	for _, turn := range turns {
		fmt.Fprintf(r.out, "[%s] %s: %s\n", turn.Timestamp.Format("15:04:05"), turn.Role, turn.Content)
	}
}

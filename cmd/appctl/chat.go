package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bizmatters/agent-builder/app-orchestrator/internal/client"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/events"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/logger"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/models"
)

type chatOptions struct {
	url            string
	conversationID string
	token          string
	maxReconnects  int
	reconnectDelay time.Duration
	wait           time.Duration
	verbose        bool
}

func newChatCommand() *cobra.Command {
	opts := &chatOptions{}

	chatCmd := &cobra.Command{
		Use:   "chat <message...>",
		Short: "Send one message and stream the turn's events",
		Long: `Opens a conversation session, sends a user message and prints the agent's
streamed output until the turn finishes or fails.

Example:
  appctl chat "Create a todo app"
  appctl chat --conversation 3f2a... "Change the button color to blue"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts, strings.Join(args, " "))
		},
	}

	chatCmd.Flags().StringVar(&opts.url, "url", envOr("APP_ORCHESTRATOR_URL", "ws://localhost:8080/api/ws/conversations"), "Conversation socket URL")
	chatCmd.Flags().StringVarP(&opts.conversationID, "conversation", "c", "", "Conversation to continue")
	chatCmd.Flags().StringVar(&opts.token, "token", os.Getenv("APP_ORCHESTRATOR_TOKEN"), "JWT for servers with authentication enabled")
	chatCmd.Flags().IntVar(&opts.maxReconnects, "max-reconnects", 5, "Reconnect attempts before giving up")
	chatCmd.Flags().DurationVar(&opts.reconnectDelay, "reconnect-delay", 3*time.Second, "Delay between reconnect attempts")
	chatCmd.Flags().DurationVar(&opts.wait, "wait", 15*time.Minute, "Maximum time to wait for the turn to end")
	chatCmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log connection activity to stderr")
	return chatCmd
}

func runChat(cmd *cobra.Command, opts *chatOptions, message string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.wait)
	defer cancel()

	level := "warn"
	if opts.verbose {
		level = "debug"
	}
	log := logger.New(logger.Config{Level: level, Pretty: true, Output: cmd.ErrOrStderr()})

	manager := client.NewManager(client.Config{
		URL:                  opts.url,
		Token:                opts.token,
		ConversationID:       opts.conversationID,
		MaxReconnectAttempts: opts.maxReconnects,
		ReconnectDelay:       opts.reconnectDelay,
	}, client.WithLogger(log))

	if err := manager.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer manager.Close()

	if err := manager.Send(ctx, models.InboundMessage{Type: models.MessageTypeUserMessage, Content: message}); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	err := awaitTurn(ctx, manager.Events(), manager.Errors(), out)
	if id := manager.ConversationID(); id != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "conversation: %s\n", id)
	}
	return err
}

// awaitTurn prints events until the turn ends
func awaitTurn(ctx context.Context, stream <-chan events.Envelope, errs <-chan error, out io.Writer) error {
	for {
		select {
		case env := <-stream:
			done, err := renderEvent(out, env)
			if done {
				return err
			}
		case err := <-errs:
			return err
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("turn did not finish in time: %w", ctx.Err())
			}
			return ctx.Err()
		}
	}
}

// renderEvent writes one event for a terminal and reports whether it ended the turn
func renderEvent(out io.Writer, env events.Envelope) (bool, error) {
	switch p := env.Payload.(type) {
	case events.RunStarted:
		if p.Pipeline != "" {
			fmt.Fprintf(out, "[%s]\n", p.Pipeline)
		}
	case events.TextMessageContent:
		fmt.Fprint(out, p.Delta)
	case events.TextMessageEnd:
		fmt.Fprintln(out)
	case events.ToolCallStart:
		fmt.Fprintf(out, "> %s\n", p.ToolCallName)
	case events.ToolCallResult:
		if p.Content != "" {
			fmt.Fprintf(out, "  %s\n", p.Content)
		}
	case events.StateSnapshot:
		if n := len(p.Snapshot.GeneratedCode); n > 0 {
			fmt.Fprintf(out, "generated files: %d\n", n)
		}
	case events.RunFinished:
		fmt.Fprintln(out, "done")
		return true, nil
	case events.RunError:
		return true, fmt.Errorf("%s: %s", p.Code, p.Message)
	}
	return false, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

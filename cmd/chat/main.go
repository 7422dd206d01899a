// dndgpt-chat is a line-oriented terminal client for the dndgpt server.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ashureev/dndgpt/internal/conversation"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type chatOptions struct {
	server  string
	history string
	session string
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts chatOptions
	cmd := &cobra.Command{
		Use:   "dndgpt-chat",
		Short: "Talk to the Dungeon Master from a terminal",
		Long: `Each line typed is sent as a question and the reply is printed as it streams.

Commands:
  /monster  roll a random monster for this session
  /reset    start a new game
  /quit     exit`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), opts, os.Stdin, cmd.OutOrStdout())
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true

	flags := cmd.Flags()
	flags.StringVarP(&opts.server, "server", "s", envOr("DNDGPT_SERVER", "http://localhost:8000"), "server base URL")
	flags.StringVar(&opts.history, "history", envOr("DNDGPT_HISTORY", "./data/chat-history.db"), "local history file")
	flags.StringVar(&opts.session, "session", "", "tab session id (default: a new random id)")
	return cmd
}

func runChat(ctx context.Context, opts chatOptions, in *os.File, out io.Writer) error {
	storage, err := conversation.NewSQLiteStorage(opts.history)
	if err != nil {
		return err
	}
	defer func() { _ = storage.Close() }()

	reducer, err := conversation.NewReducer(storage)
	if err != nil {
		return err
	}
	if opts.session == "" {
		opts.session = uuid.NewString()
	}
	session := conversation.NewSession(reducer, conversation.NewClient(opts.server, opts.session))

	for _, m := range reducer.Conversation() {
		printMessage(out, string(m.Role), m.Content)
	}

	interactive := term.IsTerminal(int(in.Fd()))
	scanner := bufio.NewScanner(in)
	for {
		if interactive {
			fmt.Fprint(out, "> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			if err := session.Reset(ctx); err != nil {
				fmt.Fprintf(out, "Reset failed: %v\n", err)
				continue
			}
			fmt.Fprintln(out, "Conversation reset.")
		case "/monster":
			if _, err := session.RandomMonster(ctx); err != nil {
				slog.Warn("Monster fetch failed", "error", err)
			}
			conv := reducer.Conversation()
			if last, ok := conv.Last(); ok {
				printMessage(out, string(last.Role), last.Content)
			}
		default:
			ask(ctx, session, line, out)
		}
	}
}

// ask streams one reply. An interrupt cancels only the reply in flight;
// failures are already folded into the conversation as the fallback message.
func ask(ctx context.Context, session *conversation.Session, line string, out io.Writer) {
	askCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := session.Send(askCtx, line, func(fragment string) {
		fmt.Fprint(out, fragment)
	})
	fmt.Fprintln(out)
	switch {
	case err == nil, errors.Is(err, conversation.ErrEmptyDraft), errors.Is(err, conversation.ErrBusy):
	case askCtx.Err() != nil && ctx.Err() == nil:
		fmt.Fprintln(out, "(interrupted)")
	default:
		slog.Warn("Reply failed", "error", err)
		fmt.Fprintln(out, conversation.FallbackMessage)
	}
}

func printMessage(out io.Writer, role, content string) {
	fmt.Fprintf(out, "[%s] %s\n", role, content)
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

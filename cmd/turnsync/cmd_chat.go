package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/maruel/turnsync/internal/chat"
	"github.com/maruel/turnsync/internal/event"
	"github.com/maruel/turnsync/internal/kv"
	"github.com/maruel/turnsync/internal/todo"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var chatFlags struct {
	session    string
	newSession bool
	record     string
}

var chatCmd = &cobra.Command{
	Use:   "chat PROMPT...",
	Short: "Send a prompt and stream the agent's turn",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatFlags.session, "session", "", "session to continue (default: the persisted one)")
	chatCmd.Flags().BoolVar(&chatFlags.newSession, "new", false, "start a new session")
	chatCmd.Flags().StringVar(&chatFlags.record, "record", "", "append the raw stream to this file")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	opts := chat.Options{Log: slog.Default(), OnEvent: printEvent(out)}
	if chatFlags.record != "" {
		f, err := os.OpenFile(chatFlags.record, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		opts.Record = f
	}
	e, state, err := newEngine(cfg, opts)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	switch {
	case chatFlags.newSession:
		err = e.SelectSession(ctx, "")
	case chatFlags.session != "":
		err = e.SelectSession(ctx, chatFlags.session)
	default:
		err = e.Load(ctx)
	}
	if err != nil {
		slog.Warn("failed to load history", "err", err)
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	var res chat.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := state.Watch(watchCtx, func() {
			if id := state.Get(kv.KeySessionID); id != e.Store().SessionID() {
				slog.Warn("another client switched session", "session", id)
			}
		})
		if err != nil {
			slog.Warn("failed to watch state file", "path", state.Path(), "err", err)
		}
		return nil
	})
	g.Go(func() error {
		defer stopWatch()
		var err error
		res, err = e.Send(gctx, strings.Join(args, " "))
		return err
	})
	err = g.Wait()
	_, _ = fmt.Fprintln(out)
	if res.Skipped != 0 {
		slog.Warn("dropped malformed frames", "count", res.Skipped)
	}
	slog.Info("turn", "session", res.SessionID, "turn", res.TurnID, "confirmed", res.Confirmed)
	printTodos(out, e)
	return err
}

// printEvent streams the agent's text and tool activity to w.
func printEvent(w io.Writer) func(event.Event) {
	return func(ev event.Event) {
		switch ev.Kind {
		case event.KindTextDelta:
			_, _ = io.WriteString(w, ev.Text.Text)
		case event.KindToolStart:
			_, _ = fmt.Fprintf(w, "\n[%s]\n", ev.ToolStart.Name)
		case event.KindToolResult:
			if ev.ToolResult.IsError {
				_, _ = fmt.Fprintf(w, "[%s failed]\n", ev.ToolResult.ID)
			}
		case event.KindFile:
			_, _ = fmt.Fprintf(w, "\n[file %s: %s]\n", ev.File.Kind, ev.File.Path)
		case event.KindError:
			_, _ = fmt.Fprintf(w, "\n[error: %s]\n", ev.Error.Message)
		}
	}
}

func printTodos(w io.Writer, e *chat.Engine) {
	todos := e.Todos()
	if len(todos) == 0 {
		return
	}
	_, _ = fmt.Fprintln(w, "Todos:")
	for _, t := range todos {
		mark := " "
		switch t.Status {
		case todo.StatusCompleted:
			mark = "x"
		case todo.StatusInProgress:
			mark = ">"
		}
		_, _ = fmt.Fprintf(w, "%s[%s] %s\n", strings.Repeat("  ", strings.Count(t.Level, ".")), mark, t.Content)
	}
}

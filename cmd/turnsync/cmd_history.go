package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/maruel/turnsync/internal/chat"
	"github.com/spf13/cobra"
)

var historyFlags struct {
	session string
	older   int
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print a session's confirmed messages",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyFlags.session, "session", "", "session to print (default: the persisted one)")
	historyCmd.Flags().IntVar(&historyFlags.older, "older", 0, "number of older pages to load")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e, _, err := newEngine(cfg, chat.Options{Log: slog.Default()})
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if historyFlags.session != "" {
		err = e.SelectSession(ctx, historyFlags.session)
	} else {
		err = e.Load(ctx)
	}
	if err != nil {
		return err
	}
	if e.Store().SessionID() == "" {
		return errors.New("no session; pass --session")
	}
	for range historyFlags.older {
		more, err := e.LoadOlder(ctx)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	w := cmd.OutOrStdout()
	tl := e.Timeline()
	for _, m := range tl.Messages {
		_, _ = fmt.Fprintf(w, "%s %s [%s] %s\n", m.Timestamp.Format("2006-01-02 15:04:05"), m.Sender, m.TurnID, m.State)
		if m.Text != "" {
			_, _ = fmt.Fprintf(w, "  %s\n", m.Text)
		}
		for _, inv := range m.ToolInvocations {
			_, _ = fmt.Fprintf(w, "  %s %s\n", inv.Name, inv.Status)
		}
	}
	_, _ = fmt.Fprintf(w, "%d of %d messages", len(tl.Messages), tl.Total)
	if tl.HasMore {
		_, _ = fmt.Fprint(w, " (more available)")
	}
	_, _ = fmt.Fprintln(w)
	if sel := e.Store().SelectedTurn(); sel != "" {
		_, _ = fmt.Fprintf(w, "selected turn: %s\n", sel)
	}
	printTodos(w, e)
	return nil
}

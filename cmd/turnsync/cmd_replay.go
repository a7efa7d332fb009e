package main

import (
	"encoding/json"
	"log/slog"
	"os"

	"github.com/maruel/turnsync/internal/chat"
	"github.com/maruel/turnsync/internal/conversation"
	"github.com/maruel/turnsync/internal/kv"
	"github.com/maruel/turnsync/internal/todo"
	"github.com/maruel/turnsync/internal/toolcall"
	"github.com/spf13/cobra"
)

var replayCmd = &cobra.Command{
	Use:   "replay FILE",
	Short: "Reconcile a recorded stream offline and print the resulting state",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
}

type replayOutput struct {
	Result      chat.Result           `json:"result"`
	Timeline    conversation.Timeline `json:"timeline"`
	Todos       []todo.Entry          `json:"todos"`
	Invocations []toolcall.Invocation `json:"invocations"`
}

func runReplay(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	store := conversation.New(kv.NewMemory(), conversation.DefaultPageSize, slog.Default())
	e := chat.New(store, nil, chat.Options{Log: slog.Default()})
	res, err := e.Consume(cmd.Context(), store.Scope(), f)
	if err != nil {
		slog.Warn("replay ended early", "err", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(replayOutput{
		Result:      res,
		Timeline:    e.Timeline(),
		Todos:       e.Todos(),
		Invocations: e.Invocations(),
	})
}

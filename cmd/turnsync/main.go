// Command turnsync is a terminal client for an agent chat backend.
//
// It streams the agent's turns, tracks tool calls and the agent's todo list,
// and reconciles every turn against the server's history.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"

	"github.com/lmittmann/tint"
	"github.com/maruel/turnsync/internal/api"
	"github.com/maruel/turnsync/internal/chat"
	"github.com/maruel/turnsync/internal/config"
	"github.com/maruel/turnsync/internal/conversation"
	"github.com/maruel/turnsync/internal/kv"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var flags struct {
	config    string
	baseURL   string
	stateFile string
	logLevel  string
}

var rootCmd = &cobra.Command{
	Use:           "turnsync",
	Short:         "Stream and reconcile agent chat turns",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.config, "config", "", "config file (default "+config.DefaultPath()+")")
	pf.StringVar(&flags.baseURL, "base-url", "", "backend base URL")
	pf.StringVar(&flags.stateFile, "state-file", "", "file persisting the selected session")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

// loadConfig loads the configuration and applies the command line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flags.config)
	if err != nil {
		return nil, err
	}
	if flags.baseURL != "" {
		cfg.BaseURL = flags.baseURL
	}
	if flags.stateFile != "" {
		cfg.StateFile = flags.stateFile
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	initLogging(cfg.LogLevel)
	return cfg, nil
}

// newClient returns the backend client. The timeout bounds the wait for
// response headers only; the chat stream itself is long lived.
func newClient(cfg *config.Config) *api.Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = cfg.RequestTimeout.Duration
	c := api.New(cfg.BaseURL, &http.Client{Transport: t}, slog.Default())
	c.RequestEncoding = cfg.RequestEncoding
	return c
}

// newEngine opens the state file and wires the engine to the backend.
func newEngine(cfg *config.Config, opts chat.Options) (*chat.Engine, *kv.File, error) {
	f, err := kv.OpenFile(cfg.StateFile)
	if err != nil {
		return nil, nil, err
	}
	store := conversation.New(f, cfg.HistoryPageSize, slog.Default())
	return chat.New(store, newClient(cfg), opts), f, nil
}

// initLogging installs a tint handler on stderr. Empty strings, zero numbers
// and nil values are dropped so call sites can pass optional attributes
// unconditionally. Timestamps are omitted under systemd.
func initLogging(level string) {
	var ll slog.Level
	if err := ll.UnmarshalText([]byte(level)); err != nil {
		ll = slog.LevelInfo
	}
	noTime := os.Getenv("JOURNAL_STREAM") != ""
	slog.SetDefault(slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if noTime && len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			if isEmpty(a.Value) {
				return slog.Attr{}
			}
			return a
		},
	})))
}

func isEmpty(v slog.Value) bool {
	switch v.Kind() {
	case slog.KindString:
		return v.String() == ""
	case slog.KindInt64:
		return v.Int64() == 0
	case slog.KindDuration:
		return v.Duration() == 0
	case slog.KindAny:
		return v.Any() == nil
	default:
		return false
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "turnsync: %v\n", err)
		os.Exit(1)
	}
}

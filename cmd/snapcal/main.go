package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"

	appLog "snapcal/internal/log"
)

// Options are the global flags shared by every command.
type Options struct {
	Config   string `short:"c" long:"config" env:"SNAPCAL_CONFIG" description:"Path to config file (default ~/.config/snapcal/config.yaml)"`
	LogLevel string `long:"log-level" env:"SNAPCAL_LOG_LEVEL" description:"Log level (debug, info, warn, error); overrides config"`

	OpenAIKey string `long:"openai-key" env:"OPENAI_API_KEY" description:"OpenAI API key for this run; not saved"`
	GeminiKey string `long:"gemini-key" env:"GEMINI_API_KEY" description:"Gemini API key for this run; not saved"`

	Extract extractCommand `command:"extract" description:"Extract one event from text, an image or a web page"`
	Import  importCommand  `command:"import" description:"Store the events of an iCalendar file without calling a provider"`
	Models  modelsCommand  `command:"models" description:"List or refresh provider model catalogs"`
	Key     keyCommand     `command:"key" description:"Save a provider API key to the config file"`
	Serve   serveCommand   `command:"serve" description:"Run the HTTP API"`
	Logs    logsCommand    `command:"logs" description:"Show or clear the diagnostic log"`
}

// env is what commands share besides flags.
type env struct {
	ctx  context.Context
	opts *Options
	out  io.Writer
}

func newParser(ctx context.Context, out io.Writer) *flags.Parser {
	opts := &Options{}
	e := &env{ctx: ctx, opts: opts, out: out}
	opts.Extract.env = e
	opts.Import.env = e
	opts.Models.env = e
	opts.Key.env = e
	opts.Serve.env = e
	opts.Logs.env = e

	return flags.NewParser(opts, flags.HelpFlag|flags.PassDoubleDash)
}

func main() {
	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	parser := newParser(ctx, os.Stdout)
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			return
		}
		fmt.Fprintln(os.Stderr, "snapcal:", err)
		os.Exit(1)
	}
}

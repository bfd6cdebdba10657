package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-ime/internal/capture"
	"github.com/loqalabs/loqa-ime/internal/config"
	"github.com/loqalabs/loqa-ime/internal/engine"
	"github.com/loqalabs/loqa-ime/internal/runtime"
	"github.com/loqalabs/loqa-ime/internal/session"
	"github.com/loqalabs/loqa-ime/internal/sink"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "transcribe":
		err = runTranscribe(os.Args[2:], os.Stdout, os.Stderr)
	case "validate":
		err = runValidate(os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(version)
	case "-h", "--help", "help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `usage: loqa-ime <command> [flags]

commands:
  transcribe  run one dictation session over a WAV file and print the committed text
              (-live prints rolling subtitles instead)
  validate    load and validate a configuration file
  version     print the version`)
}

func runValidate(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	configPath := fs.String("config", "loqa-ime.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: ok (capture=%s engine=%s chunk=%d samples)\n",
		*configPath, cfg.Capture.Mode, cfg.Engine.Mode, cfg.Session.ChunkSamples())
	return nil
}

func runTranscribe(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("transcribe", flag.ContinueOnError)
	configPath := fs.String("config", "", "Optional configuration file")
	engineMode := fs.String("engine", "", "Override engine.mode (mock, exec, whisper)")
	realtime := fs.Bool("realtime", false, "Pace the file at real-time speed")
	verbose := fs.Bool("v", false, "Log status and partial results to stderr")
	live := fs.Bool("live", false, "Print live subtitles as they update instead of a committed transcript")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("transcribe needs exactly one WAV file")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	cfg.Capture.Mode = "wav"
	cfg.Capture.File = fs.Arg(0)
	cfg.Capture.Realtime = *realtime
	if *engineMode != "" {
		cfg.Engine.Mode = *engineMode
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger := runtime.NewLogger(level, stderr)

	src, err := capture.New(cfg.Capture, nil, logger)
	if err != nil {
		return err
	}
	loader, err := engine.New(cfg.Engine, cfg.Session.SampleRate, logger)
	if err != nil {
		return err
	}
	if c, ok := loader.(io.Closer); ok {
		defer c.Close()
	}

	var (
		committed string
		failure   error
	)
	result := session.SinkFuncs{
		Status: func(u session.Update) {
			if u.Terminal && u.Err != nil {
				failure = u.Err
			}
		},
		Commit: func(u session.Update) { committed = u.Text },
	}
	if *live {
		result.Partial = func(u session.Update) { fmt.Fprintln(stdout, u.Text) }
	}
	coord := session.New(src, loader, session.MultiSink{sink.NewLog(logger), result}, session.OptionsFromConfig(cfg.Session), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := coord.Start
	if *live {
		start = coord.StartLive
	}
	h, err := start(ctx)
	if err != nil {
		coord.Close()
		return err
	}
	select {
	case <-h.Done():
	case <-ctx.Done():
		coord.Cancel()
	}
	// Close drains the dispatcher, so the sink callbacks above have run.
	coord.Close()

	if failure != nil {
		return failure
	}
	if ctx.Err() != nil {
		return errors.New("cancelled")
	}
	if *live {
		logger.Debug("live transcription finished", slog.String("file", cfg.Capture.File))
		return nil
	}
	logger.Debug("transcription committed", slog.String("file", cfg.Capture.File), slog.Int("chars", len(committed)))
	fmt.Fprintln(stdout, committed)
	return nil
}

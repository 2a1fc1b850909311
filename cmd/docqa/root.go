package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/brunobiangulo/docqa"
)

var (
	cfgFile      string
	docPath      string
	logLevel     string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "docqa",
	Short: "Ask questions about a PDF and get page-cited answers with figures",
	Long: `docqa answers questions strictly from one PDF document.

The whole document text, marked with page boundaries, is sent to the
language model with rules to answer only from it and to cite the page
as [PAGE: N]. The rendered images of the cited page come back with
the answer: cropped figures when the page has any, otherwise the full
page.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := parseLevel(logLevel)
		if err != nil {
			return err
		}
		switch cmd.Name() {
		case "serve":
			setupLogging(os.Stdout, level, true)
		case "chat":
			// The TUI owns the terminal.
			setupLogging(io.Discard, level, false)
		default:
			setupLogging(os.Stderr, level, false)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./docqa.yaml or ~/.docqa/docqa.yaml)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&docPath, "doc", "d", "", "PDF document (overrides document_path)",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "info", "log level: debug, info, warn or error",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "", "output format: text, yaml or json",
	)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid --log-level %q", s)
	}
	return level, nil
}

func setupLogging(w io.Writer, level slog.Level, json bool) {
	opts := &slog.HandlerOptions{Level: level}
	if json {
		slog.SetDefault(slog.New(slog.NewJSONHandler(w, opts)))
		return
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, opts)))
}

// loadConfig reads the configuration and applies command-line overrides.
func loadConfig() (docqa.Config, error) {
	cfg, err := docqa.LoadConfig(cfgFile)
	if err != nil {
		return cfg, err
	}
	if docPath != "" {
		cfg.DocumentPath = docPath
	}
	return cfg, nil
}

// openEngine loads the configuration and starts an engine with the
// configured document loaded.
func openEngine() (docqa.Engine, docqa.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, cfg, err
	}
	engine, err := newEngine(cfg)
	return engine, cfg, err
}

func newEngine(cfg docqa.Config) (docqa.Engine, error) {
	engine, err := docqa.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	return engine, nil
}

// requireDocument fails when the engine has no usable document, which only
// the server and the chat can tolerate.
func requireDocument(engine docqa.Engine, cfg docqa.Config) error {
	if !engine.Document().IsEmpty() {
		return nil
	}
	if cfg.DocumentPath == "" {
		return fmt.Errorf("%w: set document_path or pass --doc", docqa.ErrNoDocument)
	}
	return fmt.Errorf("%w: %s could not be indexed", docqa.ErrNoDocument, cfg.DocumentPath)
}

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/randalmurphal/lessonflow/pkg/lessonflow/config"
)

const defaultEnvFile = ".env"

// app carries the global flags and what PersistentPreRunE builds from them.
type app struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string

	settings config.Settings
	logger   *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "lessonflow",
		Short:        "Generate accessible lesson plans",
		Long:         "lessonflow drafts, validates, refines, and exports lesson plans with an LLM.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Path to a YAML or JSON settings file")
	flags.StringVar(&a.envFile, "env-file", defaultEnvFile, "Environment file loaded before settings")
	flags.StringVar(&a.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.StringVar(&a.logFormat, "log-format", "console", "Log format (console or json)")

	root.AddCommand(newServeCmd(a))
	root.AddCommand(newGenerateCmd(a))
	root.AddCommand(newRunsCmd(a))
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	if err := loadEnvFile(a.envFile, cmd.Flags().Changed("env-file")); err != nil {
		return err
	}

	logger, err := newLogger(cmd.ErrOrStderr(), a.logFormat, a.logLevel)
	if err != nil {
		return err
	}
	a.logger = logger
	slog.SetDefault(logger)

	a.settings, err = config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	return nil
}

// loadEnvFile loads path into the environment without overriding variables
// already set. A missing default file is not an error.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err == nil || (!explicit && errors.Is(err, os.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("load env file %s: %w", path, err)
}

// newLogger builds a slog logger backed by zerolog.
func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	var zl zerolog.Logger
	switch strings.ToLower(format) {
	case "", "console":
		zl = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Stamp})
	case "json":
		zl = zerolog.New(w)
	default:
		return nil, fmt.Errorf("invalid log format %q (want console or json)", format)
	}
	zl = zl.With().Timestamp().Logger()

	return slog.New(zeroslog.NewHandler(zl, &zeroslog.HandlerOptions{Level: lvl})), nil
}

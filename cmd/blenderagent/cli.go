package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/martinemde/blenderagent/config"
)

// logFormatAnnotation marks commands that log JSON instead of console text.
const logFormatAnnotation = "log-format"

// cliState is shared by every command of one invocation.
type cliState struct {
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
}

func executeCLI() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	return buildRootCommand().ExecuteContext(ctx)
}

func buildRootCommand() *cobra.Command {
	state := &cliState{}

	root := &cobra.Command{
		Use:   "blenderagent",
		Short: "Conversational agent that models in Blender through the bridge add-on",
		Long: strings.TrimSpace(`blenderagent turns natural-language requests into Python that runs inside
Blender. It streams model output, calls tools on the Blender bridge add-on and
can ground answers in a Qdrant knowledge base.

Run "blenderagent chat" for an interactive session or "blenderagent serve" to
expose the agent over a local websocket.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(state.configPath)
			if err != nil {
				return err
			}
			state.cfg = cfg

			logger, err := newLogger(cfg.Log.Level, state.verbose, cmd.Annotations[logFormatAnnotation] == "json")
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			state.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if state.logger != nil {
				_ = state.logger.Sync()
			}
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&state.configPath, "config", "c", config.DefaultPath(), "Path to the config file")
	root.PersistentFlags().BoolVarP(&state.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(newChatCommand(state))
	root.AddCommand(newServeCommand(state))
	root.AddCommand(newToolsCommand(state))
	root.AddCommand(newMemoryCommand(state))
	root.AddCommand(newKBCommand(state))
	root.AddCommand(newModelsCommand())
	root.AddCommand(newConfigCommand(state))
	root.AddCommand(newCheckCommand(state))

	return root
}

// newLogger builds a production zap logger. Console output is limited to
// warnings unless verbose is set.
func newLogger(level string, verbose, jsonFormat bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	if verbose {
		lvl = zapcore.DebugLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	if !jsonFormat {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		cfg.Sampling = nil
		if !verbose && lvl < zapcore.WarnLevel {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		}
	}
	return cfg.Build()
}

// interruptContext is cancelled on Ctrl-C as well as when parent is done.
func interruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt)
}

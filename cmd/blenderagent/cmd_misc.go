package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/blenderagent/bridge"
	"github.com/martinemde/blenderagent/config"
	"github.com/martinemde/blenderagent/knowledge"
	"github.com/martinemde/blenderagent/unifiedllm"
)

const checkTimeout = 10 * time.Second

func newModelsCommand() *cobra.Command {
	var (
		provider string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List known models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			models := unifiedllm.ListModels(provider)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(models)
			}
			printModels(cmd.OutOrStdout(), models)
			return nil
		},
	}
	cmd.Flags().StringVarP(&provider, "provider", "p", "", "Only list models of this provider")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func printModels(w io.Writer, models []unifiedllm.ModelInfo) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROVIDER\tCONTEXT\tTOOLS\tVISION\tDEFAULT")
	for _, m := range models {
		def := ""
		if m.ID == unifiedllm.DefaultModel {
			def = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", m.ID, m.Provider, m.ContextWindow, yesNo(m.SupportsTools), yesNo(m.SupportsVision), def)
	}
	_ = tw.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func newConfigCommand(state *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the config file",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.JSONSchema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(state.cfg.Redacted()); err != nil {
				return err
			}
			return enc.Close()
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ExpandHome(state.configPath)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(path, config.DefaultConfig()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	cmd.AddCommand(initCmd)

	return cmd
}

// checkResult is one line of `check` output.
type checkResult struct {
	name   string
	ok     bool
	detail string
}

func newCheckCommand(state *cliState) *cobra.Command {
	var probeModel bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check the bridge, knowledge base and model credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			results := []checkResult{
				checkBridge(ctx, state),
				checkKnowledge(ctx, state),
				checkModel(ctx, state, probeModel),
			}

			failed := 0
			for _, r := range results {
				status := "ok"
				if !r.ok {
					status = "FAIL"
					failed++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s %-4s %s\n", r.name, status, r.detail)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d checks failed", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&probeModel, "probe", false, "Send a one-line request to the model")
	return cmd
}

func checkBridge(ctx context.Context, state *cliState) checkResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	client := newBridgeClient(state.cfg, state.logger)
	monitor := bridge.NewMonitor(client, state.cfg.Bridge.HealthInterval, state.logger, nil, nil)
	if !monitor.Check(ctx) {
		return checkResult{name: "blender bridge", detail: "offline at " + client.BaseURL()}
	}
	return checkResult{name: "blender bridge", ok: true, detail: "online at " + client.BaseURL()}
}

func checkKnowledge(ctx context.Context, state *cliState) checkResult {
	const name = "knowledge base"
	if !state.cfg.Qdrant.Enabled {
		return checkResult{name: name, ok: true, detail: "disabled"}
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	store, err := knowledge.NewStore(state.cfg.KnowledgeConfig(), state.logger)
	if err != nil {
		return checkResult{name: name, detail: err.Error()}
	}
	defer store.Close()
	names, err := store.ListCollections(ctx)
	if err != nil {
		return checkResult{name: name, detail: err.Error()}
	}
	for _, n := range names {
		if n == state.cfg.Qdrant.Collection {
			return checkResult{name: name, ok: true, detail: "collection " + n + " found"}
		}
	}
	return checkResult{name: name, ok: true, detail: "collection " + state.cfg.Qdrant.Collection + " will be created on first use"}
}

func checkModel(ctx context.Context, state *cliState, probe bool) checkResult {
	const name = "model"
	llmCfg := state.cfg.LLM
	if llmCfg.APIKey == "" && llmCfg.Provider == "gemini" {
		return checkResult{name: name, detail: "GEMINI_API_KEY is not set"}
	}
	detail := llmCfg.Provider + "/" + llmCfg.Model
	if !probe {
		return checkResult{name: name, ok: true, detail: detail + " (credentials present)"}
	}

	ctx, cancel := context.WithTimeout(ctx, 3*checkTimeout)
	defer cancel()
	client, err := newLLMClient(ctx, llmCfg, state.logger)
	if err != nil {
		return checkResult{name: name, detail: err.Error()}
	}
	defer client.Close()

	maxTokens := 16
	resp, err := client.Complete(ctx, unifiedllm.Request{
		Model:     llmCfg.Model,
		Messages:  []unifiedllm.Message{unifiedllm.UserMessage("Reply with the single word OK.")},
		MaxTokens: &maxTokens,
	})
	if err != nil {
		var cfgErr *unifiedllm.ConfigurationError
		if errors.As(err, &cfgErr) {
			return checkResult{name: name, detail: "misconfigured: " + cfgErr.Error()}
		}
		return checkResult{name: name, detail: err.Error()}
	}
	return checkResult{name: name, ok: true, detail: detail + " answered " + strconv.Quote(resp.Text())}
}

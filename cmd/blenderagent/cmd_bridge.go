package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func newToolsCommand(state *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Manage custom tools saved in Blender",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List custom tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tools, err := newBridgeClient(state.cfg, state.logger).FetchTools(cmd.Context())
			if err != nil {
				return err
			}
			printTools(cmd.OutOrStdout(), tools)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "delete <trigger>",
		Short:   "Delete a custom tool by trigger",
		Example: "  blenderagent tools delete make_donut",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newBridgeClient(state.cfg, state.logger).DeleteTool(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted tool %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func newMemoryCommand(state *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Show or replace the agent's persistent memory",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the persistent memory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			memory, err := newBridgeClient(state.cfg, state.logger).FetchMemory(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), memory)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [text]",
		Short: "Replace the persistent memory",
		Long:  "Replace the persistent memory with the given text, or with standard input when the text is \"-\".",
		Example: strings.Join([]string{
			"  blenderagent memory set \"Prefers metric units\"",
			"  blenderagent memory set - < memory.txt",
		}, "\n"),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if text == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read memory from stdin: %w", err)
				}
				text = string(data)
			}
			if err := newBridgeClient(state.cfg, state.logger).OverwriteMemory(cmd.Context(), text); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Memory updated.")
			return nil
		},
	})
	return cmd
}

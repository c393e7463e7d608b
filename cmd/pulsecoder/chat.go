package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hua-bang/pulse-coder-sub000/internal/cli"
	"github.com/hua-bang/pulse-coder-sub000/internal/config"
)

// buildChatCmd creates the "chat" command, an interactive terminal REPL.
func buildChatCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent from the terminal",
		Long: `Start an interactive chat session.

Slash commands (/new, /resume, /compact, /status, ...) work the same
as in the webhook channels. Ctrl-C aborts an in-flight run; at the
prompt it exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	return cmd
}

func runChat(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// The terminal handles its own interrupts; runs abort on the first
	// Ctrl-C instead of killing the process.
	rt, err := cli.Build(ctx, cfg, cli.BuildOptions{DisableWatch: true})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			rt.Logger.Warn("runtime close", "error", err)
		}
	}()

	return cli.NewREPL(rt, os.Stdin, os.Stdout).Run(ctx)
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(buildConfigSchemaCmd())
	return cmd
}

// buildConfigSchemaCmd prints the JSON Schema for the YAML config file.
func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(schema))
			return nil
		},
	}
}

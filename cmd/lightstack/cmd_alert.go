package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/HsiangNianian/lightstack-agent/internal/coordinator"
)

type verbFunc func(ctx context.Context, c *coordinator.Coordinator) (json.RawMessage, error)

// runVerb starts a one-shot coordinator, runs fn and prints its result.
func runVerb(cmd *cobra.Command, g *globalFlags, target *entryFlags, fn verbFunc) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	entry, err := target.resolve(cfg)
	if err != nil {
		return err
	}
	log, err := g.logger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	c, err := startOneShot(ctx, entry, cfg.Client, log)
	if err != nil {
		return err
	}
	defer c.Stop()

	result, err := fn(ctx, c)
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), result)
}

func printResult(w io.Writer, result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	var v any
	if err := json.Unmarshal(result, &v); err != nil {
		return err
	}
	return printValue(w, "json", v)
}

func newTriggerCmd(g *globalFlags) *cobra.Command {
	var (
		target   entryFlags
		priority int
		note     string
	)
	cmd := &cobra.Command{
		Use:   "trigger <alert_key>",
		Short: "Trigger an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p *int
			if cmd.Flags().Changed("priority") {
				p = &priority
			}
			return runVerb(cmd, g, &target, func(ctx context.Context, c *coordinator.Coordinator) (json.RawMessage, error) {
				return c.Trigger(ctx, args[0], p, note)
			})
		},
	}
	target.register(cmd)
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "priority 1 (critical) to 5 (info); default is the alert's own")
	cmd.Flags().StringVar(&note, "note", "", "note recorded with the change")
	return cmd
}

func newClearCmd(g *globalFlags) *cobra.Command {
	var (
		target entryFlags
		note   string
	)
	cmd := &cobra.Command{
		Use:   "clear <alert_key>",
		Short: "Clear one alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerb(cmd, g, &target, func(ctx context.Context, c *coordinator.Coordinator) (json.RawMessage, error) {
				return c.Clear(ctx, args[0], note)
			})
		},
	}
	target.register(cmd)
	cmd.Flags().StringVar(&note, "note", "", "note recorded with the change")
	return cmd
}

func newClearAllCmd(g *globalFlags) *cobra.Command {
	var (
		target entryFlags
		note   string
	)
	cmd := &cobra.Command{
		Use:   "clear-all",
		Short: "Clear every active alert",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVerb(cmd, g, &target, func(ctx context.Context, c *coordinator.Coordinator) (json.RawMessage, error) {
				return c.ClearAll(ctx, note)
			})
		},
	}
	target.register(cmd)
	cmd.Flags().StringVar(&note, "note", "", "note recorded with the change")
	return cmd
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/HsiangNianian/lightstack-agent/internal/alertstate"
	"github.com/HsiangNianian/lightstack-agent/internal/config"
	"github.com/HsiangNianian/lightstack-agent/internal/coordinator"
)

type stateOutput struct {
	Entry        string           `json:"entry"`
	CurrentAlert string           `json:"current_alert"`
	AlertActive  bool             `json:"alert_active"`
	Attributes   map[string]any   `json:"attributes"`
	State        alertstate.State `json:"state"`
}

func newStateCmd(g *globalFlags) *cobra.Command {
	var (
		target entryFlags
		output string
	)
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Print the current alert state of a server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if output != "json" && output != "yaml" {
				return fmt.Errorf("unsupported output %q (json or yaml)", output)
			}
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
			return runState(cmd.Context(), cmd.OutOrStdout(), entry, cfg.Client, output, log)
		},
	}
	target.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format: json or yaml")
	return cmd
}

func runState(ctx context.Context, w io.Writer, entry config.Entry, client config.ClientConfig, output string, log zerolog.Logger) error {
	c, err := startOneShot(ctx, entry, client, log)
	if err != nil {
		return err
	}
	defer c.Stop()

	st := c.Snapshot()
	return printValue(w, output, stateOutput{
		Entry:        entry.ID,
		CurrentAlert: st.CurrentAlertValue(),
		AlertActive:  st.AlertActive(),
		Attributes:   st.Attributes(),
		State:        st,
	})
}

// startOneShot starts a coordinator for a single command and fails fast
// when the server is unreachable.
func startOneShot(ctx context.Context, entry config.Entry, client config.ClientConfig, log zerolog.Logger) (*coordinator.Coordinator, error) {
	c := coordinator.New(coordinator.ConfigFor(entry, client, nil, log))
	if err := c.Start(ctx); err != nil {
		c.Stop()
		return nil, err
	}
	return c, nil
}

// printValue writes v as indented JSON, or as YAML with the JSON field names.
func printValue(w io.Writer, output string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output failed: %w", err)
	}
	if output != "yaml" {
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return fmt.Errorf("encode output failed: %w", err)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return fmt.Errorf("encode output failed: %w", err)
	}
	return enc.Close()
}

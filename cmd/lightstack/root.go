package main

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/HsiangNianian/lightstack-agent/internal/config"
	"github.com/HsiangNianian/lightstack-agent/internal/logging"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	pretty     bool
}

// loadConfig reads the config file and applies flag overrides.
func (g *globalFlags) loadConfig() (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.pretty {
		cfg.Log.Pretty = true
	}
	return cfg, nil
}

func (g *globalFlags) logger(cfg config.Config, w io.Writer) (zerolog.Logger, error) {
	return logging.New(cfg.Log, w)
}

// newRootCmd creates the root command with all subcommands attached.
func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "lightstack",
		Short:         "LightStack alert agent",
		Long:          "lightstack keeps a live connection to LightStack servers, mirrors their alert state\nand exposes the alert service verbs over HTTP and the command line.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "config file (.json, .hujson, .yaml)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&g.pretty, "pretty", false, "human readable console logs")

	cmd.AddCommand(
		newServeCmd(g),
		newCheckCmd(g),
		newStateCmd(g),
		newTriggerCmd(g),
		newClearCmd(g),
		newClearAllCmd(g),
	)
	return cmd
}

// entryFlags select which server a one-shot command talks to.
type entryFlags struct {
	id   string
	host string
	port int
}

func (e *entryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&e.id, "entry", "", "configured entry id (default: first entry)")
	cmd.Flags().StringVar(&e.host, "host", "", "server host, overrides --entry")
	cmd.Flags().IntVar(&e.port, "port", config.DefaultPort, "server port, used with --host")
}

// resolve picks the target entry: explicit host, then entry id, then the
// first configured entry, then localhost.
func (e *entryFlags) resolve(cfg config.Config) (config.Entry, error) {
	if e.host != "" {
		return config.Entry{ID: e.host, Host: e.host, Port: e.port}, nil
	}
	if e.id != "" {
		entry, ok := cfg.Entry(e.id)
		if !ok {
			return config.Entry{}, fmt.Errorf("entry %q not found in config", e.id)
		}
		return entry, nil
	}
	if len(cfg.Entries) > 0 {
		return cfg.Entries[0], nil
	}
	return config.Entry{ID: "default", Host: config.DefaultHost, Port: config.DefaultPort}, nil
}

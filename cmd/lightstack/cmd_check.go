package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/HsiangNianian/lightstack-agent/internal/config"
	"github.com/HsiangNianian/lightstack-agent/internal/ws"
)

func newCheckCmd(g *globalFlags) *cobra.Command {
	var target entryFlags
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify that a LightStack server accepts a connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
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
			return runCheck(cmd.Context(), cmd.OutOrStdout(), entry, cfg.Client, log)
		},
	}
	target.register(cmd)
	return cmd
}

// runCheck connects once, pings and disconnects.
func runCheck(ctx context.Context, w io.Writer, entry config.Entry, client config.ClientConfig, log zerolog.Logger) error {
	s := ws.NewSession(ws.SessionConfig{
		EntryID:        entry.ID,
		URL:            ws.URL(entry.Host, entry.Port),
		ConnectTimeout: client.ConnectTimeout(),
		CommandTimeout: client.CommandTimeout(),
		Logger:         log,
	})
	defer s.Disconnect()

	started := time.Now()
	st, _, err := s.Connect(ctx)
	if err != nil {
		return fmt.Errorf("cannot connect to %s: %w", s.URL(), err)
	}
	s.Listen()
	if !s.Ping(ctx, client.HeartbeatTimeout()) {
		return fmt.Errorf("%s did not answer ping", s.URL())
	}

	fmt.Fprintf(w, "ok %s server_version=%s active_alerts=%d latency=%s\n",
		s.URL(), s.ServerVersion(), st.ActiveCount, time.Since(started).Round(time.Millisecond))
	return nil
}

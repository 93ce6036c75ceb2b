package cli

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"castswap/internal/agent"
	"castswap/internal/publish"
	"castswap/internal/server"
)

type serveOptions struct {
	addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the verifying service",
		Long: `Serve preflight checks, batch token reads, order decoding, the order ledger
and live check streams over HTTP for every enabled network.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address (default server.host:server.port)")

	return cmd
}

func runServe(rootOpts *RootOptions, opts *serveOptions, cmd *cobra.Command) error {
	cfg, logger, err := environment(rootOpts, cmd)
	if err != nil {
		return err
	}
	if cfg.Server.JWTSecret == "" {
		return NewExitError(ExitCommandError, "server.jwtSecret or JWT_SECRET is required")
	}

	names := make([]string, 0, len(cfg.Networks))
	for name, network := range cfg.Networks {
		if network.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return NewExitError(ExitCommandError, "no enabled networks")
	}

	var networks []server.Network
	for _, name := range names {
		rt, err := agent.Dial(cfg, name, logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to prepare network", err)
		}
		defer rt.Close()
		networks = append(networks, server.Network{Config: *rt.Network, Checker: rt.Engine, Tokens: rt.Reader})
	}

	repo, closeRepo, err := openLedger(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	var relay server.Relay
	if cfg.NATS.URL != "" {
		client, err := publish.ConnectNATS(cfg.NATS, logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to connect to NATS", err)
		}
		defer client.Close()
		relay = client
	}

	srv, err := server.New(server.Options{
		Networks:        networks,
		Repo:            repo,
		Relay:           relay,
		JWTSecret:       cfg.Server.JWTSecret,
		RefreshInterval: cfg.RefreshInterval(),
		Logger:          logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build server", err)
	}

	addr := opts.addr
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	logger.WithFields(logrus.Fields{
		"component": "serve",
		"networks":  names,
		"ledger":    repo != nil,
		"relay":     relay != nil,
	}).Info("🚀 starting verifying service")

	ctx, stop := withSignals(commandContext(cmd))
	defer stop()
	return srv.Run(ctx, addr)
}

package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/tractjoin/internal/scheduler"
	"github.com/sells-group/tractjoin/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve datasets, joins and history over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer env.Close()

		strategy, err := scheduler.ParseStrategy(cfg.Server.Strategy)
		if err != nil {
			return err
		}
		srv := server.New(env.Catalog, env.Store,
			server.WithDefaultStrategy(strategy),
			server.WithDefaultThreads(cfg.Server.Threads),
		)
		return server.Start(ctx, srv.Handler(), resolvePort(servePort, cfg.Server.Port))
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func resolvePort(flag, configured int) int {
	if flag != 0 {
		return flag
	}
	return configured
}

package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/thejchap/smolfaas"
	"github.com/thejchap/smolfaas/internal/server"
	"github.com/thejchap/smolfaas/internal/store"
)

const shutdownTimeout = 10 * time.Second

func getServeCmd(c *rootCommand) *cobra.Command {
	var (
		addr        string
		sqliteURL   string
		noSnapshots bool
	)
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := c.cfg
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("sqlite-url") {
				cfg.SQLiteURL = sqliteURL
			}
			if noSnapshots {
				cfg.Snapshots = false
			}
			logger := c.gs.logger

			st, err := store.Open(cfg.SQLiteURL)
			if err != nil {
				return withExitCode(err, exitInvalidConfig)
			}
			defer func() { _ = st.Close() }()

			stop, err := c.startPlatform()
			if err != nil {
				return err
			}
			defer stop()

			hub := server.NewLogHub(logger)
			defer hub.Close()
			rt, err := smolfaas.New(cfg.Core(), smolfaas.WithLogger(logger), smolfaas.WithLogSink(hub))
			if err != nil {
				return withExitCode(err, exitInvalidConfig)
			}
			defer func() { _ = rt.Close() }()

			info, err := smolfaas.Engine()
			if err != nil {
				return withExitCode(err, exitEngine)
			}
			srv := server.New(rt, st, server.Options{Snapshots: cfg.Snapshots, Logger: logger, Logs: hub}).HTTPServer(cfg.Addr)

			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe() }()
			logger.WithFields(logrus.Fields{
				"addr":     cfg.Addr,
				"engine":   info.Name,
				"build_id": info.BuildID,
				"pool":     cfg.PoolCapacity,
			}).Info("serving")

			select {
			case err := <-errc:
				return err
			case <-c.gs.ctx.Done():
			}
			logger.Info("shutting down")
			// log tail connections never finish on their own
			hub.Close()
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				return err
			}
			if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	flags := serveCmd.Flags()
	flags.StringVar(&addr, "addr", "", "listen address (default $SMOLFAAS_ADDR or :8000)")
	flags.StringVar(&sqliteURL, "sqlite-url", "", "database file (default $SMOLFAAS_SQLITE_URL or db.sqlite3)")
	flags.BoolVar(&noSnapshots, "no-snapshots", false, "do not precompute snapshots on deploy")
	return serveCmd
}

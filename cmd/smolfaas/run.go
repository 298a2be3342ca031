package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/thejchap/smolfaas"
)

func getRunCmd(c *rootCommand) *cobra.Command {
	var (
		payload     string
		useSnapshot bool
		query       string
	)
	runCmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Run a function locally",
		Long: `Run a function locally and print its result.

FILE is either module source or a snapshot made by "smolfaas snapshot".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return withExitCode(err, exitInvalidArgs)
			}

			stop, err := c.startPlatform()
			if err != nil {
				return err
			}
			defer stop()

			logger := c.gs.logger
			rt, err := smolfaas.New(c.cfg.Core(),
				smolfaas.WithLogger(logger),
				smolfaas.WithLogSink(smolfaas.LogSinkFunc(func(e smolfaas.LogEntry) {
					fmt.Fprintf(c.gs.stderr, "[%s] %s\n", e.Level, e.Message)
				})),
			)
			if err != nil {
				return withExitCode(err, exitInvalidConfig)
			}
			defer func() { _ = rt.Close() }()

			req := smolfaas.Request{
				FunctionID:   filepath.Base(args[0]),
				DeploymentID: "local",
				Payload:      payload,
			}
			switch {
			case smolfaas.IsSnapshot(data):
				req.Snapshot = data
			case useSnapshot:
				if req.Snapshot, err = rt.CompileToSnapshot(string(data)); err != nil {
					return err
				}
				logger.WithField("bytes", len(req.Snapshot)).Debug("created snapshot")
			default:
				req.Source = string(data)
			}

			res, err := rt.InvokeRequest(c.gs.ctx, req)
			if err != nil {
				return err
			}
			logger.WithField("duration", res.Duration).Debug("invocation finished")
			return printJSON(c.gs.stdout, []byte(res.JSON), query)
		},
	}
	flags := runCmd.Flags()
	flags.StringVarP(&payload, "payload", "p", "", "JSON payload passed to the function")
	flags.BoolVar(&useSnapshot, "snapshot", false, "go through a snapshot before invoking")
	flags.StringVarP(&query, "query", "q", "", "print only the value at this path of the result")
	return runCmd
}

func getSnapshotCmd(c *rootCommand) *cobra.Command {
	var out string
	snapshotCmd := &cobra.Command{
		Use:   "snapshot FILE",
		Short: "Compile a function into a snapshot",
		Long: `Evaluate a function's top-level code and write a snapshot that "run"
and the runtime accept in place of the source. Snapshots only load on the
engine build that made them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := os.ReadFile(args[0])
			if err != nil {
				return withExitCode(err, exitInvalidArgs)
			}
			if out == "" {
				out = args[0] + ".snap"
			}

			stop, err := c.startPlatform()
			if err != nil {
				return err
			}
			defer stop()

			rt, err := smolfaas.New(c.cfg.Core(), smolfaas.WithLogger(c.gs.logger))
			if err != nil {
				return withExitCode(err, exitInvalidConfig)
			}
			defer func() { _ = rt.Close() }()

			blob, err := rt.CompileToSnapshot(string(source))
			if err != nil {
				return err
			}
			h, err := rt.InspectSnapshot(blob)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, blob, 0o644); err != nil {
				return err
			}
			c.gs.logger.WithFields(logrus.Fields{
				"engine":   h.Engine,
				"build_id": h.BuildID,
				"bytes":    len(blob),
			}).Infof("wrote %s", out)
			return nil
		},
	}
	snapshotCmd.Flags().StringVarP(&out, "output", "o", "", "output file (default FILE.snap)")
	return snapshotCmd
}

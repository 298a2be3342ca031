package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/thejchap/smolfaas"
	"github.com/thejchap/smolfaas/internal/config"
)

const defaultBaseURL = "http://localhost:8000"

// globalState is everything a command touches outside its own flags, so
// tests can swap it out.
type globalState struct {
	ctx       context.Context
	stdout    io.Writer
	stderr    io.Writer
	stdin     io.Reader
	lookupEnv func(string) (string, bool)
	logger    *logrus.Logger
}

func newGlobalState(ctx context.Context) *globalState {
	return &globalState{
		ctx:       ctx,
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		stdin:     os.Stdin,
		lookupEnv: os.LookupEnv,
		logger: &logrus.Logger{
			Out:       os.Stderr,
			Formatter: new(logrus.TextFormatter),
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.InfoLevel,
		},
	}
}

type rootCommand struct {
	gs        *globalState
	cmd       *cobra.Command
	cfg       config.Config
	verbose   bool
	logLevel  string
	logFormat string
	baseURL   string
}

func newRootCommand(gs *globalState) *rootCommand {
	c := &rootCommand{gs: gs}
	c.cmd = &cobra.Command{
		Use:               "smolfaas",
		Short:             "a tiny functions-as-a-service runtime",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.persistentPreRunE,
	}
	c.cmd.PersistentFlags().AddFlagSet(c.rootCmdPersistentFlagSet())
	c.cmd.AddCommand(
		getServeCmd(c),
		getRunCmd(c),
		getSnapshotCmd(c),
		getInvokeCmd(c),
		getFunctionsCmd(c),
	)
	return c
}

func (c *rootCommand) rootCmdPersistentFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")
	flags.StringVar(&c.logLevel, "log-level", "", "log level (default $SMOLFAAS_LOG_LEVEL or info)")
	flags.StringVar(&c.logFormat, "log-format", "", "log output format, text or json")
	flags.StringVar(&c.baseURL, "base-url", "", "server address for remote commands (default $BASE_URL or "+defaultBaseURL+")")
	return flags
}

func (c *rootCommand) persistentPreRunE(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadFrom(c.gs.lookupEnv)
	if err != nil {
		return withExitCode(err, exitInvalidConfig)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = c.logLevel
	}
	// --verbose wins over --log-level
	if c.verbose {
		cfg.LogLevel = logrus.DebugLevel.String()
	}
	if cmd.Flags().Changed("log-format") {
		cfg.LogFormat = c.logFormat
	}
	if err := cfg.ConfigureLogger(c.gs.logger); err != nil {
		return withExitCode(err, exitInvalidConfig)
	}
	c.cfg = cfg

	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
		if v, ok := c.gs.lookupEnv("BASE_URL"); ok && v != "" {
			c.baseURL = v
		}
	}
	return nil
}

// startPlatform initializes the engine unless something else in the
// process already did. The returned func tears it down again.
func (c *rootCommand) startPlatform() (func(), error) {
	err := smolfaas.InitPlatform()
	if errors.Is(err, smolfaas.ErrPlatformInitialized) {
		return func() {}, nil
	}
	if err != nil {
		return nil, withExitCode(err, exitEngine)
	}
	return func() {
		if err := smolfaas.ShutdownPlatform(); err != nil {
			c.gs.logger.WithError(err).Warn("shutting down platform")
		}
	}, nil
}

func (c *rootCommand) execute() int {
	if err := c.cmd.Execute(); err != nil {
		code := exitCodeOf(err)
		c.gs.logger.WithField("exit_code", code).Error(err)
		return int(code)
	}
	return 0
}

func execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	gs := newGlobalState(ctx)
	code := newRootCommand(gs).execute()
	stop()
	os.Exit(code)
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/PelleKrab/eth-mempool-analysis/internal/config"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to the YAML config; environment variables are used when it does not exist",
		Value:   "config.yaml",
		EnvVars: []string{"FOCIL_CONFIG"},
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "overrides logging.level (debug, info, warn, error)",
	}
	startFlag = &cli.Uint64Flag{Name: "start", Usage: "first block (inclusive), overrides analysis.start_block"}
	endFlag   = &cli.Uint64Flag{Name: "end", Usage: "last block (exclusive), overrides analysis.end_block"}
)

func main() {
	app := &cli.App{
		Name:  "focil-analysis",
		Usage: "counterfactual FOCIL inclusion lists from archived mempool data",
		Flags: []cli.Flag{configFlag, logLevelFlag},
		Commands: []*cli.Command{
			analyzeCommand(),
			runCommand(),
			planCommand(),
			combineCommand(),
			verifyCommand(),
			pingCommand(),
			statusCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		stop()
		os.Exit(1)
	}
}

// setup loads and validates the configuration and builds the logger
func setup(c *cli.Context) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return nil, nil, err
	}
	if level := c.String(logLevelFlag.Name); level != "" {
		cfg.Logging.Level = level
	}
	if c.IsSet(startFlag.Name) {
		cfg.Analysis.StartBlock = c.Uint64(startFlag.Name)
	}
	if c.IsSet(endFlag.Name) {
		cfg.Analysis.EndBlock = c.Uint64(endFlag.Name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func newLogger(cfg config.LoggingConfig) (*logrus.Logger, error) {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: logging.level: %v", config.ErrInvalidConfig, err)
	}
	log.SetLevel(level)

	if cfg.JSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		log.SetOutput(io.MultiWriter(os.Stderr, f))
	}
	return log, nil
}

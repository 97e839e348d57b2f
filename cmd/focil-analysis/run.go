package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/PelleKrab/eth-mempool-analysis/internal/config"
	"github.com/PelleKrab/eth-mempool-analysis/pkg/common"
	"github.com/PelleKrab/eth-mempool-analysis/pkg/focil"
	"github.com/PelleKrab/eth-mempool-analysis/pkg/metrics"
	"github.com/PelleKrab/eth-mempool-analysis/pkg/persistence"
	"github.com/PelleKrab/eth-mempool-analysis/pkg/supervisor"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "analyze a range as parallel chunks, one parquet file per chunk",
		Flags: []cli.Flag{
			startFlag,
			endFlag,
			&cli.StringFlag{Name: "plan", Usage: "chunk plan CSV written by the plan command, instead of --start/--end"},
			&cli.Uint64Flag{Name: "chunk-size", Usage: "blocks per chunk, overrides analysis.chunk_size_blocks"},
			&cli.IntFlag{Name: "workers", Aliases: []string{"w"}, Usage: "concurrent chunks, overrides analysis.workers"},
			&cli.BoolFlag{Name: "resume", Usage: "skip chunks whose output file exists"},
			&cli.StringFlag{Name: "run-id", Usage: "identifier for events and KV status (default: random UUID)"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "serve Prometheus metrics on this address, e.g. :9102"},
		},
		Action: run,
	}
}

func run(c *cli.Context) error {
	cfg, log, err := setup(c)
	if err != nil {
		return err
	}
	if c.IsSet("chunk-size") {
		cfg.Analysis.ChunkSizeBlocks = c.Uint64("chunk-size")
	}
	if c.IsSet("workers") {
		cfg.Analysis.Workers = c.Int("workers")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	chunks, err := loadChunks(c, cfg)
	if err != nil {
		return err
	}

	if addr := c.String("metrics-addr"); addr != "" {
		shutdown := serveMetrics(addr, log)
		defer shutdown()
	}

	src, closeSource, err := newSource(c.Context, cfg, log)
	if err != nil {
		return err
	}
	defer closeSource()

	var objects *persistence.MinioStorage
	if cfg.Minio.Endpoint != "" {
		objects, err = persistence.NewMinioStorage(c.Context, cfg.MinioStorage(), log)
		if err != nil {
			return err
		}
	}
	writer := persistence.NewChunkWriter(cfg.Output.ChunksDir, objects, log)

	var reporter supervisor.Reporter = supervisor.NewLogReporter(log)
	if cfg.NATS.URL != "" {
		natsReporter, err := supervisor.NewNATSReporter(cfg.Reporter(), log)
		if err != nil {
			return err
		}
		reporter = natsReporter
	}
	defer reporter.Close()

	params := cfg.Params()
	analyzeChunk := func(ctx context.Context, start, end uint64) ([]focil.Row, error) {
		return focil.NewAnalyzer(src, params, log).AnalyzeRange(ctx, start, end)
	}

	sup := supervisor.NewSupervisor(supervisor.Config{
		Workers: cfg.Analysis.Workers,
		Resume:  c.Bool("resume"),
		RunID:   c.String("run-id"),
	}, analyzeChunk, writer, reporter, log)

	summary, runErr := sup.Run(c.Context, chunks)

	statusFile := filepath.Join(cfg.Output.ChunksDir, "chunk_status.csv")
	if err := writePlanFile(statusFile, sup.Chunks()); err != nil {
		log.WithError(err).Warn("⚠️ Failed to write chunk status file")
	}

	log.WithField("run_id", summary.RunID).Infof("📦 %d done, %d skipped, %d failed, %d rows",
		summary.Completed, summary.Skipped, summary.Failed, summary.Rows)
	if errors.Is(runErr, supervisor.ErrChunksFailed) {
		return cli.Exit(fmt.Sprintf("%v, see %s", runErr, statusFile), 1)
	}
	return runErr
}

func loadChunks(c *cli.Context, cfg *config.Config) ([]common.ChunkRecord, error) {
	if path := c.String("plan"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open plan: %w", err)
		}
		defer f.Close()
		return supervisor.ReadPlanCSV(f)
	}
	start, end, err := cfg.Range()
	if err != nil {
		return nil, err
	}
	return supervisor.PlanChunks(start, end, cfg.Analysis.ChunkSizeBlocks)
}

func serveMetrics(addr string, log logrus.FieldLogger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		log.Infof("📈 Serving metrics on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("❌ Metrics server stopped")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

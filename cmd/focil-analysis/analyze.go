package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/PelleKrab/eth-mempool-analysis/internal/report"
	"github.com/PelleKrab/eth-mempool-analysis/pkg/focil"
	"github.com/PelleKrab/eth-mempool-analysis/pkg/metrics"
	"github.com/PelleKrab/eth-mempool-analysis/pkg/persistence"
)

func analyzeCommand() *cli.Command {
	return &cli.Command{
		Name:  "analyze",
		Usage: "analyze one block range in batches and write a single parquet file",
		Flags: []cli.Flag{
			startFlag,
			endFlag,
			&cli.Uint64Flag{Name: "batch-size", Usage: "blocks per batch, overrides analysis.batch_size_blocks"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output file (default <results_dir>/focil_analysis_<start>_<end>.parquet)"},
		},
		Action: analyze,
	}
}

func analyze(c *cli.Context) error {
	cfg, log, err := setup(c)
	if err != nil {
		return err
	}
	if c.IsSet("batch-size") {
		cfg.Analysis.BatchSizeBlocks = c.Uint64("batch-size")
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	start, end, err := cfg.Range()
	if err != nil {
		return err
	}

	output := c.String("output")
	if output == "" {
		output = filepath.Join(cfg.Output.ResultsDir, fmt.Sprintf("focil_analysis_%d_%d.parquet", start, end))
	}

	src, closeSource, err := newSource(c.Context, cfg, log)
	if err != nil {
		return err
	}
	defer closeSource()

	params := cfg.Params()
	log.WithFields(logrus.Fields{"start": start, "end": end}).Infof(
		"🔍 IL cap %d bytes, window [%d, %d]s", focil.MaxBytesPerInclusionList, params.WindowStart, params.WindowEnd)

	started := time.Now()
	batch := cfg.Analysis.BatchSizeBlocks
	var rows []focil.Row
	for from := start; from < end; from += batch {
		to := min(from+batch, end)
		batchRows, err := focil.NewAnalyzer(src, params, log).AnalyzeRange(c.Context, from, to)
		if err != nil {
			return fmt.Errorf("failed to analyze blocks %d-%d: %w", from, to, err)
		}
		metrics.BlocksAnalyzed.Add(float64(len(batchRows)))
		rows = append(rows, batchRows...)
		log.WithFields(logrus.Fields{"start": from, "end": to, "rows": len(batchRows)}).Info("📦 Batch done")
	}

	if len(rows) == 0 {
		log.Error("❌ No results produced")
		return cli.Exit("no blocks found in range", 1)
	}
	if err := persistence.WriteParquet(output, rows); err != nil {
		return err
	}
	log.WithField("rows", len(rows)).Infof("✅ Results saved to %s in %s", output, time.Since(started).Round(time.Second))

	return report.Render(os.Stdout, report.Summarize(rows))
}

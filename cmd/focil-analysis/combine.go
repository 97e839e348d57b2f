package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/PelleKrab/eth-mempool-analysis/internal/report"
	"github.com/PelleKrab/eth-mempool-analysis/internal/storage"
	"github.com/PelleKrab/eth-mempool-analysis/pkg/persistence"
)

func combineCommand() *cli.Command {
	return &cli.Command{
		Name:  "combine",
		Usage: "merge chunk files into one parquet file sorted by block number",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "chunk glob (default <chunks_dir>/chunk_*.parquet)"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "combined file, overrides output.combined_file"},
			&cli.BoolFlag{Name: "verify", Usage: "run the data-quality checks on the combined file"},
			&cli.BoolFlag{Name: "fetch", Usage: "download uploaded chunks missing from chunks_dir before combining"},
		},
		Action: func(c *cli.Context) error {
			cfg, log, err := setup(c)
			if err != nil {
				return err
			}
			input := c.String("input")
			if input == "" {
				input = filepath.Join(cfg.Output.ChunksDir, "chunk_*.parquet")
			}
			output := c.String("output")
			if output == "" {
				output = cfg.Output.CombinedFile
			}

			if c.Bool("fetch") {
				if cfg.Minio.Endpoint == "" {
					return cli.Exit("--fetch needs minio.endpoint", 1)
				}
				objects, err := persistence.NewMinioStorage(c.Context, cfg.MinioStorage(), log)
				if err != nil {
					return err
				}
				if _, err := persistence.NewChunkWriter(cfg.Output.ChunksDir, objects, log).Fetch(c.Context); err != nil {
					return err
				}
			}

			store, err := storage.NewDuckDBStorage(c.Context, "", cfg.S3(), log)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.CombineChunks(c.Context, input, output)
			if err != nil {
				return err
			}
			log.WithField("rows", n).Infof("✅ Combined %s into %s", input, output)

			rows, err := persistence.ReadParquet(c.Context, output)
			if err != nil {
				return err
			}
			if err := report.Render(c.App.Writer, report.Summarize(rows)); err != nil {
				return err
			}

			if !c.Bool("verify") {
				return nil
			}
			return verifyFile(c, store, output, log)
		},
	}
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "run data-quality checks on an output file",
		ArgsUsage: "[file]",
		Action: func(c *cli.Context) error {
			cfg, log, err := setup(c)
			if err != nil {
				return err
			}
			path := c.Args().First()
			if path == "" {
				path = cfg.Output.CombinedFile
			}

			store, err := storage.NewDuckDBStorage(c.Context, "", cfg.S3(), log)
			if err != nil {
				return err
			}
			defer store.Close()
			return verifyFile(c, store, path, log)
		},
	}
}

func verifyFile(c *cli.Context, store *storage.DuckDBStorage, path string, log logrus.FieldLogger) error {
	qr, err := store.Verify(c.Context, path)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetTitle("DATA QUALITY: " + filepath.Base(path))
	t.SetStyle(table.StyleLight)
	t.AppendRows([]table.Row{
		{"Rows", qr.Rows},
		{"Block range", fmt.Sprintf("%d to %d", qr.MinBlock, qr.MaxBlock)},
		{"Gaps", fmt.Sprintf("%d (%d blocks)", len(qr.Gaps), qr.MissingBlocks)},
		{"Duplicate blocks", qr.DuplicateBlocks},
		{"Missing columns", len(qr.MissingColumns)},
		{"base_fee <= 0", qr.NonPositiveBaseFee},
		{"gas_used > gas_limit", qr.GasOverLimit},
		{"Rates outside [0, 100]", qr.RatesOutOfRange},
		{"Oversized lists", qr.OversizedLists},
	})
	fmt.Fprintln(c.App.Writer, t.Render())

	for i, g := range qr.Gaps {
		if i == 10 {
			log.Warnf("⚠️ ... and %d more gaps", len(qr.Gaps)-i)
			break
		}
		log.Warnf("⚠️ Missing blocks %d-%d", g.From, g.To)
	}

	issues := qr.Issues()
	if len(issues) > 0 {
		return cli.Exit("❌ Data quality checks failed: "+strings.Join(issues, "; "), 1)
	}
	log.Info("✅ All data quality checks passed")
	return nil
}

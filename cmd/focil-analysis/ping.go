package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"

	"github.com/PelleKrab/eth-mempool-analysis/pkg/supervisor"
)

func pingCommand() *cli.Command {
	return &cli.Command{
		Name:  "ping",
		Usage: "check the archive connection and report table coverage",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "sample", Value: 100, Usage: "recent blocks used for the average transactions per block"},
		},
		Action: func(c *cli.Context) error {
			cfg, log, err := setup(c)
			if err != nil {
				return err
			}
			archive, closeCache, err := newArchive(cfg, log)
			if err != nil {
				return err
			}
			defer closeCache()

			if err := archive.Ping(c.Context); err != nil {
				return fmt.Errorf("connection failed: %w", err)
			}
			log.Infof("✅ Connected to %s", cfg.ClickHouse.URL)

			stats, err := archive.Stats(c.Context, c.Uint64("sample"))
			if err != nil {
				return err
			}
			t := table.NewWriter()
			t.SetTitle("ARCHIVE COVERAGE")
			t.SetStyle(table.StyleLight)
			t.AppendRows([]table.Row{
				{"Blocks", fmt.Sprintf("%d to %d (%d blocks)", stats.MinBlock, stats.MaxBlock, stats.TotalBlocks)},
				{"Mempool transactions", stats.MempoolTxs},
				{"Mempool coverage", fmt.Sprintf("%s to %s", stats.EarliestSeen, stats.LatestSeen)},
				{fmt.Sprintf("Avg txs/block (last %d)", stats.SampleBlocks), fmt.Sprintf("%.1f", stats.AvgTxsPerBlock)},
			})
			fmt.Fprintln(c.App.Writer, t.Render())
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show the chunk statuses of a run from the NATS KV bucket",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "run-id", Usage: "run to show; required unless purging every run"},
			&cli.BoolFlag{Name: "purge", Usage: "delete the stored statuses of the run, or of every run without --run-id"},
		},
		Action: func(c *cli.Context) error {
			cfg, log, err := setup(c)
			if err != nil {
				return err
			}
			if cfg.NATS.URL == "" {
				return cli.Exit("nats.url is not configured", 1)
			}
			reporter, err := supervisor.NewNATSReporter(cfg.Reporter(), log)
			if err != nil {
				return err
			}
			defer reporter.Close()

			runID := c.String("run-id")
			if c.Bool("purge") {
				n, err := reporter.Purge(runID)
				if err != nil {
					return err
				}
				log.Infof("🧹 Deleted %d status entries", n)
				return nil
			}
			if runID == "" {
				return cli.Exit("--run-id is required", 1)
			}

			statuses, err := reporter.Statuses(runID)
			if err != nil {
				return err
			}
			if len(statuses) == 0 {
				return cli.Exit("no chunks recorded for run "+runID, 1)
			}

			t := table.NewWriter()
			t.SetTitle("RUN " + runID)
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Chunk", "Start", "End", "Status", "Rows", "Updated", "Error"})
			for _, s := range statuses {
				t.AppendRow(table.Row{s.ID, s.StartBlock, s.EndBlock, s.Status, s.Rows, s.LastStatusUpdate, s.LastError})
			}
			fmt.Fprintln(c.App.Writer, t.Render())
			return nil
		},
	}
}

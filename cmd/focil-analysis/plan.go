package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/PelleKrab/eth-mempool-analysis/pkg/common"
	"github.com/PelleKrab/eth-mempool-analysis/pkg/supervisor"
)

func planCommand() *cli.Command {
	return &cli.Command{
		Name:  "plan",
		Usage: "split a block range into chunks and write the plan as CSV",
		Flags: []cli.Flag{
			startFlag,
			endFlag,
			&cli.Uint64Flag{Name: "chunk-size", Usage: "blocks per chunk, overrides analysis.chunk_size_blocks"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Value: "-", Usage: "plan file, - for stdout"},
		},
		Action: func(c *cli.Context) error {
			cfg, log, err := setup(c)
			if err != nil {
				return err
			}
			start, end, err := cfg.Range()
			if err != nil {
				return err
			}
			size := cfg.Analysis.ChunkSizeBlocks
			if c.IsSet("chunk-size") {
				size = c.Uint64("chunk-size")
			}
			chunks, err := supervisor.PlanChunks(start, end, size)
			if err != nil {
				return err
			}

			output := c.String("output")
			if output == "-" {
				return supervisor.WritePlanCSV(os.Stdout, chunks)
			}
			if err := writePlanFile(output, chunks); err != nil {
				return err
			}
			log.Infof("✅ Wrote %d chunks of up to %d blocks to %s", len(chunks), size, output)
			return nil
		},
	}
}

func writePlanFile(path string, chunks []common.ChunkRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create plan file: %w", err)
	}
	if err := supervisor.WritePlanCSV(f, chunks); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

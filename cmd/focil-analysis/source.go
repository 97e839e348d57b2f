package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/PelleKrab/eth-mempool-analysis/internal/config"
	"github.com/PelleKrab/eth-mempool-analysis/internal/storage"
	"github.com/PelleKrab/eth-mempool-analysis/pkg/cache"
	"github.com/PelleKrab/eth-mempool-analysis/pkg/fetchers"
	"github.com/PelleKrab/eth-mempool-analysis/pkg/focil"
)

// newArchive connects to ClickHouse behind the configured query cache
func newArchive(cfg *config.Config, log logrus.FieldLogger) (*fetchers.ArchiveSource, func() error, error) {
	if cfg.ClickHouse.URL == "" {
		return nil, nil, fmt.Errorf("%w: clickhouse.url is not set", config.ErrInvalidConfig)
	}
	queryCache, closeCache := cache.New(cfg.Redis.URL)
	client, err := fetchers.NewClickHouseClient(cfg.ClickHouseClient(), queryCache, log)
	if err != nil {
		closeCache()
		return nil, nil, err
	}
	if cfg.Redis.URL != "" {
		log.Info("🗄️ Caching archive queries in Redis")
	}
	return fetchers.NewArchiveSource(client, log), closeCache, nil
}

// newSource reads from parquet exports when all three are configured and
// from ClickHouse otherwise
func newSource(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (focil.Source, func() error, error) {
	if !cfg.HasExports() {
		return newArchive(cfg, log)
	}

	store, err := storage.NewDuckDBStorage(ctx, "", cfg.S3(), log)
	if err != nil {
		return nil, nil, err
	}
	src, err := storage.NewParquetSource(store, cfg.ExportPaths())
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	log.WithField("blocks", cfg.Exports.Blocks).Info("📂 Reading parquet exports")
	return src, store.Close, nil
}

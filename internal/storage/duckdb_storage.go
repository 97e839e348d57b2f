package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/sirupsen/logrus"
)

// DuckDBStorage runs analytical SQL over parquet files, local or on MinIO
type DuckDBStorage struct {
	db       *sql.DB
	s3Config S3Config
	log      logrus.FieldLogger
}

// S3Config holds MinIO/S3 configuration; an empty endpoint disables s3:// paths
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

// NewDuckDBStorage opens a DuckDB database at path, in memory when path is empty
func NewDuckDBStorage(ctx context.Context, path string, s3Config S3Config, log logrus.FieldLogger) (*DuckDBStorage, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	storage := &DuckDBStorage{
		db:       db,
		s3Config: s3Config,
		log:      log.WithField("component", "duckdb"),
	}
	if err := storage.initialize(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	return storage, nil
}

func (s *DuckDBStorage) initialize(ctx context.Context) error {
	if s.s3Config.Endpoint == "" {
		return nil
	}
	if err := s.installExtension(ctx, "httpfs"); err != nil {
		return err
	}
	return s.configureS3(ctx)
}

// installExtension installs and loads a DuckDB extension
func (s *DuckDBStorage) installExtension(ctx context.Context, name string) error {
	s.log.Infof("📦 Installing %s extension...", name)
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("INSTALL %s", name)); err != nil {
		return fmt.Errorf("failed to install %s: %w", name, err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("LOAD %s", name)); err != nil {
		return fmt.Errorf("failed to load %s: %w", name, err)
	}
	return nil
}

// configureS3 points s3:// reads at the MinIO endpoint
func (s *DuckDBStorage) configureS3(ctx context.Context) error {
	s.log.Infof("🔗 Configuring S3 for endpoint: %s", s.s3Config.Endpoint)
	region := s.s3Config.Region
	if region == "" {
		region = "us-east-1"
	}

	queries := []string{
		fmt.Sprintf("SET s3_endpoint=%s", quote(s.s3Config.Endpoint)),
		fmt.Sprintf("SET s3_access_key_id=%s", quote(s.s3Config.AccessKey)),
		fmt.Sprintf("SET s3_secret_access_key=%s", quote(s.s3Config.SecretKey)),
		fmt.Sprintf("SET s3_use_ssl=%t", s.s3Config.UseSSL),
		fmt.Sprintf("SET s3_region=%s", quote(region)),
		"SET s3_url_style='path'",
	}
	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to configure S3: %w", err)
		}
	}
	return nil
}

// CombineChunks merges every parquet file matching inputGlob into one file
// sorted by block number and returns the number of rows written
func (s *DuckDBStorage) CombineChunks(ctx context.Context, inputGlob, outPath string) (int64, error) {
	var files int64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT count(*) FROM glob(%s)", quote(inputGlob))).Scan(&files)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s: %w", inputGlob, err)
	}
	if files == 0 && !strings.HasPrefix(inputGlob, "s3://") {
		return 0, fmt.Errorf("no files match %s", inputGlob)
	}
	s.log.Infof("📦 Combining %d chunk files", files)

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp := outPath + ".tmp"
	defer os.Remove(tmp)

	copySQL := fmt.Sprintf(
		"COPY (SELECT * FROM read_parquet(%s) ORDER BY block_number) TO %s (FORMAT PARQUET, COMPRESSION SNAPPY)",
		quote(inputGlob), quote(tmp))
	if _, err := s.db.ExecContext(ctx, copySQL); err != nil {
		return 0, fmt.Errorf("failed to combine chunks: %w", err)
	}
	if err := os.Rename(tmp, outPath); err != nil {
		return 0, fmt.Errorf("failed to move %s into place: %w", outPath, err)
	}

	var rows int64
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT count(*) FROM read_parquet(%s)", quote(outPath))).Scan(&rows)
	if err != nil {
		return 0, fmt.Errorf("failed to count combined rows: %w", err)
	}
	s.log.Infof("✅ Combined %d rows into %s", rows, outPath)
	return rows, nil
}

// DB exposes the underlying connection
func (s *DuckDBStorage) DB() *sql.DB {
	return s.db
}

// Close closes the DuckDB connection
func (s *DuckDBStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// quote renders a string literal for DuckDB
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

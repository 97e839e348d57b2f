package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PelleKrab/eth-mempool-analysis/pkg/focil"
)

// ChunkMetadata describes one written chunk file
type ChunkMetadata struct {
	RunID      string    `json:"run_id"`
	ChunkID    int       `json:"chunk_id"`
	StartBlock uint64    `json:"start_block"`
	EndBlock   uint64    `json:"end_block"`
	Rows       int       `json:"rows"`
	FirstBlock uint64    `json:"first_block,omitempty"`
	LastBlock  uint64    `json:"last_block,omitempty"`
	FilePath   string    `json:"file_path"`
	ObjectPath string    `json:"object_path,omitempty"`
	FileSize   int64     `json:"file_size"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChunkWriter persists chunk rows as parquet files and optionally mirrors
// them to object storage
type ChunkWriter struct {
	dir     string
	storage *MinioStorage
	log     logrus.FieldLogger
}

// NewChunkWriter writes into dir; storage may be nil
func NewChunkWriter(dir string, storage *MinioStorage, log logrus.FieldLogger) *ChunkWriter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ChunkWriter{dir: dir, storage: storage, log: log}
}

// Path returns the local path of a chunk file name
func (w *ChunkWriter) Path(filename string) string {
	return filepath.Join(w.dir, filename)
}

// Exists reports whether the chunk file is already on disk
func (w *ChunkWriter) Exists(filename string) bool {
	_, err := os.Stat(w.Path(filename))
	return err == nil
}

// Write stores rows under filename, overwriting any previous output, and
// uploads the file plus a metadata document when storage is configured
func (w *ChunkWriter) Write(ctx context.Context, meta ChunkMetadata, filename string, rows []focil.Row) (ChunkMetadata, error) {
	local := w.Path(filename)
	if err := WriteParquet(local, rows); err != nil {
		return meta, err
	}

	stat, err := os.Stat(local)
	if err != nil {
		return meta, fmt.Errorf("failed to stat %s: %w", local, err)
	}
	meta.FilePath = local
	meta.FileSize = stat.Size()
	meta.Rows = len(rows)
	if len(rows) > 0 {
		meta.FirstBlock = rows[0].BlockNumber
		meta.LastBlock = rows[len(rows)-1].BlockNumber
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	log := w.log.WithFields(logrus.Fields{"chunk": meta.ChunkID, "rows": meta.Rows})
	log.Infof("💾 Wrote %s (%d bytes)", local, meta.FileSize)

	if w.storage == nil {
		return meta, nil
	}

	meta.ObjectPath = BuildObjectPath(meta.StartBlock, meta.EndBlock, filename)
	if _, err := w.storage.UploadFile(ctx, meta.ObjectPath, local); err != nil {
		return meta, fmt.Errorf("failed to upload chunk %d: %w", meta.ChunkID, err)
	}

	metadataJSON, err := json.Marshal(meta)
	if err != nil {
		return meta, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	_, err = w.storage.Upload(ctx, meta.ObjectPath+".metadata.json",
		bytes.NewReader(metadataJSON), int64(len(metadataJSON)), "application/json")
	if err != nil {
		log.WithError(err).Warn("⚠️ Failed to write chunk metadata")
	}
	log.Infof("☁️ Uploaded %s", meta.ObjectPath)
	return meta, nil
}

// Fetch downloads every uploaded chunk file that is missing from the local
// directory and returns how many were downloaded
func (w *ChunkWriter) Fetch(ctx context.Context) (int, error) {
	if w.storage == nil {
		return 0, nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", w.dir, err)
	}

	fetched := 0
	for obj := range w.storage.ListObjects(ctx, "focil/", true) {
		if obj.Err != nil {
			return fetched, fmt.Errorf("failed to list chunks: %w", obj.Err)
		}
		filename := path.Base(obj.Key)
		if !strings.HasPrefix(filename, "chunk_") || !strings.HasSuffix(filename, ".parquet") || w.Exists(filename) {
			continue
		}
		if err := w.download(ctx, w.storage.relative(obj.Key), filename); err != nil {
			return fetched, err
		}
		fetched++
	}
	if fetched > 0 {
		w.log.Infof("📥 Downloaded %d chunk files into %s", fetched, w.dir)
	}
	return fetched, nil
}

func (w *ChunkWriter) download(ctx context.Context, objectName, filename string) error {
	obj, err := w.storage.GetObject(ctx, objectName)
	if err != nil {
		return err
	}
	defer obj.Close()

	tmp, err := os.CreateTemp(w.dir, filename+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, obj); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to download %s: %w", objectName, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), w.Path(filename))
}

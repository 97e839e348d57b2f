package persistence

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PelleKrab/eth-mempool-analysis/pkg/testutils"
)

func TestMain(m *testing.M) {
	code := m.Run()
	testutils.CleanupTestEnvironment()
	os.Exit(code)
}

func TestChunkWriterLocalOnly(t *testing.T) {
	logger, _ := test.NewNullLogger()
	w := NewChunkWriter(t.TempDir(), nil, logger)
	name := "chunk_0001_21000000_21000003.parquet"
	assert.False(t, w.Exists(name))

	meta, err := w.Write(context.Background(), ChunkMetadata{ChunkID: 1, StartBlock: 21_000_000, EndBlock: 21_000_003}, name, sampleRows())
	require.NoError(t, err)

	assert.True(t, w.Exists(name))
	assert.Equal(t, w.Path(name), meta.FilePath)
	assert.Equal(t, 3, meta.Rows)
	assert.Equal(t, uint64(21_000_000), meta.FirstBlock)
	assert.Equal(t, uint64(21_000_002), meta.LastBlock)
	assert.Positive(t, meta.FileSize)
	assert.Empty(t, meta.ObjectPath)
	assert.False(t, meta.CreatedAt.IsZero())
}

func TestBuildObjectPath(t *testing.T) {
	assert.Equal(t,
		"focil/start_block=100/end_block=200/chunk_0000_100_200.parquet",
		BuildObjectPath(100, 200, "chunk_0000_100_200.parquet"))
}

func TestChunkWriterUploadsToMinio(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping MinIO integration test in short mode")
	}
	ctx := context.Background()
	endpoint, err := testutils.GetMinio(ctx)
	require.NoError(t, err)

	storage, err := NewMinioStorage(ctx, MinioConfig{
		Endpoint:   endpoint.Endpoint,
		AccessKey:  endpoint.AccessKey,
		SecretKey:  endpoint.SecretKey,
		BucketName: "focil-test",
		BasePath:   "runs",
	}, nil)
	require.NoError(t, err)

	w := NewChunkWriter(t.TempDir(), storage, nil)
	name := "chunk_0002_21000000_21000003.parquet"
	meta, err := w.Write(ctx, ChunkMetadata{RunID: "test", ChunkID: 2, StartBlock: 21_000_000, EndBlock: 21_000_003}, name, sampleRows())
	require.NoError(t, err)

	exists, err := storage.Exists(ctx, meta.ObjectPath)
	require.NoError(t, err)
	assert.True(t, exists)

	missing, err := storage.Exists(ctx, "focil/nothing.parquet")
	require.NoError(t, err)
	assert.False(t, missing)

	obj, err := storage.GetObject(ctx, meta.ObjectPath+".metadata.json")
	require.NoError(t, err)
	defer obj.Close()
	raw, err := io.ReadAll(obj)
	require.NoError(t, err)

	var stored ChunkMetadata
	require.NoError(t, json.Unmarshal(raw, &stored))
	assert.Equal(t, 2, stored.ChunkID)
	assert.Equal(t, meta.FileSize, stored.FileSize)

	var listed int
	for obj := range storage.ListObjects(ctx, "focil/", true) {
		require.NoError(t, obj.Err)
		listed++
	}
	assert.Equal(t, 2, listed)
}

func TestChunkWriterFetch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping MinIO integration test in short mode")
	}
	ctx := context.Background()
	endpoint, err := testutils.GetMinio(ctx)
	require.NoError(t, err)

	storage, err := NewMinioStorage(ctx, MinioConfig{
		Endpoint:   endpoint.Endpoint,
		AccessKey:  endpoint.AccessKey,
		SecretKey:  endpoint.SecretKey,
		BucketName: "focil-fetch-test",
		BasePath:   "runs",
	}, nil)
	require.NoError(t, err)

	name := "chunk_0000_21000000_21000003.parquet"
	_, err = NewChunkWriter(t.TempDir(), storage, nil).Write(ctx,
		ChunkMetadata{ChunkID: 0, StartBlock: 21_000_000, EndBlock: 21_000_003}, name, sampleRows())
	require.NoError(t, err)

	fresh := NewChunkWriter(t.TempDir(), storage, nil)
	n, err := fresh.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, fresh.Exists(name))

	rows, err := ReadParquet(ctx, fresh.Path(name))
	require.NoError(t, err)
	assert.Len(t, rows, len(sampleRows()))

	n, err = fresh.Fetch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PelleKrab/eth-mempool-analysis/pkg/focil"
	"github.com/PelleKrab/eth-mempool-analysis/pkg/persistence"
)

func newStorage(t *testing.T) *DuckDBStorage {
	t.Helper()
	logger, _ := test.NewNullLogger()
	store, err := NewDuckDBStorage(context.Background(), "", S3Config{}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func outputRows(from, to uint64) []focil.Row {
	var rows []focil.Row
	for n := from; n < to; n++ {
		r := focil.Row{
			BlockNumber:    n,
			BlockTimestamp: int64(n) * 12,
			BaseFee:        7_000_000_000,
			GasUsed:        15_000_000,
			GasLimit:       30_000_000,
		}
		for v := range r.Variants {
			r.Variants[v].TxCount = 3
			r.Variants[v].SizeBytes = 600
		}
		rows = append(rows, r)
	}
	return rows
}

func TestCombineChunksSortsByBlock(t *testing.T) {
	store := newStorage(t)
	dir := t.TempDir()
	require.NoError(t, persistence.WriteParquet(filepath.Join(dir, "chunk_0001_110_120.parquet"), outputRows(110, 120)))
	require.NoError(t, persistence.WriteParquet(filepath.Join(dir, "chunk_0000_100_110.parquet"), outputRows(100, 110)))

	out := filepath.Join(dir, "combined", "focil_combined.parquet")
	n, err := store.CombineChunks(context.Background(), filepath.Join(dir, "chunk_*.parquet"), out)
	require.NoError(t, err)
	assert.Equal(t, int64(20), n)

	rows, err := persistence.ReadParquet(context.Background(), out)
	require.NoError(t, err)
	require.Len(t, rows, 20)
	for i, r := range rows {
		assert.Equal(t, uint64(100+i), r.BlockNumber)
	}

	report, err := store.Verify(context.Background(), out)
	require.NoError(t, err)
	assert.True(t, report.Passed(), "%v", report.Issues())
	assert.Equal(t, uint64(100), report.MinBlock)
	assert.Equal(t, uint64(119), report.MaxBlock)
}

func TestCombineChunksWithoutInputs(t *testing.T) {
	store := newStorage(t)
	dir := t.TempDir()

	_, err := store.CombineChunks(context.Background(), filepath.Join(dir, "chunk_*.parquet"), filepath.Join(dir, "out.parquet"))
	assert.Error(t, err)
}

func TestVerifyFlagsBadData(t *testing.T) {
	store := newStorage(t)
	rows := outputRows(100, 110)
	rows = append(rows[:3], rows[5:]...) // gap 103..104
	rows = append(rows, rows[0])         // duplicate 100

	bad := 150.0
	rows[1].BaseFee = 0
	rows[2].GasUsed = rows[2].GasLimit + 1
	rows[3].Metrics(focil.Variant{Delay: 1, Strategy: focil.StrategyTopFee}).InclusionRate = &bad
	rows[4].Metrics(focil.Variant{Delay: 2, Strategy: focil.StrategyCensored}).SizeBytes = focil.MaxBytesPerInclusionList + 1

	path := filepath.Join(t.TempDir(), "bad.parquet")
	require.NoError(t, persistence.WriteParquet(path, rows))

	report, err := store.Verify(context.Background(), path)
	require.NoError(t, err)

	assert.False(t, report.Passed())
	assert.Equal(t, []Gap{{From: 103, To: 104}}, report.Gaps)
	assert.Equal(t, uint64(2), report.MissingBlocks)
	assert.Equal(t, int64(1), report.DuplicateBlocks)
	assert.Equal(t, int64(1), report.NonPositiveBaseFee)
	assert.Equal(t, int64(1), report.GasOverLimit)
	assert.Equal(t, int64(1), report.RatesOutOfRange)
	assert.Equal(t, int64(1), report.OversizedLists)
	assert.Empty(t, report.MissingColumns)
	assert.Len(t, report.Issues(), 6)
}

func TestVerifyReportsSchemaDrift(t *testing.T) {
	store := newStorage(t)
	path := filepath.Join(t.TempDir(), "drift.parquet")
	_, err := store.DB().Exec(fmt.Sprintf(
		"COPY (SELECT 1::UBIGINT AS block_number, 42 AS extra) TO %s (FORMAT PARQUET)", quote(path)))
	require.NoError(t, err)

	report, err := store.Verify(context.Background(), path)
	require.NoError(t, err)

	assert.Len(t, report.MissingColumns, 26)
	assert.Equal(t, []string{"extra"}, report.UnexpectedColumns)
	assert.False(t, report.Passed())
}

// writeExports creates archive-shaped parquet exports for blocks 100..102
func writeExports(t *testing.T, store *DuckDBStorage, withOptional bool) ExportPaths {
	t.Helper()
	dir := t.TempDir()
	paths := ExportPaths{
		Blocks:   filepath.Join(dir, "blocks.parquet"),
		Mempool:  filepath.Join(dir, "mempool.parquet"),
		Included: filepath.Join(dir, "included.parquet"),
	}

	mempoolSelect := `SELECT * FROM (VALUES
    ('0x02', '0x00000000000000000000000000000000000000aa', 4, 1195, 30000000000::HUGEINT, 2000000000::HUGEINT, 180, 21000, 2),
    ('0x01', '0x00000000000000000000000000000000000000bb', 0, 1190, 20000000000::HUGEINT, NULL, 120, 21000, 0),
    ('0x03', '0x00000000000000000000000000000000000000aa', 5, 1300, 20000000000::HUGEINT, 1::HUGEINT, 120, 21000, 2)
) AS t(tx_hash, sender, nonce, seen_timestamp, max_fee, priority_fee, tx_size, gas_limit, tx_type)`
	if !withOptional {
		mempoolSelect = "SELECT tx_hash, seen_timestamp, max_fee, priority_fee, tx_size, gas_limit FROM (" + mempoolSelect + ")"
	}

	statements := []string{
		fmt.Sprintf(`COPY (SELECT * FROM (VALUES
    (102, 1224, 7200000000::HUGEINT, 30000000, 30000000, 140),
    (100, 1200, 7000000000::HUGEINT, 15000000, 30000000, 150),
    (101, 1212, 7100000000::HUGEINT, 20000000, 30000000, 145)
) AS t(block_number, block_timestamp, base_fee, gas_used, gas_limit, included_tx_count)) TO %s (FORMAT PARQUET)`, quote(paths.Blocks)),
		fmt.Sprintf("COPY (%s) TO %s (FORMAT PARQUET)", mempoolSelect, quote(paths.Mempool)),
		fmt.Sprintf(`COPY (SELECT * FROM (VALUES (101, '0x01'), (101, '0x02'), (101, '0x02'), (102, '0x03'))
AS t(block_number, transaction_hash)) TO %s (FORMAT PARQUET)`, quote(paths.Included)),
	}
	for _, stmt := range statements {
		_, err := store.DB().Exec(stmt)
		require.NoError(t, err)
	}
	return paths
}

func TestParquetSource(t *testing.T) {
	store := newStorage(t)
	src, err := NewParquetSource(store, writeExports(t, store, true))
	require.NoError(t, err)
	ctx := context.Background()

	blocks, err := src.Blocks(ctx, 100, 102)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, uint64(100), blocks[0].Number)
	assert.Equal(t, uint256.NewInt(7_000_000_000), blocks[0].BaseFee)
	assert.Equal(t, uint64(15_000_000), blocks[0].AvailableGas())
	assert.Equal(t, int64(145), blocks[1].IncludedTxCount)

	mempool, err := src.Mempool(ctx, 1190, 1300)
	require.NoError(t, err)
	assert.True(t, mempool.HasSenderNonce)
	assert.True(t, mempool.HasTxType)
	require.Equal(t, 2, mempool.Len())
	first, second := mempool.Observations[0], mempool.Observations[1]
	assert.Equal(t, common.HexToHash("0x01"), first.Hash)
	assert.Nil(t, first.PriorityFee)
	assert.Equal(t, common.HexToAddress("0xaa"), second.Sender)
	assert.Equal(t, uint64(4), second.Nonce)
	assert.Equal(t, uint256.NewInt(2_000_000_000), second.PriorityFee)
	assert.Equal(t, uint8(2), second.TxType)

	index, err := src.IncludedTransactions(ctx, 100, 103)
	require.NoError(t, err)
	assert.Equal(t, []uint64{101, 102}, index.Blocks())
	assert.Equal(t, 2, index.Block(101).Cardinality())
}

func TestParquetSourceWithoutOptionalColumns(t *testing.T) {
	store := newStorage(t)
	src, err := NewParquetSource(store, writeExports(t, store, false))
	require.NoError(t, err)

	mempool, err := src.Mempool(context.Background(), 0, 2000)
	require.NoError(t, err)
	assert.False(t, mempool.HasSenderNonce)
	assert.False(t, mempool.HasTxType)
	assert.Equal(t, 3, mempool.Len())
	assert.Equal(t, common.Address{}, mempool.Observations[0].Sender)
}

func TestParquetSourceDrivesAnalyzer(t *testing.T) {
	store := newStorage(t)
	src, err := NewParquetSource(store, writeExports(t, store, true))
	require.NoError(t, err)

	var _ focil.Source = src
	logger, _ := test.NewNullLogger()
	rows, err := focil.NewAnalyzer(src, focil.DefaultParams(), logger).AnalyzeRange(context.Background(), 100, 102)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, uint64(100), rows[0].BlockNumber)
}

func TestNewParquetSourceRequiresPaths(t *testing.T) {
	_, err := NewParquetSource(newStorage(t), ExportPaths{Blocks: "b.parquet"})
	assert.Error(t, err)
}

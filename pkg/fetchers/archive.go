package fetchers

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/PelleKrab/eth-mempool-analysis/pkg/blockchain"
)

const blocksQuery = `
SELECT
    execution_payload_block_number as block_number,
    toUnixTimestamp(slot_start_date_time) as block_timestamp,
    toUInt256(execution_payload_base_fee_per_gas) as base_fee,
    execution_payload_transactions_count as included_tx_count,
    toUInt256(execution_payload_gas_used) as gas_used,
    toUInt256(execution_payload_gas_limit) as gas_limit
FROM canonical_beacon_block
WHERE execution_payload_block_number >= %d
  AND execution_payload_block_number < %d
ORDER BY execution_payload_block_number`

// Sightings sharing a second are ordered by hash so reruns see the same table.
const mempoolQuery = `
SELECT
    hash as tx_hash,
    ` + "`from`" + ` as sender,
    nonce,
    toUnixTimestamp(event_date_time) as seen_timestamp,
    toUInt256(gas_fee_cap) as max_fee,
    toUInt256(gas_tip_cap) as priority_fee,
    size as tx_size,
    toUInt256(gas) as gas_limit,
    type as tx_type
FROM mempool_transaction
WHERE event_date_time >= toDateTime(%d)
  AND event_date_time < toDateTime(%d)
ORDER BY event_date_time, hash`

const includedQuery = `
SELECT DISTINCT
    block_number,
    transaction_hash
FROM canonical_execution_transaction
WHERE block_number >= %d
  AND block_number < %d
ORDER BY block_number, transaction_hash`

// Querier runs a statement against the archive
type Querier interface {
	Query(ctx context.Context, query string) (*Table, error)
}

// ArchiveSource reads blocks, mempool sightings and inclusions from the
// Xatu-style ClickHouse archive
type ArchiveSource struct {
	db  Querier
	log logrus.FieldLogger
}

// NewArchiveSource wraps a querier
func NewArchiveSource(db Querier, log logrus.FieldLogger) *ArchiveSource {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ArchiveSource{db: db, log: log.WithField("component", "archive")}
}

// Blocks returns the canonical blocks numbered in [from, to)
func (s *ArchiveSource) Blocks(ctx context.Context, from, to uint64) ([]blockchain.Block, error) {
	t, err := s.db.Query(ctx, fmt.Sprintf(blocksQuery, from, to))
	if err != nil {
		return nil, err
	}

	blocks := make([]blockchain.Block, 0, t.Len())
	for i := 0; i < t.Len(); i++ {
		number, err := requireUint(t, i, "block_number")
		if err != nil {
			return nil, err
		}
		ts, err := requireInt(t, i, "block_timestamp")
		if err != nil {
			return nil, err
		}
		baseFee, err := optionalFee(t, i, "base_fee")
		if err != nil {
			return nil, err
		}
		if baseFee == nil {
			return nil, fmt.Errorf("block %d has no base fee", number)
		}
		count, _ := optionalInt(t, i, "included_tx_count")
		gasUsed, _ := optionalUint(t, i, "gas_used")
		gasLimit, _ := optionalUint(t, i, "gas_limit")

		blocks = append(blocks, blockchain.Block{
			Number:          number,
			Timestamp:       ts,
			BaseFee:         baseFee,
			GasUsed:         gasUsed,
			GasLimit:        gasLimit,
			IncludedTxCount: count,
		})
	}
	return blocks, nil
}

// Mempool returns the sightings with fromTS <= seen < toTS. Sender and type
// columns are optional; the table records whether they were present.
func (s *ArchiveSource) Mempool(ctx context.Context, fromTS, toTS int64) (*blockchain.Mempool, error) {
	t, err := s.db.Query(ctx, fmt.Sprintf(mempoolQuery, fromTS, toTS))
	if err != nil {
		return nil, err
	}

	hasSenderNonce := t.Has("sender") && t.Has("nonce")
	hasTxType := t.Has("tx_type")

	observations := make([]blockchain.Observation, 0, t.Len())
	for i := 0; i < t.Len(); i++ {
		hash, ok := t.Value(i, "tx_hash")
		if !ok {
			return nil, fmt.Errorf("mempool row %d has no hash", i)
		}
		seen, err := requireInt(t, i, "seen_timestamp")
		if err != nil {
			return nil, err
		}
		o := blockchain.Observation{
			Hash:   common.HexToHash(hash),
			SeenAt: seen,
		}
		if o.MaxFee, err = optionalFee(t, i, "max_fee"); err != nil {
			return nil, err
		}
		if o.PriorityFee, err = optionalFee(t, i, "priority_fee"); err != nil {
			return nil, err
		}
		o.Size, _ = optionalInt(t, i, "tx_size")
		o.GasLimit, _ = optionalUint(t, i, "gas_limit")

		if hasSenderNonce {
			if sender, ok := t.Value(i, "sender"); ok {
				o.Sender = common.HexToAddress(sender)
			}
			o.Nonce, _ = optionalUint(t, i, "nonce")
		}
		if hasTxType {
			if txType, ok := optionalUint(t, i, "tx_type"); ok && txType <= 0xff {
				o.TxType = uint8(txType)
				o.HasTxType = true
			}
		}
		observations = append(observations, o)
	}

	s.log.WithFields(logrus.Fields{"from_ts": fromTS, "to_ts": toTS}).Infof("🧾 Got %d mempool transactions", len(observations))
	return blockchain.NewMempool(observations, hasSenderNonce, hasTxType), nil
}

// IncludedTransactions maps each block in [from, to) to its transaction hashes
func (s *ArchiveSource) IncludedTransactions(ctx context.Context, from, to uint64) (blockchain.InclusionIndex, error) {
	t, err := s.db.Query(ctx, fmt.Sprintf(includedQuery, from, to))
	if err != nil {
		return nil, err
	}

	index := blockchain.InclusionIndex{}
	for i := 0; i < t.Len(); i++ {
		number, err := requireUint(t, i, "block_number")
		if err != nil {
			return nil, err
		}
		hash, ok := t.Value(i, "transaction_hash")
		if !ok {
			return nil, fmt.Errorf("included row %d has no hash", i)
		}
		index.Add(number, common.HexToHash(hash))
	}
	if t.Len() > 0 {
		s.log.Infof("📥 Got %d blocks with %d included txs", len(index), t.Len())
	}
	return index, nil
}

// Ping checks that the archive answers a trivial query
func (s *ArchiveSource) Ping(ctx context.Context) error {
	t, err := s.db.Query(ctx, "SELECT 1 AS ok")
	if err != nil {
		return err
	}
	if t.Len() != 1 {
		return fmt.Errorf("unexpected ping response: %d rows", t.Len())
	}
	if v, ok := t.Value(0, "ok"); !ok || v != "1" {
		return fmt.Errorf("unexpected ping response: %q", v)
	}
	return nil
}

// ArchiveStats summarizes the archive tables
type ArchiveStats struct {
	MinBlock       uint64
	MaxBlock       uint64
	TotalBlocks    uint64
	MempoolTxs     uint64
	EarliestSeen   string
	LatestSeen     string
	AvgTxsPerBlock float64
	SampleBlocks   uint64
}

// Stats reports block coverage, mempool coverage and the average block size
// over the most recent sampleBlocks blocks
func (s *ArchiveSource) Stats(ctx context.Context, sampleBlocks uint64) (ArchiveStats, error) {
	var stats ArchiveStats

	t, err := s.db.Query(ctx, `
SELECT
    min(execution_payload_block_number) as min_block,
    max(execution_payload_block_number) as max_block,
    count(*) as total_blocks
FROM canonical_beacon_block`)
	if err != nil {
		return stats, err
	}
	if t.Len() == 0 {
		return stats, fmt.Errorf("no rows from canonical_beacon_block")
	}
	stats.MinBlock, _ = optionalUint(t, 0, "min_block")
	stats.MaxBlock, _ = optionalUint(t, 0, "max_block")
	stats.TotalBlocks, _ = optionalUint(t, 0, "total_blocks")

	t, err = s.db.Query(ctx, `
SELECT
    count(*) as total_txs,
    toString(min(event_date_time)) as earliest,
    toString(max(event_date_time)) as latest
FROM mempool_transaction`)
	if err != nil {
		return stats, err
	}
	if t.Len() > 0 {
		stats.MempoolTxs, _ = optionalUint(t, 0, "total_txs")
		stats.EarliestSeen, _ = t.Value(0, "earliest")
		stats.LatestSeen, _ = t.Value(0, "latest")
	}

	from := uint64(0)
	if stats.MaxBlock > sampleBlocks {
		from = stats.MaxBlock - sampleBlocks
	}
	t, err = s.db.Query(ctx, fmt.Sprintf(`
SELECT
    count(*) as blocks_processed,
    avg(execution_payload_transactions_count) as avg_txs_per_block
FROM canonical_beacon_block
WHERE execution_payload_block_number >= %d AND execution_payload_block_number < %d`, from, stats.MaxBlock))
	if err != nil {
		return stats, err
	}
	if t.Len() > 0 {
		stats.SampleBlocks, _ = optionalUint(t, 0, "blocks_processed")
		if v, ok := t.Value(0, "avg_txs_per_block"); ok {
			stats.AvgTxsPerBlock, _ = strconv.ParseFloat(v, 64)
		}
	}
	return stats, nil
}

func requireUint(t *Table, row int, column string) (uint64, error) {
	v, ok := t.Value(row, column)
	if !ok {
		return 0, fmt.Errorf("row %d: missing %s", row, column)
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("row %d: invalid %s %q: %w", row, column, v, err)
	}
	return n, nil
}

func requireInt(t *Table, row int, column string) (int64, error) {
	v, ok := t.Value(row, column)
	if !ok {
		return 0, fmt.Errorf("row %d: missing %s", row, column)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("row %d: invalid %s %q: %w", row, column, v, err)
	}
	return n, nil
}

// optionalUint treats NULL and unparseable values as unknown
func optionalUint(t *Table, row int, column string) (uint64, bool) {
	v, ok := t.Value(row, column)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil || f < 0 {
			return 0, false
		}
		return uint64(f), true
	}
	return n, true
}

func optionalInt(t *Table, row int, column string) (int64, bool) {
	v, ok := t.Value(row, column)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// optionalFee parses a decimal wei amount; NULL yields nil
func optionalFee(t *Table, row int, column string) (*uint256.Int, error) {
	v, ok := t.Value(row, column)
	if !ok {
		return nil, nil
	}
	fee, err := uint256.FromDecimal(v)
	if err != nil {
		return nil, fmt.Errorf("row %d: invalid %s %q: %w", row, column, v, err)
	}
	return fee, nil
}

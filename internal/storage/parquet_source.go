package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/PelleKrab/eth-mempool-analysis/pkg/blockchain"
)

// ExportPaths locates parquet exports of the three archive tables. Column
// names follow the aliases of the archive queries (block_number,
// seen_timestamp, tx_hash, ...). Paths may be globs or s3:// URLs.
type ExportPaths struct {
	Blocks   string
	Mempool  string
	Included string
}

// ParquetSource serves blocks, mempool sightings and inclusions from local
// exports so ranges can be analyzed without the archive
type ParquetSource struct {
	store *DuckDBStorage
	paths ExportPaths
}

// NewParquetSource reads the exports through store
func NewParquetSource(store *DuckDBStorage, paths ExportPaths) (*ParquetSource, error) {
	if paths.Blocks == "" || paths.Mempool == "" || paths.Included == "" {
		return nil, fmt.Errorf("blocks, mempool and included export paths are required")
	}
	return &ParquetSource{store: store, paths: paths}, nil
}

// Blocks returns the blocks numbered in [from, to)
func (p *ParquetSource) Blocks(ctx context.Context, from, to uint64) ([]blockchain.Block, error) {
	present, err := p.store.columns(ctx, relation(p.paths.Blocks))
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
SELECT CAST(block_number AS BIGINT),
       CAST(block_timestamp AS BIGINT),
       %s,
       %s,
       %s,
       %s
FROM %s
WHERE block_number >= ? AND block_number < ?
ORDER BY block_number`,
		feeColumn(present, "base_fee"),
		intColumn(present, "gas_used"),
		intColumn(present, "gas_limit"),
		intColumn(present, "included_tx_count"),
		relation(p.paths.Blocks))

	rows, err := p.store.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer rows.Close()

	var blocks []blockchain.Block
	for rows.Next() {
		var (
			number, ts                 int64
			baseFee                    sql.NullString
			gasUsed, gasLimit, txCount sql.NullInt64
		)
		if err := rows.Scan(&number, &ts, &baseFee, &gasUsed, &gasLimit, &txCount); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		if !baseFee.Valid {
			return nil, fmt.Errorf("block %d has no base fee", number)
		}
		fee, err := uint256.FromDecimal(baseFee.String)
		if err != nil {
			return nil, fmt.Errorf("block %d: invalid base fee %q: %w", number, baseFee.String, err)
		}
		blocks = append(blocks, blockchain.Block{
			Number:          uint64(number),
			Timestamp:       ts,
			BaseFee:         fee,
			GasUsed:         nonNegative(gasUsed),
			GasLimit:        nonNegative(gasLimit),
			IncludedTxCount: txCount.Int64,
		})
	}
	return blocks, rows.Err()
}

// Mempool returns the sightings with fromTS <= seen < toTS
func (p *ParquetSource) Mempool(ctx context.Context, fromTS, toTS int64) (*blockchain.Mempool, error) {
	present, err := p.store.columns(ctx, relation(p.paths.Mempool))
	if err != nil {
		return nil, err
	}
	hasSenderNonce := present["sender"] && present["nonce"]
	hasTxType := present["tx_type"]

	sender, nonce := "CAST(NULL AS VARCHAR)", "CAST(NULL AS BIGINT)"
	if hasSenderNonce {
		sender, nonce = "CAST(sender AS VARCHAR)", "CAST(nonce AS BIGINT)"
	}
	query := fmt.Sprintf(`
SELECT CAST(tx_hash AS VARCHAR),
       %s,
       %s,
       CAST(seen_timestamp AS BIGINT),
       %s,
       %s,
       %s,
       %s,
       %s
FROM %s
WHERE seen_timestamp >= ? AND seen_timestamp < ?
ORDER BY seen_timestamp, tx_hash`,
		sender, nonce,
		feeColumn(present, "max_fee"),
		feeColumn(present, "priority_fee"),
		intColumn(present, "tx_size"),
		intColumn(present, "gas_limit"),
		intColumn(present, "tx_type"),
		relation(p.paths.Mempool))

	rows, err := p.store.db.QueryContext(ctx, query, fromTS, toTS)
	if err != nil {
		return nil, fmt.Errorf("failed to query mempool: %w", err)
	}
	defer rows.Close()

	var observations []blockchain.Observation
	for rows.Next() {
		var (
			hash                         string
			from                         sql.NullString
			nonceValue, size, gas, txTyp sql.NullInt64
			seen                         int64
			maxFee, tip                  sql.NullString
		)
		if err := rows.Scan(&hash, &from, &nonceValue, &seen, &maxFee, &tip, &size, &gas, &txTyp); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		o := blockchain.Observation{
			Hash:     common.HexToHash(hash),
			Nonce:    nonNegative(nonceValue),
			SeenAt:   seen,
			Size:     size.Int64,
			GasLimit: nonNegative(gas),
		}
		if from.Valid {
			o.Sender = common.HexToAddress(from.String)
		}
		if o.MaxFee, err = parseFee(maxFee); err != nil {
			return nil, err
		}
		if o.PriorityFee, err = parseFee(tip); err != nil {
			return nil, err
		}
		if txTyp.Valid && txTyp.Int64 >= 0 && txTyp.Int64 <= 0xff {
			o.TxType = uint8(txTyp.Int64)
			o.HasTxType = true
		}
		observations = append(observations, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return blockchain.NewMempool(observations, hasSenderNonce, hasTxType), nil
}

// IncludedTransactions maps each block in [from, to) to its transaction hashes
func (p *ParquetSource) IncludedTransactions(ctx context.Context, from, to uint64) (blockchain.InclusionIndex, error) {
	rows, err := p.store.db.QueryContext(ctx, fmt.Sprintf(`
SELECT DISTINCT CAST(block_number AS BIGINT), CAST(transaction_hash AS VARCHAR)
FROM %s
WHERE block_number >= ? AND block_number < ?
ORDER BY 1, 2`, relation(p.paths.Included)), from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query included transactions: %w", err)
	}
	defer rows.Close()

	index := blockchain.InclusionIndex{}
	for rows.Next() {
		var number int64
		var hash string
		if err := rows.Scan(&number, &hash); err != nil {
			return nil, fmt.Errorf("failed to scan inclusion: %w", err)
		}
		index.Add(uint64(number), common.HexToHash(hash))
	}
	return index, rows.Err()
}

func relation(path string) string {
	return fmt.Sprintf("read_parquet(%s)", quote(path))
}

// feeColumn renders a wei amount as a decimal string, NULL when absent.
// HUGEINT holds every realistic fee.
func feeColumn(present map[string]bool, col string) string {
	if !present[col] {
		return "CAST(NULL AS VARCHAR)"
	}
	return fmt.Sprintf("CAST(CAST(%s AS HUGEINT) AS VARCHAR)", ident(col))
}

func intColumn(present map[string]bool, col string) string {
	if !present[col] {
		return "CAST(NULL AS BIGINT)"
	}
	return fmt.Sprintf("TRY_CAST(%s AS BIGINT)", ident(col))
}

func parseFee(v sql.NullString) (*uint256.Int, error) {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil, nil
	}
	fee, err := uint256.FromDecimal(v.String)
	if err != nil {
		return nil, fmt.Errorf("invalid fee %q: %w", v.String, err)
	}
	return fee, nil
}

func nonNegative(v sql.NullInt64) uint64 {
	if !v.Valid || v.Int64 < 0 {
		return 0
	}
	return uint64(v.Int64)
}

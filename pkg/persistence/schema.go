package persistence

import (
	"fmt"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/memory"

	"github.com/PelleKrab/eth-mempool-analysis/pkg/focil"
)

// Fixed per-block columns, in output order
const (
	ColBlockNumber     = "block_number"
	ColBlockTimestamp  = "block_timestamp"
	ColBaseFee         = "base_fee"
	ColGasUsed         = "gas_used"
	ColGasLimit        = "gas_limit"
	ColIncludedTxCount = "included_tx_count"
	ColCoverage        = "mempool_coverage_of_next_block"
	ColUniqueTxs       = "mempool_unique_txs_in_window"
	ColCensoredCount   = "censored_detected_count"
)

// Per-variant column suffixes
const (
	SuffixTxCount       = "tx_count"
	SuffixSizeBytes     = "size_bytes"
	SuffixInclusionRate = "inclusion_rate"
)

var fixedFields = []arrow.Field{
	{Name: ColBlockNumber, Type: arrow.PrimitiveTypes.Uint64},
	{Name: ColBlockTimestamp, Type: arrow.PrimitiveTypes.Int64},
	{Name: ColBaseFee, Type: arrow.PrimitiveTypes.Uint64},
	{Name: ColGasUsed, Type: arrow.PrimitiveTypes.Uint64},
	{Name: ColGasLimit, Type: arrow.PrimitiveTypes.Uint64},
	{Name: ColIncludedTxCount, Type: arrow.PrimitiveTypes.Int64},
	{Name: ColCoverage, Type: arrow.PrimitiveTypes.Float64},
	{Name: ColUniqueTxs, Type: arrow.PrimitiveTypes.Int64},
	{Name: ColCensoredCount, Type: arrow.PrimitiveTypes.Int64},
}

// VariantColumn names the column of a variant metric, e.g. "2delay_topfee_size_bytes"
func VariantColumn(v focil.Variant, suffix string) string {
	return fmt.Sprintf("%s_%s", v.Prefix(), suffix)
}

// Columns lists every output column in schema order
func Columns() []string {
	schema := GetArrowSchema()
	out := make([]string, 0, schema.NumFields())
	for _, f := range schema.Fields() {
		out = append(out, f.Name)
	}
	return out
}

// GetArrowSchema returns the schema of the per-block output: the fixed
// columns followed by tx_count, size_bytes and inclusion_rate for each of the
// six variants. Only inclusion rates are nullable.
func GetArrowSchema() *arrow.Schema {
	fields := make([]arrow.Field, 0, len(fixedFields)+3*len(focil.Variants()))
	fields = append(fields, fixedFields...)
	for _, v := range focil.Variants() {
		fields = append(fields,
			arrow.Field{Name: VariantColumn(v, SuffixTxCount), Type: arrow.PrimitiveTypes.Int64},
			arrow.Field{Name: VariantColumn(v, SuffixSizeBytes), Type: arrow.PrimitiveTypes.Int64},
			arrow.Field{Name: VariantColumn(v, SuffixInclusionRate), Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		)
	}
	return arrow.NewSchema(fields, nil)
}

// CreateArrowRecord converts rows to a single Arrow record. The caller owns
// the record and must Release it.
func CreateArrowRecord(rows []focil.Row, mem memory.Allocator) arrow.Record {
	b := array.NewRecordBuilder(mem, GetArrowSchema())
	defer b.Release()

	for _, r := range rows {
		b.Field(0).(*array.Uint64Builder).Append(r.BlockNumber)
		b.Field(1).(*array.Int64Builder).Append(r.BlockTimestamp)
		b.Field(2).(*array.Uint64Builder).Append(r.BaseFee)
		b.Field(3).(*array.Uint64Builder).Append(r.GasUsed)
		b.Field(4).(*array.Uint64Builder).Append(r.GasLimit)
		b.Field(5).(*array.Int64Builder).Append(r.IncludedTxCount)
		b.Field(6).(*array.Float64Builder).Append(r.MempoolCoverageOfNextBlock)
		b.Field(7).(*array.Int64Builder).Append(r.MempoolUniqueTxsInWindow)
		b.Field(8).(*array.Int64Builder).Append(r.CensoredDetectedCount)

		col := len(fixedFields)
		for i := range r.Variants {
			m := r.Variants[i]
			b.Field(col).(*array.Int64Builder).Append(m.TxCount)
			b.Field(col + 1).(*array.Int64Builder).Append(m.SizeBytes)
			rate := b.Field(col + 2).(*array.Float64Builder)
			if m.InclusionRate == nil {
				rate.AppendNull()
			} else {
				rate.Append(*m.InclusionRate)
			}
			col += 3
		}
	}
	return b.NewRecord()
}

// RowsFromRecord is the inverse of CreateArrowRecord for records with the
// output schema
func RowsFromRecord(rec arrow.Record) ([]focil.Row, error) {
	if err := checkSchema(rec.Schema()); err != nil {
		return nil, err
	}

	n := int(rec.NumRows())
	rows := make([]focil.Row, n)
	blockNumber := rec.Column(0).(*array.Uint64)
	blockTimestamp := rec.Column(1).(*array.Int64)
	baseFee := rec.Column(2).(*array.Uint64)
	gasUsed := rec.Column(3).(*array.Uint64)
	gasLimit := rec.Column(4).(*array.Uint64)
	included := rec.Column(5).(*array.Int64)
	coverage := rec.Column(6).(*array.Float64)
	unique := rec.Column(7).(*array.Int64)
	censored := rec.Column(8).(*array.Int64)

	for i := 0; i < n; i++ {
		r := &rows[i]
		r.BlockNumber = blockNumber.Value(i)
		r.BlockTimestamp = blockTimestamp.Value(i)
		r.BaseFee = baseFee.Value(i)
		r.GasUsed = gasUsed.Value(i)
		r.GasLimit = gasLimit.Value(i)
		r.IncludedTxCount = included.Value(i)
		r.MempoolCoverageOfNextBlock = coverage.Value(i)
		r.MempoolUniqueTxsInWindow = unique.Value(i)
		r.CensoredDetectedCount = censored.Value(i)

		col := len(fixedFields)
		for v := range r.Variants {
			r.Variants[v].TxCount = rec.Column(col).(*array.Int64).Value(i)
			r.Variants[v].SizeBytes = rec.Column(col + 1).(*array.Int64).Value(i)
			if rate := rec.Column(col + 2).(*array.Float64); rate.IsValid(i) {
				value := rate.Value(i)
				r.Variants[v].InclusionRate = &value
			}
			col += 3
		}
	}
	return rows, nil
}

// checkSchema compares names and types only; parquet readers may attach
// field metadata.
func checkSchema(got *arrow.Schema) error {
	want := GetArrowSchema()
	if got.NumFields() != want.NumFields() {
		return fmt.Errorf("expected %d columns, got %d", want.NumFields(), got.NumFields())
	}
	for i, f := range want.Fields() {
		g := got.Field(i)
		if g.Name != f.Name || !arrow.TypeEqual(g.Type, f.Type) {
			return fmt.Errorf("column %d: expected %s %s, got %s %s", i, f.Name, f.Type, g.Name, g.Type)
		}
	}
	return nil
}

package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/PelleKrab/eth-mempool-analysis/pkg/focil"
	"github.com/PelleKrab/eth-mempool-analysis/pkg/persistence"
)

// Gap is a run of block numbers absent from the output, both ends inclusive
type Gap struct {
	From uint64
	To   uint64
}

// QualityReport collects the data-quality checks of one output file
type QualityReport struct {
	Path     string
	Rows     int64
	MinBlock uint64
	MaxBlock uint64

	Gaps            []Gap
	MissingBlocks   uint64
	DuplicateBlocks int64

	MissingColumns    []string
	UnexpectedColumns []string
	// NullCounts covers the fixed columns only; inclusion rates may be null.
	NullCounts map[string]int64

	NonPositiveBaseFee int64
	GasOverLimit       int64
	RatesOutOfRange    int64
	OversizedLists     int64
}

// Issues describes every failed check
func (r QualityReport) Issues() []string {
	var out []string
	if r.Rows == 0 {
		out = append(out, "file has no rows")
	}
	if len(r.Gaps) > 0 {
		out = append(out, fmt.Sprintf("%d gaps covering %d blocks", len(r.Gaps), r.MissingBlocks))
	}
	if r.DuplicateBlocks > 0 {
		out = append(out, fmt.Sprintf("%d duplicate block numbers", r.DuplicateBlocks))
	}
	if len(r.MissingColumns) > 0 {
		out = append(out, "missing columns: "+strings.Join(r.MissingColumns, ", "))
	}
	if len(r.UnexpectedColumns) > 0 {
		out = append(out, "unexpected columns: "+strings.Join(r.UnexpectedColumns, ", "))
	}
	for _, col := range fixedColumns() {
		if n := r.NullCounts[col]; n > 0 {
			out = append(out, fmt.Sprintf("%d nulls in %s", n, col))
		}
	}
	if r.NonPositiveBaseFee > 0 {
		out = append(out, fmt.Sprintf("%d blocks with base_fee <= 0", r.NonPositiveBaseFee))
	}
	if r.GasOverLimit > 0 {
		out = append(out, fmt.Sprintf("%d blocks with gas_used > gas_limit", r.GasOverLimit))
	}
	if r.RatesOutOfRange > 0 {
		out = append(out, fmt.Sprintf("%d inclusion rates outside [0, 100]", r.RatesOutOfRange))
	}
	if r.OversizedLists > 0 {
		out = append(out, fmt.Sprintf("%d lists above %d bytes", r.OversizedLists, focil.MaxBytesPerInclusionList))
	}
	return out
}

// Passed reports whether every check succeeded
func (r QualityReport) Passed() bool {
	return len(r.Issues()) == 0
}

func fixedColumns() []string {
	return persistence.Columns()[:9]
}

// Verify runs the data-quality checks over a combined or chunk output file
func (s *DuckDBStorage) Verify(ctx context.Context, path string) (QualityReport, error) {
	report := QualityReport{Path: path, NullCounts: map[string]int64{}}
	src := fmt.Sprintf("read_parquet(%s)", quote(path))

	present, err := s.columns(ctx, src)
	if err != nil {
		return report, err
	}
	want := map[string]bool{}
	for _, col := range persistence.Columns() {
		want[col] = true
		if !present[col] {
			report.MissingColumns = append(report.MissingColumns, col)
		}
	}
	for col := range present {
		if !want[col] {
			report.UnexpectedColumns = append(report.UnexpectedColumns, col)
		}
	}
	sort.Strings(report.UnexpectedColumns)
	if !present[persistence.ColBlockNumber] {
		return report, nil
	}

	var minBlock, maxBlock int64
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
SELECT count(*),
       CAST(coalesce(min(block_number), 0) AS BIGINT),
       CAST(coalesce(max(block_number), 0) AS BIGINT),
       count(*) - count(DISTINCT block_number)
FROM %s`, src)).Scan(&report.Rows, &minBlock, &maxBlock, &report.DuplicateBlocks)
	if err != nil {
		return report, fmt.Errorf("failed to summarize %s: %w", path, err)
	}
	report.MinBlock, report.MaxBlock = uint64(minBlock), uint64(maxBlock)

	if report.Gaps, err = s.gaps(ctx, src); err != nil {
		return report, err
	}
	for _, g := range report.Gaps {
		report.MissingBlocks += g.To - g.From + 1
	}

	for _, col := range fixedColumns() {
		if !present[col] {
			continue
		}
		var nulls int64
		err := s.db.QueryRowContext(ctx, fmt.Sprintf(
			"SELECT count(*) - count(%s) FROM %s", ident(col), src)).Scan(&nulls)
		if err != nil {
			return report, fmt.Errorf("failed to count nulls in %s: %w", col, err)
		}
		report.NullCounts[col] = nulls
	}

	checks := []struct {
		dst   *int64
		where []string
	}{
		{&report.NonPositiveBaseFee, requireColumns(present, []string{"base_fee <= 0"}, persistence.ColBaseFee)},
		{&report.GasOverLimit, requireColumns(present, []string{"gas_used > gas_limit"}, persistence.ColGasUsed, persistence.ColGasLimit)},
		{&report.RatesOutOfRange, variantConditions(present, persistence.SuffixInclusionRate, "%s < 0 OR %s > 100")},
		{&report.OversizedLists, variantConditions(present, persistence.SuffixSizeBytes,
			"%s > "+fmt.Sprint(focil.MaxBytesPerInclusionList)+" OR %s < 0")},
	}
	for _, c := range checks {
		if len(c.where) == 0 {
			continue
		}
		query := fmt.Sprintf("SELECT count(*) FROM %s WHERE %s", src, strings.Join(c.where, " OR "))
		if err := s.db.QueryRowContext(ctx, query).Scan(c.dst); err != nil {
			return report, fmt.Errorf("failed to run check %q: %w", query, err)
		}
	}
	return report, nil
}

// columns returns the column names of a relation
func (s *DuckDBStorage) columns(ctx context.Context, relation string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("DESCRIBE SELECT * FROM %s", relation))
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", relation, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := map[string]bool{}
	for rows.Next() {
		values := make([]any, len(cols))
		var name string
		values[0] = &name
		for i := 1; i < len(values); i++ {
			values[i] = new(any)
		}
		if err := rows.Scan(values...); err != nil {
			return nil, fmt.Errorf("failed to read column list: %w", err)
		}
		out[name] = true
	}
	return out, rows.Err()
}

// gaps finds runs of missing block numbers between the first and last block
func (s *DuckDBStorage) gaps(ctx context.Context, src string) ([]Gap, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT block_number + 1, next_block - 1 FROM (
    SELECT block_number, lead(block_number) OVER (ORDER BY block_number) AS next_block
    FROM (SELECT DISTINCT CAST(block_number AS BIGINT) AS block_number FROM %s)
)
WHERE next_block - block_number > 1
ORDER BY block_number`, src))
	if err != nil {
		return nil, fmt.Errorf("failed to find gaps: %w", err)
	}
	defer rows.Close()

	var out []Gap
	for rows.Next() {
		var from, to int64
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		out = append(out, Gap{From: uint64(from), To: uint64(to)})
	}
	return out, rows.Err()
}

func requireColumns(present map[string]bool, where []string, cols ...string) []string {
	for _, c := range cols {
		if !present[c] {
			return nil
		}
	}
	return where
}

// variantConditions renders format once per variant column with the suffix
func variantConditions(present map[string]bool, suffix, format string) []string {
	var out []string
	for _, v := range focil.Variants() {
		col := persistence.VariantColumn(v, suffix)
		if present[col] {
			out = append(out, "("+fmt.Sprintf(format, ident(col), ident(col))+")")
		}
	}
	return out
}

// ident quotes a column name; variant columns start with a digit
func ident(col string) string {
	return `"` + strings.ReplaceAll(col, `"`, `""`) + `"`
}

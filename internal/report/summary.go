// Package report aggregates analysis rows into the bandwidth and censorship
// summary printed after analyze and combine.
package report

import (
	"fmt"

	"github.com/PelleKrab/eth-mempool-analysis/pkg/focil"
)

// BlocksPerYear assumes 12 second slots with every slot filled
const BlocksPerYear = 7200 * 365

const bytesPerGiB = 1024 * 1024 * 1024

// VariantSummary averages one variant over all rows
type VariantSummary struct {
	Variant      focil.Variant
	AvgTxCount   float64
	AvgSizeBytes float64
	AnnualGB     float64
	// AvgInclusionRate ignores null rates; nil when every rate was null.
	AvgInclusionRate *float64
	RateSamples      int
}

// Summary aggregates a set of analysis rows
type Summary struct {
	Blocks         int
	FirstBlock     uint64
	LastBlock      uint64
	FirstTimestamp int64
	LastTimestamp  int64

	AvgGasUsed  float64
	GasUsagePct float64

	AvgCoverage  float64
	AvgUniqueTxs float64

	AvgCensored          float64
	BlocksWithCensorship int

	// Variants is in focil.Variants() order.
	Variants []VariantSummary
}

// Summarize aggregates rows. Rows need not be sorted.
func Summarize(rows []focil.Row) Summary {
	s := Summary{}
	variants := focil.Variants()
	s.Variants = make([]VariantSummary, len(variants))
	for i, v := range variants {
		s.Variants[i].Variant = v
	}
	if len(rows) == 0 {
		return s
	}

	s.Blocks = len(rows)
	s.FirstBlock, s.LastBlock = rows[0].BlockNumber, rows[0].BlockNumber
	s.FirstTimestamp, s.LastTimestamp = rows[0].BlockTimestamp, rows[0].BlockTimestamp

	var gasUsed, gasLimit, coverage, unique, censored float64
	rateSums := make([]float64, len(variants))
	for i := range rows {
		r := &rows[i]
		s.FirstBlock = min(s.FirstBlock, r.BlockNumber)
		s.LastBlock = max(s.LastBlock, r.BlockNumber)
		s.FirstTimestamp = min(s.FirstTimestamp, r.BlockTimestamp)
		s.LastTimestamp = max(s.LastTimestamp, r.BlockTimestamp)

		gasUsed += float64(r.GasUsed)
		gasLimit += float64(r.GasLimit)
		coverage += r.MempoolCoverageOfNextBlock
		unique += float64(r.MempoolUniqueTxsInWindow)
		censored += float64(r.CensoredDetectedCount)
		if r.CensoredDetectedCount > 0 {
			s.BlocksWithCensorship++
		}

		for j, v := range variants {
			m := r.Metrics(v)
			s.Variants[j].AvgTxCount += float64(m.TxCount)
			s.Variants[j].AvgSizeBytes += float64(m.SizeBytes)
			if m.InclusionRate != nil {
				rateSums[j] += *m.InclusionRate
				s.Variants[j].RateSamples++
			}
		}
	}

	n := float64(len(rows))
	s.AvgGasUsed = gasUsed / n
	if gasLimit > 0 {
		s.GasUsagePct = gasUsed / gasLimit * 100
	}
	s.AvgCoverage = coverage / n
	s.AvgUniqueTxs = unique / n
	s.AvgCensored = censored / n

	for j := range s.Variants {
		vs := &s.Variants[j]
		vs.AvgTxCount /= n
		vs.AvgSizeBytes /= n
		vs.AnnualGB = vs.AvgSizeBytes * BlocksPerYear / bytesPerGiB
		if vs.RateSamples > 0 {
			rate := rateSums[j] / float64(vs.RateSamples)
			vs.AvgInclusionRate = &rate
		}
	}
	return s
}

// Variant returns the summary of v
func (s Summary) Variant(v focil.Variant) VariantSummary {
	for _, vs := range s.Variants {
		if vs.Variant == v {
			return vs
		}
	}
	return VariantSummary{Variant: v}
}

// DelayEffect returns, per delay, the change of the average list size
// relative to the 0-delay list in percent. ok is false when the 0-delay
// list is always empty.
func (s Summary) DelayEffect(strategy focil.Strategy) (changes []float64, ok bool) {
	base := s.Variant(focil.Variant{Delay: 0, Strategy: strategy}).AvgSizeBytes
	if base == 0 {
		return nil, false
	}
	for _, d := range focil.Delays {
		size := s.Variant(focil.Variant{Delay: d, Strategy: strategy}).AvgSizeBytes
		changes = append(changes, (size/base-1)*100)
	}
	return changes, true
}

// CensorshipPct is the share of blocks with at least one flagged transaction
func (s Summary) CensorshipPct() float64 {
	if s.Blocks == 0 {
		return 0
	}
	return float64(s.BlocksWithCensorship) / float64(s.Blocks) * 100
}

// SampleNote grades the sample size
func (s Summary) SampleNote() string {
	switch {
	case s.Blocks < 1_000:
		return "Small sample. Recommend at least 1,000 blocks (ideally 50,000+)."
	case s.Blocks < 10_000:
		return "Moderate sample. Results are indicative; extend to 50,000 blocks for publication."
	default:
		return "Large sample. Results are likely statistically significant."
	}
}

func strategyLabel(s focil.Strategy) string {
	switch s {
	case focil.StrategyTopFee:
		return "Top fee"
	case focil.StrategyCensored:
		return "Censored"
	}
	return string(s)
}

func formatRate(rate *float64) string {
	if rate == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", *rate)
}

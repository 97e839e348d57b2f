package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/PelleKrab/eth-mempool-analysis/pkg/focil"
)

// Render writes the summary as a set of tables
func Render(w io.Writer, s Summary) error {
	if s.Blocks == 0 {
		_, err := fmt.Fprintln(w, "No blocks analyzed.")
		return err
	}

	sections := []string{
		overviewTable(s),
		bandwidthTable(s),
		delayEffectTable(s),
		censorshipTable(s),
	}
	_, err := fmt.Fprintf(w, "%s\n\n%s\n", strings.Join(sections, "\n\n"), s.SampleNote())
	return err
}

func newTable(title string) table.Writer {
	t := table.NewWriter()
	t.SetTitle(title)
	t.SetStyle(table.StyleLight)
	t.Style().Title.Align = text.AlignCenter
	return t
}

func overviewTable(s Summary) string {
	t := newTable("FOCIL ANALYSIS SUMMARY")
	t.AppendRows([]table.Row{
		{"Blocks analyzed", fmt.Sprintf("%d", s.Blocks)},
		{"Block range", fmt.Sprintf("%d to %d", s.FirstBlock, s.LastBlock)},
		{"Date range", dateRange(s.FirstTimestamp, s.LastTimestamp)},
		{"Average gas used", fmt.Sprintf("%.2fM (%.1f%% of limit)", s.AvgGasUsed/1e6, s.GasUsagePct)},
		{"Mempool coverage of next block", fmt.Sprintf("%.1f%%", s.AvgCoverage)},
		{"Unique mempool txs in window", fmt.Sprintf("%.0f", s.AvgUniqueTxs)},
		{"IL size cap", fmt.Sprintf("%d bytes", focil.MaxBytesPerInclusionList)},
	})
	return t.Render()
}

func bandwidthTable(s Summary) string {
	t := newTable("BANDWIDTH MATRIX")
	t.AppendHeader(table.Row{"Strategy", "Delay", "KiB/block", "Txs/block", "GB/year", "Inclusion rate"})
	for _, strategy := range focil.Strategies {
		for _, d := range focil.Delays {
			vs := s.Variant(focil.Variant{Delay: d, Strategy: strategy})
			t.AppendRow(table.Row{
				strategyLabel(strategy),
				d,
				fmt.Sprintf("%.2f", vs.AvgSizeBytes/1024),
				fmt.Sprintf("%.1f", vs.AvgTxCount),
				fmt.Sprintf("%.2f", vs.AnnualGB),
				formatRate(vs.AvgInclusionRate),
			})
		}
		t.AppendSeparator()
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, AutoMerge: true},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})
	return t.Render()
}

func delayEffectTable(s Summary) string {
	t := newTable("DELAY EFFECT")
	t.AppendHeader(table.Row{"Strategy", "Delay", "GB/year", "Size vs 0-delay", "Inclusion rate"})
	for _, strategy := range focil.Strategies {
		changes, ok := s.DelayEffect(strategy)
		for i, d := range focil.Delays {
			vs := s.Variant(focil.Variant{Delay: d, Strategy: strategy})
			change := "n/a"
			switch {
			case ok && d == 0:
				change = "baseline"
			case ok:
				change = fmt.Sprintf("%+.1f%%", changes[i])
			}
			t.AppendRow(table.Row{strategyLabel(strategy), d, fmt.Sprintf("%.2f", vs.AnnualGB), change, formatRate(vs.AvgInclusionRate)})
		}
	}
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 1, AutoMerge: true}})
	return t.Render()
}

func censorshipTable(s Summary) string {
	t := newTable("CENSORSHIP DETECTION")
	t.AppendRows([]table.Row{
		{"Average censored txs/block", fmt.Sprintf("%.2f", s.AvgCensored)},
		{"Blocks with censorship", fmt.Sprintf("%d (%.1f%%)", s.BlocksWithCensorship, s.CensorshipPct())},
	})

	topFee := s.Variant(focil.Variant{Delay: 0, Strategy: focil.StrategyTopFee}).AnnualGB
	censored := s.Variant(focil.Variant{Delay: 0, Strategy: focil.StrategyCensored}).AnnualGB
	comparison := fmt.Sprintf("%.2f GB/year", censored)
	if topFee > 0 {
		comparison += fmt.Sprintf(" (%+.1f%% vs top fee)", (censored/topFee-1)*100)
	}
	t.AppendRow(table.Row{"Censored list bandwidth", comparison})
	return t.Render()
}

func dateRange(from, to int64) string {
	start := time.Unix(from, 0).UTC()
	end := time.Unix(to, 0).UTC()
	days := int(end.Sub(start).Hours() / 24)
	return fmt.Sprintf("%s to %s (%d days)", start.Format(time.DateOnly), end.Format(time.DateOnly), days)
}

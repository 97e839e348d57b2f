package focil

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/PelleKrab/eth-mempool-analysis/pkg/blockchain"
)

// ErrInvalidRange is returned for an empty or inverted block range
var ErrInvalidRange = errors.New("invalid block range")

// Extra seconds fetched before the earliest block so a 2-delay window and the
// first sightings of pending transactions are covered.
const (
	mempoolDelaySlack = 24
	mempoolEdgeSlack  = 2
)

// Source is the archive the analyzer reads from. Ranges are half-open.
type Source interface {
	Blocks(ctx context.Context, from, to uint64) ([]blockchain.Block, error)
	Mempool(ctx context.Context, fromTS, toTS int64) (*blockchain.Mempool, error)
	IncludedTransactions(ctx context.Context, from, to uint64) (blockchain.InclusionIndex, error)
}

// Analyzer runs the block processor sequentially over block ranges
type Analyzer struct {
	source Source
	params Params
	log    logrus.FieldLogger
}

// NewAnalyzer creates an analyzer reading from source
func NewAnalyzer(source Source, params Params, log logrus.FieldLogger) *Analyzer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Analyzer{source: source, params: params, log: log}
}

// Load fetches the blocks, observations and inclusions needed for
// [start, end), including warm-up and look-ahead padding. It returns nil
// data when the archive has no blocks for the range.
func (a *Analyzer) Load(ctx context.Context, start, end uint64) (*RangeData, error) {
	from := uint64(0)
	if start > WarmupBlocks {
		from = start - WarmupBlocks
	}
	to := end + LookaheadBlocks

	blocks, err := a.source.Blocks(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch blocks %d-%d: %w", from, to, err)
	}
	if len(blocks) == 0 {
		a.log.WithFields(logrus.Fields{"start": start, "end": end}).Warn("⚠️ No blocks found for range")
		return nil, nil
	}
	sort.SliceStable(blocks, func(i, j int) bool { return blocks[i].Number < blocks[j].Number })
	a.log.Infof("📦 Got %d blocks (including warm-up and look-ahead)", len(blocks))

	minTS, maxTS := blocks[0].Timestamp, blocks[0].Timestamp
	for _, b := range blocks[1:] {
		if b.Timestamp < minTS {
			minTS = b.Timestamp
		}
		if b.Timestamp > maxTS {
			maxTS = b.Timestamp
		}
	}
	fromTS := minTS - mempoolDelaySlack + a.params.WindowStart - mempoolEdgeSlack
	toTS := maxTS + a.params.WindowEnd + mempoolEdgeSlack

	mempool, err := a.source.Mempool(ctx, fromTS, toTS)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch mempool %d-%d: %w", fromTS, toTS, err)
	}
	if mempool.Len() == 0 {
		a.log.WithFields(logrus.Fields{"from_ts": fromTS, "to_ts": toTS}).Warn("⚠️ No mempool observations in window")
	}

	index, err := a.source.IncludedTransactions(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch included transactions %d-%d: %w", from, to, err)
	}
	if len(index) == 0 {
		a.log.WithFields(logrus.Fields{"from": from, "to": to}).Warn("⚠️ No included transactions found")
	}

	return &RangeData{Blocks: blocks, Mempool: mempool, Index: index}, nil
}

// AnalyzeRange returns one row per known block in [start, end). The three
// blocks before start are processed first to prime the state and produce no
// rows. Blocks are visited strictly in increasing order.
func (a *Analyzer) AnalyzeRange(ctx context.Context, start, end uint64) ([]Row, error) {
	if start >= end {
		return nil, fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, start, end)
	}
	log := a.log.WithFields(logrus.Fields{"start": start, "end": end})
	log.Info("🔍 Analyzing block range")

	data, err := a.Load(ctx, start, end)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	proc := NewProcessor(*data, a.params)
	log.Infof("🔁 Found %d replaced transactions", proc.Replaced().Cardinality())

	return a.run(ctx, proc, data.Blocks, start, end)
}

// run threads the state through the warm-up and active phases
func (a *Analyzer) run(ctx context.Context, proc *Processor, blocks []blockchain.Block, start, end uint64) ([]Row, error) {
	state := NewState()
	var rows []Row
	for _, b := range blocks {
		if b.Number >= end {
			break
		}
		if err := ctx.Err(); err != nil {
			return rows, err
		}
		if b.Number+WarmupBlocks < start {
			continue
		}

		row, next, err := proc.Process(state, b.Number)
		if err != nil {
			return rows, err
		}
		state = next
		if b.Number < start {
			continue
		}
		rows = append(rows, row)
	}
	a.log.WithFields(logrus.Fields{"start": start, "end": end, "rows": len(rows)}).Info("✅ Range analyzed")
	return rows, nil
}

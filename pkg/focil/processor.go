package focil

import (
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/PelleKrab/eth-mempool-analysis/pkg/blockchain"
)

// ErrUnknownBlock is returned when a block is processed that was never fetched
var ErrUnknownBlock = errors.New("block not in range data")

// RangeData is everything fetched once for an analyzed range
type RangeData struct {
	Blocks  []blockchain.Block
	Mempool *blockchain.Mempool
	Index   blockchain.InclusionIndex
}

// Processor builds the six inclusion lists of a block and measures them.
// It holds only read-only, per-range data; accumulated history travels in
// the State passed to Process.
type Processor struct {
	params  Params
	blocks  map[uint64]blockchain.Block
	mempool *blockchain.Mempool
	index   blockchain.InclusionIndex

	lifecycles []Lifecycle
	replaced   mapset.Set[common.Hash]
	senders    map[common.Hash][]common.Address
}

// NewProcessor aggregates lifecycles and resolves nonce replacements for the
// range
func NewProcessor(data RangeData, params Params) *Processor {
	blocks := make(map[uint64]blockchain.Block, len(data.Blocks))
	for _, b := range data.Blocks {
		blocks[b.Number] = b
	}
	mempool := data.Mempool
	if mempool == nil {
		mempool = blockchain.NewMempool(nil, false, false)
	}
	index := data.Index
	if index == nil {
		index = blockchain.InclusionIndex{}
	}

	return &Processor{
		params:     params,
		blocks:     blocks,
		mempool:    mempool,
		index:      index,
		lifecycles: AggregateLifecycles(mempool),
		replaced:   ResolveReplacements(mempool, index),
		senders:    SendersByHash(mempool),
	}
}

// Replaced returns the replaced-transaction set of the range
func (p *Processor) Replaced() mapset.Set[common.Hash] {
	return p.replaced
}

// Lifecycles returns the per-hash lifecycle records of the range
func (p *Processor) Lifecycles() []Lifecycle {
	return p.lifecycles
}

// Process advances state to block n and measures its six inclusion lists
func (p *Processor) Process(state State, n uint64) (Row, State, error) {
	block, ok := p.blocks[n]
	if !ok {
		return Row{}, state, fmt.Errorf("block %d: %w", n, ErrUnknownBlock)
	}
	state = state.Advance(p.index, p.senders, n)

	row := Row{
		BlockNumber:     block.Number,
		BlockTimestamp:  block.Timestamp,
		BaseFee:         saturatingUint64(block.BaseFee),
		GasUsed:         block.GasUsed,
		GasLimit:        block.GasLimit,
		IncludedTxCount: block.IncludedTxCount,
	}
	p.coverage(&row, block)

	for _, v := range Variants() {
		var il InclusionList
		switch v.Strategy {
		case StrategyTopFee:
			il = p.topFee(block, v.Delay, state)
		case StrategyCensored:
			var flagged int64
			var evaluated bool
			il, flagged, evaluated = p.censored(block, v.Delay, state)
			if v.Delay == 1 && evaluated {
				row.CensoredDetectedCount = flagged
			}
		}

		m := row.Metrics(v)
		m.TxCount = int64(il.Len())
		m.SizeBytes = il.TotalSize
		m.InclusionRate = p.inclusionRate(il, n, v.Delay)
	}
	return row, state, nil
}

// coverage fills the mempool window statistics of the block
func (p *Processor) coverage(row *Row, block blockchain.Block) {
	window := p.mempool.Window(block.Timestamp+p.params.WindowStart, block.Timestamp+p.params.WindowEnd)
	hashes := blockchain.NewHashSet()
	for _, o := range window {
		hashes.Add(o.Hash)
	}
	row.MempoolUniqueTxsInWindow = int64(hashes.Cardinality())

	next := p.index.Block(block.Number + 1)
	if next.Cardinality() == 0 {
		return
	}
	overlap := hashes.Intersect(next).Cardinality()
	row.MempoolCoverageOfNextBlock = float64(overlap) / float64(next.Cardinality()) * 100
}

// topFee builds the top-fee list from the window of block n-delay
func (p *Processor) topFee(block blockchain.Block, delay uint64, state State) InclusionList {
	if delay > block.Number {
		return InclusionList{}
	}
	anchor, ok := p.blocks[block.Number-delay]
	if !ok {
		return InclusionList{}
	}
	candidates := TopFeeCandidates(p.mempool, anchor.Timestamp, p.params, block.BaseFee)
	return BuildInclusionList(candidates, block.BaseFee, state.Included)
}

// censored flags block n-delay and builds the list from its candidates.
// evaluated is false when the target or its parent block is unknown.
func (p *Processor) censored(block blockchain.Block, delay uint64, state State) (il InclusionList, flagged int64, evaluated bool) {
	if delay+1 > block.Number {
		return InclusionList{}, 0, false
	}
	targetNumber := block.Number - delay
	target, ok := p.blocks[targetNumber]
	if !ok {
		return InclusionList{}, 0, false
	}
	previous, ok := p.blocks[targetNumber-1]
	if !ok {
		return InclusionList{}, 0, false
	}

	found := FlagCensored(FlagInput{
		Mempool:         p.mempool,
		Lifecycles:      p.lifecycles,
		Target:          target,
		Previous:        previous,
		Replaced:        p.replaced,
		AlreadyIncluded: p.index.Union(targetNumber-1, block.Number),
		ActiveSenders:   state.Active,
		Params:          p.params,
	})
	candidates := CensoredCandidates(found, block.BaseFee)
	return BuildInclusionList(candidates, block.BaseFee, state.Included), int64(len(found)), true
}

// inclusionRate is the share of the list mined in blocks n-delay+1 through
// n+1, in percent
func (p *Processor) inclusionRate(il InclusionList, n, delay uint64) *float64 {
	if il.Len() == 0 {
		return nil
	}
	from := uint64(0)
	if n+1 > delay {
		from = n - delay + 1
	}
	window := p.index.Union(from, n+1)
	if window.Cardinality() == 0 {
		return nil
	}

	selected := blockchain.NewHashSet(il.Hashes()...)
	rate := float64(selected.Intersect(window).Cardinality()) / float64(selected.Cardinality()) * 100
	return &rate
}

func saturatingUint64(v *uint256.Int) uint64 {
	if v == nil {
		return 0
	}
	if !v.IsUint64() {
		return ^uint64(0)
	}
	return v.Uint64()
}

// Package focil reconstructs counterfactual FOCIL (EIP-7805) inclusion lists
// from archived block and mempool history.
//
// For every block N of a range it builds six lists, one per enforcement delay
// (0, 1 or 2 slots) and selection strategy (top priority fee, or transactions
// that look censored), and measures how many of the selected transactions were
// mined anyway before the list would have been enforced at N+1.
package focil

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MaxBytesPerInclusionList is the EIP-7805 byte cap on IL transactions (8 KiB).
const MaxBytesPerInclusionList = 8192

// WarmupBlocks is the number of blocks processed before the requested start
// to prime the accumulated state.
const WarmupBlocks = 3

// LookaheadBlocks is how far past the range end blocks and inclusions are
// fetched, so block N+1 is known for the last block of the range.
const LookaheadBlocks = 3

// Strategy selects the candidate pool of an inclusion list
type Strategy string

const (
	StrategyTopFee   Strategy = "topfee"
	StrategyCensored Strategy = "censored"
)

// Delays are the enforcement delays evaluated for every block.
var Delays = []uint64{0, 1, 2}

// Strategies are evaluated in this order for each delay.
var Strategies = []Strategy{StrategyTopFee, StrategyCensored}

// Variant identifies one of the six inclusion lists built per block
type Variant struct {
	Delay    uint64
	Strategy Strategy
}

// Variants returns the six variants in output column order
func Variants() []Variant {
	out := make([]Variant, 0, len(Delays)*len(Strategies))
	for _, d := range Delays {
		for _, s := range Strategies {
			out = append(out, Variant{Delay: d, Strategy: s})
		}
	}
	return out
}

// Prefix is the column prefix of the variant, e.g. "1delay_censored"
func (v Variant) Prefix() string {
	return fmt.Sprintf("%ddelay_%s", v.Delay, v.Strategy)
}

// Params are the tunables of the analysis. Times are in seconds.
type Params struct {
	// Observation window relative to the anchor block timestamp.
	WindowStart int64
	WindowEnd   int64

	MinDwell int64
	MaxDwell int64

	// FeePercentile is a quantile in [0, 1].
	FeePercentile    float64
	PercentileWindow int64
}

// DefaultParams returns the parameters used when nothing is configured
func DefaultParams() Params {
	return Params{
		WindowStart:      -12,
		WindowEnd:        0,
		MinDwell:         12,
		MaxDwell:         120,
		FeePercentile:    0.25,
		PercentileWindow: 60,
	}
}

// Validate checks that the parameters describe sensible windows
func (p Params) Validate() error {
	if p.WindowStart > p.WindowEnd {
		return fmt.Errorf("window start %d is after window end %d", p.WindowStart, p.WindowEnd)
	}
	if p.MinDwell < 0 || p.MinDwell > p.MaxDwell {
		return fmt.Errorf("invalid dwell bounds [%d, %d]", p.MinDwell, p.MaxDwell)
	}
	if p.FeePercentile < 0 || p.FeePercentile > 1 {
		return fmt.Errorf("fee percentile %v must be within [0, 1]", p.FeePercentile)
	}
	if p.PercentileWindow < 0 {
		return fmt.Errorf("percentile window %d must not be negative", p.PercentileWindow)
	}
	return nil
}

// Lifecycle is one distinct transaction collapsed from all of its sightings
type Lifecycle struct {
	Hash        common.Hash
	Sender      common.Address
	FirstSeen   int64
	MaxFee      *uint256.Int
	PriorityFee *uint256.Int
	Size        int64
	GasLimit    uint64
}

// Candidate is a transaction considered for an inclusion list
type Candidate struct {
	Hash        common.Hash
	MaxFee      *uint256.Int
	PriorityFee *uint256.Int
	Size        int64
}

// Entry is a transaction selected into an inclusion list
type Entry struct {
	Hash                 common.Hash
	Size                 int64
	EffectivePriorityFee *uint256.Int
}

// InclusionList is an ordered selection whose total size never exceeds
// MaxBytesPerInclusionList.
type InclusionList struct {
	Entries   []Entry
	TotalSize int64
}

// Len returns the number of selected transactions
func (il InclusionList) Len() int {
	return len(il.Entries)
}

// Hashes returns the selected hashes in order
func (il InclusionList) Hashes() []common.Hash {
	out := make([]common.Hash, len(il.Entries))
	for i, e := range il.Entries {
		out[i] = e.Hash
	}
	return out
}

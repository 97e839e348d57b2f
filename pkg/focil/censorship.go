package focil

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"

	"github.com/PelleKrab/eth-mempool-analysis/pkg/blockchain"
)

// FlagInput carries everything the censorship flagger looks at for one
// evaluation block.
type FlagInput struct {
	Mempool    *blockchain.Mempool
	Lifecycles []Lifecycle

	// Target is the evaluation block, Previous the block right before it.
	Target   blockchain.Block
	Previous blockchain.Block

	Replaced        mapset.Set[common.Hash]
	AlreadyIncluded mapset.Set[common.Hash]
	ActiveSenders   mapset.Set[common.Address]

	Params Params
}

// FeeThreshold returns the configured quantile of the effective priority fee
// over the observations seen in [ts - window, ts] that can pay the base fee.
// ok is false when no such observation exists.
func FeeThreshold(mempool *blockchain.Mempool, target blockchain.Block, params Params) (threshold float64, ok bool) {
	window := mempool.Window(target.Timestamp-params.PercentileWindow, target.Timestamp)
	fees := make([]float64, 0, len(window))
	for _, o := range window {
		fee, valid := EffectivePriorityFee(o.MaxFee, o.PriorityFee, target.BaseFee)
		if !valid {
			continue
		}
		fees = append(fees, toFloat(fee))
	}
	if len(fees) == 0 {
		return 0, false
	}
	return Quantile(fees, params.FeePercentile), true
}

// FlagCensored returns the transactions that were valid, competitively
// priced, pending long enough, not replaced, small enough to fit in both the
// target and its preceding block, never included around the target, and sent
// by an active sender. Output is sorted by hash.
func FlagCensored(in FlagInput) []Lifecycle {
	if in.Mempool.Len() == 0 {
		return nil
	}
	threshold, ok := FeeThreshold(in.Mempool, in.Target, in.Params)
	if !ok {
		return nil
	}

	ts := in.Target.Timestamp
	capacity := in.Previous.AvailableGas()
	if avail := in.Target.AvailableGas(); avail < capacity {
		capacity = avail
	}

	var out []Lifecycle
	for _, lc := range in.Lifecycles {
		fee, valid := EffectivePriorityFee(lc.MaxFee, lc.PriorityFee, in.Target.BaseFee)
		if !valid || toFloat(fee) < threshold {
			continue
		}
		if lc.FirstSeen >= ts {
			continue
		}
		dwell := ts - lc.FirstSeen
		if dwell < in.Params.MinDwell || dwell > in.Params.MaxDwell {
			continue
		}
		if in.Replaced != nil && in.Replaced.Contains(lc.Hash) {
			continue
		}
		if lc.GasLimit == 0 || lc.GasLimit > capacity {
			continue
		}
		if in.AlreadyIncluded != nil && in.AlreadyIncluded.Contains(lc.Hash) {
			continue
		}
		if in.ActiveSenders == nil || !in.ActiveSenders.Contains(lc.Sender) {
			continue
		}
		out = append(out, lc)
	}
	return out
}

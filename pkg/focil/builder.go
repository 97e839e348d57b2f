package focil

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/PelleKrab/eth-mempool-analysis/pkg/blockchain"
)

// TopFeeCandidates returns the observations seen within the configured window
// around anchorTS that can pay baseFee. When the table carries transaction
// types only dynamic-fee transactions are kept.
func TopFeeCandidates(mempool *blockchain.Mempool, anchorTS int64, params Params, baseFee *uint256.Int) []Candidate {
	window := mempool.Window(anchorTS+params.WindowStart, anchorTS+params.WindowEnd)
	out := make([]Candidate, 0, len(window))
	for _, o := range window {
		if !coversBaseFee(o.MaxFee, baseFee) {
			continue
		}
		if mempool.HasTxType && (!o.HasTxType || o.TxType != types.DynamicFeeTxType) {
			continue
		}
		out = append(out, Candidate{
			Hash:        o.Hash,
			MaxFee:      o.MaxFee,
			PriorityFee: o.PriorityFee,
			Size:        o.Size,
		})
	}
	return out
}

// CensoredCandidates turns flagged lifecycles into candidates that can still
// pay baseFee.
func CensoredCandidates(flagged []Lifecycle, baseFee *uint256.Int) []Candidate {
	out := make([]Candidate, 0, len(flagged))
	for _, lc := range flagged {
		if !coversBaseFee(lc.MaxFee, baseFee) {
			continue
		}
		out = append(out, Candidate{
			Hash:        lc.Hash,
			MaxFee:      lc.MaxFee,
			PriorityFee: lc.PriorityFee,
			Size:        lc.Size,
		})
	}
	return out
}

// BuildInclusionList ranks candidates by effective priority fee against
// baseFee, drops duplicates and already included hashes, and keeps the
// longest prefix of the ranking whose total size fits in
// MaxBytesPerInclusionList. The scan stops at the first transaction that
// overflows the cap; later, smaller transactions are not backfilled.
func BuildInclusionList(candidates []Candidate, baseFee *uint256.Int, alreadyIncluded mapset.Set[common.Hash]) InclusionList {
	ranked := make([]Entry, 0, len(candidates))
	for _, c := range candidates {
		fee, ok := EffectivePriorityFee(c.MaxFee, c.PriorityFee, baseFee)
		if !ok {
			continue
		}
		ranked = append(ranked, Entry{Hash: c.Hash, Size: c.Size, EffectivePriorityFee: fee})
	}
	sortByFee(ranked)

	seen := make(map[common.Hash]struct{}, len(ranked))
	unique := ranked[:0]
	for _, e := range ranked {
		if _, dup := seen[e.Hash]; dup {
			continue
		}
		seen[e.Hash] = struct{}{}
		if alreadyIncluded != nil && alreadyIncluded.Contains(e.Hash) {
			continue
		}
		unique = append(unique, e)
	}
	if len(unique) == 0 {
		return InclusionList{}
	}

	sized := unique[:0]
	for _, e := range unique {
		if e.Size > 0 {
			sized = append(sized, e)
		}
	}
	sortByFee(sized)

	return packPrefix(sized)
}

// packPrefix keeps entries while the running size stays within the cap
func packPrefix(entries []Entry) InclusionList {
	var il InclusionList
	for _, e := range entries {
		if il.TotalSize+e.Size > MaxBytesPerInclusionList {
			break
		}
		il.TotalSize += e.Size
		il.Entries = append(il.Entries, e)
	}
	return il
}

func sortByFee(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].EffectivePriorityFee.Gt(entries[j].EffectivePriorityFee)
	})
}

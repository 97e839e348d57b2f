package focil

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/PelleKrab/eth-mempool-analysis/pkg/blockchain"
)

// AggregateLifecycles collapses the observation table into one record per
// hash. FirstSeen is the earliest sighting; every other field comes from the
// first observation of the hash in table order. Records are sorted by hash.
func AggregateLifecycles(mempool *blockchain.Mempool) []Lifecycle {
	if mempool.Len() == 0 {
		return nil
	}

	byHash := make(map[common.Hash]int, mempool.Len())
	out := make([]Lifecycle, 0, mempool.Len())
	for _, o := range mempool.Observations {
		if i, ok := byHash[o.Hash]; ok {
			if o.SeenAt < out[i].FirstSeen {
				out[i].FirstSeen = o.SeenAt
			}
			continue
		}
		byHash[o.Hash] = len(out)
		out = append(out, Lifecycle{
			Hash:        o.Hash,
			Sender:      o.Sender,
			FirstSeen:   o.SeenAt,
			MaxFee:      o.MaxFee,
			PriorityFee: o.PriorityFee,
			Size:        o.Size,
			GasLimit:    o.GasLimit,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Hash[:], out[j].Hash[:]) < 0
	})
	return out
}

// SendersByHash maps each observed hash to the distinct senders reported for it.
func SendersByHash(mempool *blockchain.Mempool) map[common.Hash][]common.Address {
	out := make(map[common.Hash][]common.Address)
	if mempool.Len() == 0 || !mempool.HasSenderNonce {
		return out
	}
	for _, o := range mempool.Observations {
		senders := out[o.Hash]
		known := false
		for _, s := range senders {
			if s == o.Sender {
				known = true
				break
			}
		}
		if !known {
			out[o.Hash] = append(senders, o.Sender)
		}
	}
	return out
}

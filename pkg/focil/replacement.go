package focil

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/PelleKrab/eth-mempool-analysis/pkg/blockchain"
)

// nonceKey identifies a sender-scoped nonce slot
type nonceKey struct {
	sender common.Address
	nonce  uint64
}

// nonceGroup keeps the distinct hashes of a slot in first-seen table order
type nonceGroup struct {
	hashes []common.Hash
	maxFee map[common.Hash]*uint256.Int
}

// groupByNonce builds the (sender, nonce) -> hashes map used by the resolver.
// Group order follows the first appearance of each slot in the table.
func groupByNonce(mempool *blockchain.Mempool) ([]nonceKey, map[nonceKey]*nonceGroup) {
	var order []nonceKey
	groups := make(map[nonceKey]*nonceGroup)
	for _, o := range mempool.Observations {
		key := nonceKey{sender: o.Sender, nonce: o.Nonce}
		g, ok := groups[key]
		if !ok {
			g = &nonceGroup{maxFee: make(map[common.Hash]*uint256.Int)}
			groups[key] = g
			order = append(order, key)
		}
		if _, seen := g.maxFee[o.Hash]; seen {
			continue
		}
		g.hashes = append(g.hashes, o.Hash)
		g.maxFee[o.Hash] = o.MaxFee
	}
	return order, groups
}

// ResolveReplacements returns the hashes superseded by another transaction
// of the same sender and nonce. Per slot with k distinct hashes, exactly
// k-1 are returned: the final one is the first hash of the slot that was
// ever included, or failing that the one with the highest fee cap (the
// earliest in table order on ties).
func ResolveReplacements(mempool *blockchain.Mempool, index blockchain.InclusionIndex) mapset.Set[common.Hash] {
	replaced := blockchain.NewHashSet()
	if mempool.Len() == 0 || !mempool.HasSenderNonce {
		return replaced
	}

	included := index.All()
	order, groups := groupByNonce(mempool)
	for _, key := range order {
		g := groups[key]
		if len(g.hashes) < 2 {
			continue
		}

		final := -1
		for i, h := range g.hashes {
			if included.Contains(h) {
				final = i
				break
			}
		}
		if final < 0 {
			final = 0
			for i, h := range g.hashes[1:] {
				if feeGreater(g.maxFee[h], g.maxFee[g.hashes[final]]) {
					final = i + 1
				}
			}
		}

		for i, h := range g.hashes {
			if i != final {
				replaced.Add(h)
			}
		}
	}
	return replaced
}

// feeGreater orders fees with a missing value below any known one
func feeGreater(a, b *uint256.Int) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	default:
		return a.Gt(b)
	}
}

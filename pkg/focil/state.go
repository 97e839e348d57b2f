package focil

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"

	"github.com/PelleKrab/eth-mempool-analysis/pkg/blockchain"
)

// State is the accumulated history threaded through the block loop.
//
// Included holds every hash included in an indexed block up to and including
// Through. Active holds the senders with at least one observed transaction
// included strictly before Through. Both sets only grow; Advance returns a
// state that shares them, so a state must not be used after it was advanced.
type State struct {
	Started bool
	Through uint64

	Included mapset.Set[common.Hash]
	Active   mapset.Set[common.Address]

	// pending are the hashes of block Through, folded into Active on the
	// next advance.
	pending mapset.Set[common.Hash]
}

// NewState returns an empty state
func NewState() State {
	return State{
		Included: blockchain.NewHashSet(),
		Active:   mapset.NewThreadUnsafeSet[common.Address](),
		pending:  blockchain.NewHashSet(),
	}
}

// Advance folds every indexed block up to n into the state. Blocks at or
// below the current Through are never revisited.
func (s State) Advance(index blockchain.InclusionIndex, senders map[common.Hash][]common.Address, n uint64) State {
	if s.Included == nil {
		s = NewState()
	}
	if s.Started && n <= s.Through {
		return s
	}

	// Senders of block Through become active once the loop moves past it.
	addSenders(s.Active, s.pending, senders)
	pending := blockchain.NewHashSet()

	for _, number := range index.Blocks() {
		if s.Started && number <= s.Through {
			continue
		}
		if number > n {
			break
		}
		set := index[number]
		set.Each(func(h common.Hash) bool {
			s.Included.Add(h)
			return false
		})
		if number == n {
			pending = set
			continue
		}
		addSenders(s.Active, set, senders)
	}

	s.pending = pending
	s.Through = n
	s.Started = true
	return s
}

// ActiveSenders computes the active sender set for block n directly from the
// index: senders of observed hashes in already_included(<=n) minus the
// inclusions of n itself.
func ActiveSenders(n uint64, index blockchain.InclusionIndex, mempool *blockchain.Mempool) mapset.Set[common.Address] {
	active := mapset.NewThreadUnsafeSet[common.Address]()
	if mempool.Len() == 0 || !mempool.HasSenderNonce {
		return active
	}

	before := blockchain.NewHashSet()
	for number, set := range index {
		if number < n {
			before = before.Union(set)
		}
	}
	before = before.Difference(index.Block(n))

	for _, o := range mempool.Observations {
		if before.Contains(o.Hash) {
			active.Add(o.Sender)
		}
	}
	return active
}

func addSenders(active mapset.Set[common.Address], hashes mapset.Set[common.Hash], senders map[common.Hash][]common.Address) {
	if hashes == nil {
		return
	}
	hashes.Each(func(h common.Hash) bool {
		for _, s := range senders[h] {
			active.Add(s)
		}
		return false
	})
}

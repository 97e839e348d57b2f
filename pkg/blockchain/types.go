package blockchain

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Block is one canonical block as archived by the beacon/execution indexer
type Block struct {
	Number          uint64       `json:"block_number"`
	Timestamp       int64        `json:"block_timestamp"`
	BaseFee         *uint256.Int `json:"base_fee"`
	GasUsed         uint64       `json:"gas_used"`
	GasLimit        uint64       `json:"gas_limit"`
	IncludedTxCount int64        `json:"included_tx_count"`
}

// AvailableGas returns the unused gas of the block, zero when the block is full
func (b Block) AvailableGas() uint64 {
	if b.GasUsed >= b.GasLimit {
		return 0
	}
	return b.GasLimit - b.GasUsed
}

// Observation is a single mempool sighting of a transaction
type Observation struct {
	Hash        common.Hash    `json:"tx_hash"`
	Sender      common.Address `json:"sender"`
	Nonce       uint64         `json:"nonce"`
	SeenAt      int64          `json:"seen_timestamp"`
	MaxFee      *uint256.Int   `json:"max_fee"`
	PriorityFee *uint256.Int   `json:"priority_fee"`
	Size        int64          `json:"tx_size"`   // <= 0 when unknown
	GasLimit    uint64         `json:"gas_limit"` // 0 when unknown
	TxType      uint8          `json:"tx_type"`
	HasTxType   bool           `json:"-"`
}

// Mempool is the observation table for one analysis range.
type Mempool struct {
	// Observations ordered by SeenAt; ties keep the order they were fetched in.
	Observations []Observation

	// HasSenderNonce is false when the source carries no sender/nonce columns.
	HasSenderNonce bool
	// HasTxType is false when the source carries no transaction type column.
	HasTxType bool
}

// NewMempool sorts the observations by seen timestamp and wraps them
func NewMempool(observations []Observation, hasSenderNonce, hasTxType bool) *Mempool {
	sorted := make([]Observation, len(observations))
	copy(sorted, observations)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SeenAt < sorted[j].SeenAt
	})
	return &Mempool{
		Observations:   sorted,
		HasSenderNonce: hasSenderNonce,
		HasTxType:      hasTxType,
	}
}

// Window returns the observations seen within [from, to], both ends inclusive.
// The returned slice aliases the table and must not be modified.
func (m *Mempool) Window(from, to int64) []Observation {
	if m == nil || from > to {
		return nil
	}
	lo := sort.Search(len(m.Observations), func(i int) bool {
		return m.Observations[i].SeenAt >= from
	})
	hi := sort.Search(len(m.Observations), func(i int) bool {
		return m.Observations[i].SeenAt > to
	})
	return m.Observations[lo:hi]
}

// Len returns the number of observations
func (m *Mempool) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Observations)
}

// InclusionIndex maps a block number to the hashes finalized in that block
type InclusionIndex map[uint64]mapset.Set[common.Hash]

// NewHashSet returns an empty hash set of the kind stored in the index
func NewHashSet(hashes ...common.Hash) mapset.Set[common.Hash] {
	return mapset.NewThreadUnsafeSet[common.Hash](hashes...)
}

// Add records hash as included in block number
func (idx InclusionIndex) Add(number uint64, hash common.Hash) {
	set, ok := idx[number]
	if !ok {
		set = NewHashSet()
		idx[number] = set
	}
	set.Add(hash)
}

// Block returns the hashes included in block number, never nil
func (idx InclusionIndex) Block(number uint64) mapset.Set[common.Hash] {
	if set, ok := idx[number]; ok {
		return set
	}
	return NewHashSet()
}

// Union returns the hashes included in blocks [from, to], both ends inclusive
func (idx InclusionIndex) Union(from, to uint64) mapset.Set[common.Hash] {
	out := NewHashSet()
	if from > to {
		return out
	}
	add := func(set mapset.Set[common.Hash]) {
		set.Each(func(h common.Hash) bool {
			out.Add(h)
			return false
		})
	}
	if to-from < uint64(len(idx)) {
		for number := from; ; number++ {
			if set, ok := idx[number]; ok {
				add(set)
			}
			if number == to {
				break
			}
		}
		return out
	}
	for number, set := range idx {
		if number >= from && number <= to {
			add(set)
		}
	}
	return out
}

// Contains reports whether hash was included in any indexed block
func (idx InclusionIndex) Contains(hash common.Hash) bool {
	for _, set := range idx {
		if set.Contains(hash) {
			return true
		}
	}
	return false
}

// All returns every hash in the index
func (idx InclusionIndex) All() mapset.Set[common.Hash] {
	out := NewHashSet()
	for _, set := range idx {
		set.Each(func(h common.Hash) bool {
			out.Add(h)
			return false
		})
	}
	return out
}

// Blocks returns the indexed block numbers in increasing order
func (idx InclusionIndex) Blocks() []uint64 {
	numbers := make([]uint64, 0, len(idx))
	for number := range idx {
		numbers = append(numbers, number)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	return numbers
}

package focil_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"

	"github.com/PelleKrab/eth-mempool-analysis/pkg/blockchain"
	"github.com/PelleKrab/eth-mempool-analysis/pkg/focil"
)

func TestResolveReplacements(t *testing.T) {
	tests := []struct {
		name         string
		observations []blockchain.Observation
		included     map[uint64][]common.Hash
		want         []common.Hash
	}{
		{
			name: "included transaction is final",
			observations: []blockchain.Observation{
				obs(1, 1, 5, 100, 50, 2),
				obs(2, 1, 5, 110, 40, 2),
				obs(3, 1, 5, 120, 30, 2),
			},
			included: map[uint64][]common.Hash{10: {hashOf(3)}},
			want:     []common.Hash{hashOf(1), hashOf(2)},
		},
		{
			name: "highest fee cap is final when nothing was included",
			observations: []blockchain.Observation{
				obs(1, 1, 5, 100, 30, 2),
				obs(2, 1, 5, 110, 60, 2),
				obs(3, 1, 5, 120, 40, 2),
			},
			want: []common.Hash{hashOf(1), hashOf(3)},
		},
		{
			name: "fee tie keeps the earliest",
			observations: []blockchain.Observation{
				obs(1, 1, 5, 100, 60, 2),
				obs(2, 1, 5, 110, 60, 2),
			},
			want: []common.Hash{hashOf(2)},
		},
		{
			name: "repeat sightings are one transaction",
			observations: []blockchain.Observation{
				obs(1, 1, 5, 100, 60, 2),
				obs(1, 1, 5, 130, 60, 2),
				obs(2, 2, 5, 110, 60, 2),
			},
			want: nil,
		},
		{
			name: "groups are per sender and nonce",
			observations: []blockchain.Observation{
				obs(1, 1, 5, 100, 60, 2),
				obs(2, 1, 6, 100, 60, 2),
				obs(3, 2, 5, 100, 60, 2),
				obs(4, 2, 5, 101, 70, 2),
			},
			want: []common.Hash{hashOf(3)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			index := blockchain.InclusionIndex{}
			for number, hashes := range tt.included {
				for _, h := range hashes {
					index.Add(number, h)
				}
			}
			mempool := blockchain.NewMempool(tt.observations, true, true)

			got := focil.ResolveReplacements(mempool, index)

			assert.ElementsMatch(t, tt.want, got.ToSlice())
		})
	}
}

func TestResolveReplacementsKeepsOnePerGroup(t *testing.T) {
	type slot struct {
		sender common.Address
		nonce  uint64
	}
	var observations []blockchain.Observation
	groups := map[slot]int{}
	hash := 0
	for sender := 1; sender <= 6; sender++ {
		for nonce := 0; nonce < 4; nonce++ {
			k := (sender*7+nonce*3)%5 + 1
			groups[slot{addrOf(sender), uint64(nonce)}] = k
			for i := 0; i < k; i++ {
				hash++
				observations = append(observations, obs(hash, sender, uint64(nonce), int64(1000+hash), uint64(10+hash%4), 1))
			}
		}
	}
	index := blockchain.InclusionIndex{}
	index.Add(1, hashOf(2))
	index.Add(2, hashOf(9))

	replaced := focil.ResolveReplacements(blockchain.NewMempool(observations, true, true), index)

	perGroup := map[slot]int{}
	for _, o := range observations {
		if replaced.Contains(o.Hash) {
			perGroup[slot{o.Sender, o.Nonce}]++
		}
	}
	for key, k := range groups {
		assert.Equal(t, k-1, perGroup[key], "group %v", key)
	}
}

func TestResolveReplacementsWithoutSenderColumns(t *testing.T) {
	mempool := blockchain.NewMempool([]blockchain.Observation{
		obs(1, 1, 5, 100, 50, 2),
		obs(2, 1, 5, 110, 40, 2),
	}, false, true)

	got := focil.ResolveReplacements(mempool, blockchain.InclusionIndex{})
	assert.Equal(t, 0, got.Cardinality())
}

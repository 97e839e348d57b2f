package focil_test

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/PelleKrab/eth-mempool-analysis/pkg/blockchain"
)

func gwei(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1_000_000_000))
}

func hashOf(n int) common.Hash {
	return common.BigToHash(big.NewInt(int64(n)))
}

func addrOf(n int) common.Address {
	return common.BigToAddress(big.NewInt(int64(n)))
}

// obs builds a dynamic-fee observation with sensible defaults
func obs(hash, sender int, nonce uint64, seen int64, maxFee, tip uint64) blockchain.Observation {
	return blockchain.Observation{
		Hash:        hashOf(hash),
		Sender:      addrOf(sender),
		Nonce:       nonce,
		SeenAt:      seen,
		MaxFee:      gwei(maxFee),
		PriorityFee: gwei(tip),
		Size:        120,
		GasLimit:    21000,
		TxType:      2,
		HasTxType:   true,
	}
}

func block(number uint64, ts int64, baseFee uint64) blockchain.Block {
	return blockchain.Block{
		Number:          number,
		Timestamp:       ts,
		BaseFee:         gwei(baseFee),
		GasUsed:         15_000_000,
		GasLimit:        30_000_000,
		IncludedTxCount: 150,
	}
}

// memorySource serves fixed tables and records the requested ranges
type memorySource struct {
	blocks       []blockchain.Block
	observations []blockchain.Observation
	index        blockchain.InclusionIndex

	blockRange   [2]uint64
	mempoolRange [2]int64
	indexRange   [2]uint64
}

func (s *memorySource) Blocks(_ context.Context, from, to uint64) ([]blockchain.Block, error) {
	s.blockRange = [2]uint64{from, to}
	var out []blockchain.Block
	for _, b := range s.blocks {
		if b.Number >= from && b.Number < to {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *memorySource) Mempool(_ context.Context, fromTS, toTS int64) (*blockchain.Mempool, error) {
	s.mempoolRange = [2]int64{fromTS, toTS}
	var out []blockchain.Observation
	for _, o := range s.observations {
		if o.SeenAt >= fromTS && o.SeenAt < toTS {
			out = append(out, o)
		}
	}
	return blockchain.NewMempool(out, true, true), nil
}

func (s *memorySource) IncludedTransactions(_ context.Context, from, to uint64) (blockchain.InclusionIndex, error) {
	s.indexRange = [2]uint64{from, to}
	out := blockchain.InclusionIndex{}
	for number, set := range s.index {
		if number >= from && number < to {
			out[number] = set.Clone()
		}
	}
	return out, nil
}

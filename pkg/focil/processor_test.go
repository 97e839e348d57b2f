package focil_test

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PelleKrab/eth-mempool-analysis/pkg/blockchain"
	"github.com/PelleKrab/eth-mempool-analysis/pkg/focil"
)

const (
	sender      = 40
	spamSender  = 41
	pendingHash = 700
	historyHash = 701
	spamHash    = 702
	fastHash    = 703
	otherHash   = 704
)

// rangeFixture builds blocks 95..105 twelve seconds apart (block n at 12n)
// with a pending transaction from an active sender, one from a sender that
// was never included, and a transaction mined right after being seen.
func rangeFixture() *memorySource {
	src := &memorySource{index: blockchain.InclusionIndex{}}
	for n := uint64(95); n <= 105; n++ {
		src.blocks = append(src.blocks, block(n, int64(n)*12, 10))
	}

	src.observations = []blockchain.Observation{
		obs(historyHash, sender, 1, 1145, 40, 0),
		obs(pendingHash, sender, 2, 1150, 40, 5),
		obs(spamHash, spamSender, 0, 1150, 40, 5),
		obs(fastHash, 42, 0, 1195, 40, 6),
		obs(otherHash, 43, 0, 1198, 40, 1),
	}

	src.index.Add(97, hashOf(historyHash))
	src.index.Add(101, hashOf(fastHash))
	src.index.Add(101, hashOf(pendingHash))
	return src
}

func newProcessor(t *testing.T, src *memorySource) *focil.Processor {
	t.Helper()
	analyzer := focil.NewAnalyzer(src, focil.DefaultParams(), nil)
	data, err := analyzer.Load(context.Background(), 100, 103)
	require.NoError(t, err)
	require.NotNil(t, data)
	return focil.NewProcessor(*data, focil.DefaultParams())
}

func TestProcessorBuildsAllVariants(t *testing.T) {
	proc := newProcessor(t, rangeFixture())

	row, state, err := proc.Process(focil.NewState(), 100)
	require.NoError(t, err)

	assert.Equal(t, uint64(100), row.BlockNumber)
	assert.Equal(t, int64(1200), row.BlockTimestamp)
	assert.Equal(t, gwei(10).Uint64(), row.BaseFee)
	assert.Equal(t, uint64(100), state.Through)

	// Window of block 100 is [1188, 1200]; block 101 mined one of two seen txs
	// out of its two inclusions.
	assert.Equal(t, int64(2), row.MempoolUniqueTxsInWindow)
	assert.InDelta(t, 50.0, row.MempoolCoverageOfNextBlock, 1e-9)

	topfee := row.Metrics(focil.Variant{Delay: 0, Strategy: focil.StrategyTopFee})
	assert.Equal(t, int64(2), topfee.TxCount)
	assert.Equal(t, int64(240), topfee.SizeBytes)
	require.NotNil(t, topfee.InclusionRate)
	assert.InDelta(t, 50.0, *topfee.InclusionRate, 1e-9)

	// The pending tx is flagged at every delay, the spam sender never is.
	for _, d := range focil.Delays {
		censored := row.Metrics(focil.Variant{Delay: d, Strategy: focil.StrategyCensored})
		assert.Equal(t, int64(1), censored.TxCount, "delay %d", d)
		require.NotNil(t, censored.InclusionRate, "delay %d", d)
		assert.InDelta(t, 100.0, *censored.InclusionRate, 1e-9, "delay %d", d)
	}
	assert.Equal(t, int64(1), row.CensoredDetectedCount)
}

func TestProcessorExcludesAlreadyIncluded(t *testing.T) {
	proc := newProcessor(t, rangeFixture())

	state := focil.NewState()
	var row focil.Row
	var err error
	for n := uint64(100); n <= 101; n++ {
		row, state, err = proc.Process(state, n)
		require.NoError(t, err)
	}

	// Both transactions mined in block 101 drop out of every list built there;
	// only the unmined tx of block 100's window is left for the 1-delay list.
	assert.Equal(t, int64(1), row.Metrics(focil.Variant{Delay: 1, Strategy: focil.StrategyTopFee}).TxCount)
	assert.Zero(t, row.Metrics(focil.Variant{Delay: 0, Strategy: focil.StrategyTopFee}).TxCount)
	for _, d := range focil.Delays {
		censored := row.Metrics(focil.Variant{Delay: d, Strategy: focil.StrategyCensored})
		assert.Zero(t, censored.TxCount, "delay %d", d)
		assert.Nil(t, censored.InclusionRate, "delay %d", d)
	}
}

func TestProcessorUnknownBlock(t *testing.T) {
	proc := newProcessor(t, rangeFixture())

	_, _, err := proc.Process(focil.NewState(), 500)
	assert.ErrorIs(t, err, focil.ErrUnknownBlock)
}

func TestProcessorMissingParentSkipsCensoredVariant(t *testing.T) {
	src := rangeFixture()
	// Drop block 97 so the 2-delay target of block 100 has no parent.
	var blocks []blockchain.Block
	for _, b := range src.blocks {
		if b.Number != 97 {
			blocks = append(blocks, b)
		}
	}
	src.blocks = blocks
	proc := newProcessor(t, src)

	row, _, err := proc.Process(focil.NewState(), 100)
	require.NoError(t, err)

	assert.Zero(t, row.Metrics(focil.Variant{Delay: 2, Strategy: focil.StrategyCensored}).TxCount)
	assert.Equal(t, int64(1), row.Metrics(focil.Variant{Delay: 1, Strategy: focil.StrategyCensored}).TxCount)
	assert.Equal(t, int64(1), row.CensoredDetectedCount)
}

func TestAnalyzeRangeWarmupAndOrdering(t *testing.T) {
	src := rangeFixture()
	logger, hook := test.NewNullLogger()
	analyzer := focil.NewAnalyzer(src, focil.DefaultParams(), logger)

	rows, err := analyzer.AnalyzeRange(context.Background(), 100, 104)
	require.NoError(t, err)

	assert.Equal(t, [2]uint64{97, 107}, src.blockRange)
	assert.Equal(t, [2]uint64{97, 107}, src.indexRange)
	assert.Equal(t, [2]int64{97*12 - 24 - 12 - 2, 105*12 + 0 + 2}, src.mempoolRange)

	require.Len(t, rows, 4)
	for i, row := range rows {
		assert.Equal(t, uint64(100+i), row.BlockNumber)
		for _, v := range focil.Variants() {
			m := row.Metrics(v)
			assert.LessOrEqual(t, m.SizeBytes, int64(focil.MaxBytesPerInclusionList))
			if m.InclusionRate != nil {
				assert.GreaterOrEqual(t, *m.InclusionRate, 0.0)
				assert.LessOrEqual(t, *m.InclusionRate, 100.0)
			}
		}
	}
	assert.NotEmpty(t, hook.AllEntries())
}

func TestAnalyzeRangeIsDeterministic(t *testing.T) {
	analyzer := focil.NewAnalyzer(rangeFixture(), focil.DefaultParams(), nil)
	first, err := analyzer.AnalyzeRange(context.Background(), 100, 104)
	require.NoError(t, err)

	second, err := focil.NewAnalyzer(rangeFixture(), focil.DefaultParams(), nil).AnalyzeRange(context.Background(), 100, 104)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestAnalyzeRangeEmpty(t *testing.T) {
	src := &memorySource{}
	logger, hook := test.NewNullLogger()

	rows, err := focil.NewAnalyzer(src, focil.DefaultParams(), logger).AnalyzeRange(context.Background(), 100, 104)
	require.NoError(t, err)
	assert.Nil(t, rows)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestAnalyzeRangeRejectsInvertedRange(t *testing.T) {
	_, err := focil.NewAnalyzer(&memorySource{}, focil.DefaultParams(), nil).AnalyzeRange(context.Background(), 10, 10)
	assert.ErrorIs(t, err, focil.ErrInvalidRange)
}

func TestAnalyzeRangeHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := focil.NewAnalyzer(rangeFixture(), focil.DefaultParams(), nil).AnalyzeRange(ctx, 100, 104)
	assert.ErrorIs(t, err, context.Canceled)
}

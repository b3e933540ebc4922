package position

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/eodstream/internal/model"
)

var ts = time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)

const px = int64(100_000_000) // 1.00 as a 1e-8 mantissa

func TestApplyTradeLongLifecycle(t *testing.T) {
	s := NewStore()
	k := Key{TraderID: "T1", Symbol: "AAPL"}

	// Buy 100 @ 150.00
	v := s.ApplyTrade(k, 100, 150*px, true, ts)
	assert.Equal(t, int64(100), v.NetQuantity)
	assert.Equal(t, int64(100*150)*px, v.CostBasisMantissa)
	assert.Equal(t, int64(0), v.RealizedPnLMantissa)

	// Buy 50 @ 160.00: cost accretes, nothing realizes.
	v = s.ApplyTrade(k, 50, 160*px, true, ts)
	assert.Equal(t, int64(150), v.NetQuantity)
	assert.Equal(t, int64(100*150+50*160)*px, v.CostBasisMantissa)
	assert.Equal(t, int64(0), v.RealizedPnLMantissa)

	// Sell 150 @ 170.00: realizes against the 153.33 average.
	v = s.ApplyTrade(k, 150, 170*px, false, ts)
	assert.Equal(t, int64(0), v.NetQuantity)
	assert.Equal(t, int64(0), v.CostBasisMantissa)
	// avg = 23000/150 = 153.333...; the remainder stays in cost basis
	// precision, so realized P&L is computed off the integer average.
	avg := int64(100*150+50*160) * px / 150
	assert.Equal(t, 150*(170*px-avg), v.RealizedPnLMantissa)
	assert.Equal(t, int64(3), v.TradeCount)
}

func TestApplyTradeShortCover(t *testing.T) {
	s := NewStore()
	k := Key{TraderID: "T2", Symbol: "TSLA"}

	// Short 200 @ 250.00
	v := s.ApplyTrade(k, 200, 250*px, false, ts)
	assert.Equal(t, int64(-200), v.NetQuantity)
	assert.Equal(t, int64(-200*250)*px, v.CostBasisMantissa)

	// Cover 200 @ 240.00: short profits when price falls.
	v = s.ApplyTrade(k, 200, 240*px, true, ts)
	assert.Equal(t, int64(0), v.NetQuantity)
	assert.Equal(t, int64(200*10)*px, v.RealizedPnLMantissa)
}

func TestApplyTradeFlipThroughFlat(t *testing.T) {
	s := NewStore()
	k := Key{TraderID: "T3", Symbol: "NVDA"}

	s.ApplyTrade(k, 100, 100*px, true, ts)
	// Sell 150 @ 110: closes the 100-lot long, opens a 50-lot short.
	v := s.ApplyTrade(k, 150, 110*px, false, ts)

	assert.Equal(t, int64(-50), v.NetQuantity)
	assert.Equal(t, int64(100*10)*px, v.RealizedPnLMantissa)
	// The short side opens at the flip price.
	assert.Equal(t, int64(-50*110)*px, v.CostBasisMantissa)
}

func TestUnrealizedPnL(t *testing.T) {
	s := NewStore()
	k := Key{TraderID: "T4", Symbol: "AMD"}
	v := s.ApplyTrade(k, 100, 100*px, true, ts)

	assert.Equal(t, int64(100*5)*px, v.UnrealizedPnL(105*px, model.MarkLTP))
	assert.Equal(t, int64(-100*5)*px, v.UnrealizedPnL(95*px, model.MarkMid))
	assert.Equal(t, int64(0), v.UnrealizedPnL(0, model.MarkUnknown))

	flat := s.ApplyTrade(k, 100, 100*px, false, ts)
	assert.Equal(t, int64(0), flat.UnrealizedPnL(200*px, model.MarkLTP))
}

func TestStoreIndexAndViews(t *testing.T) {
	s := NewStore()
	s.ApplyTrade(Key{TraderID: "T1", Symbol: "AAPL"}, 10, px, true, ts)
	s.ApplyTrade(Key{TraderID: "T1", Symbol: "MSFT"}, 20, px, true, ts)
	s.ApplyTrade(Key{TraderID: "T2", Symbol: "AAPL"}, 30, px, true, ts)

	assert.Equal(t, 3, s.Len())
	assert.Len(t, s.All(), 3)

	views := s.ForTrader("T1")
	require.Len(t, views, 2)
	for _, v := range views {
		assert.Equal(t, "T1", v.TraderID)
	}
	assert.Empty(t, s.ForTrader("T9"))
}

func TestStoreConcurrentApply(t *testing.T) {
	s := NewStore()
	k := Key{TraderID: "T1", Symbol: "AAPL"}

	const workers = 8
	const perWorker = 500

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				s.ApplyTrade(k, 1, px, true, ts)
			}
		}()
	}
	wg.Wait()

	v := s.Get(k).Snapshot()
	assert.Equal(t, int64(workers*perWorker), v.NetQuantity)
	assert.Equal(t, int64(workers*perWorker)*px, v.CostBasisMantissa)
	assert.Equal(t, int64(workers*perWorker), v.TradeCount)
}

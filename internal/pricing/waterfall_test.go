package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/eodstream/internal/breaker"
	"github.com/tradecore/eodstream/internal/model"
)

func newLocalWaterfall() (*Waterfall, *time.Time) {
	clock := time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)
	w := New(nil, nil, nil, 5*time.Second)
	w.now = func() time.Time { return clock }
	return w, &clock
}

func TestWaterfallPriorityBlocksDowngrade(t *testing.T) {
	w, _ := newLocalWaterfall()

	w.SetPrice("AAPL", model.MarkOfficial, 150_00000000)
	w.SetPrice("AAPL", model.MarkLTP, 151_00000000)

	price, source := w.GetMarkFast("AAPL")
	assert.Equal(t, int64(150_00000000), price)
	assert.Equal(t, model.MarkOfficial, source)
}

func TestWaterfallHigherPriorityOverwrites(t *testing.T) {
	w, _ := newLocalWaterfall()

	w.SetPrice("AAPL", model.MarkMid, 150_00000000)
	w.SetPrice("AAPL", model.MarkLTP, 151_00000000)
	w.SetPrice("AAPL", model.MarkOfficial, 152_00000000)

	price, source := w.GetMarkFast("AAPL")
	assert.Equal(t, int64(152_00000000), price)
	assert.Equal(t, model.MarkOfficial, source)
}

func TestWaterfallStaleMarkYieldsToNewSource(t *testing.T) {
	w, clock := newLocalWaterfall()

	w.SetPrice("AAPL", model.MarkOfficial, 150_00000000)
	*clock = clock.Add(6 * time.Second) // past the freshness window

	w.SetPrice("AAPL", model.MarkLTP, 151_00000000)
	price, source := w.GetMarkFast("AAPL")
	assert.Equal(t, int64(151_00000000), price)
	assert.Equal(t, model.MarkLTP, source)
}

func TestWaterfallUnknownSymbol(t *testing.T) {
	w, _ := newLocalWaterfall()

	price, source := w.GetMarkFast("ZZZZ")
	assert.Equal(t, int64(0), price)
	assert.Equal(t, model.MarkUnknown, source)

	price, source = w.GetMark(context.Background(), "ZZZZ")
	assert.Equal(t, int64(0), price)
	assert.Equal(t, model.MarkUnknown, source)
}

func TestGetMarkReadsThroughSideCache(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	queryCB := breaker.New(breaker.Config{Name: "query"})

	w := New(rdb, nil, queryCB, 5*time.Second)
	mock.ExpectHGetAll("mark:IBM").SetVal(map[string]string{
		"price":  "14200000000",
		"source": "OFFICIAL",
		"ts":     "1234",
	})

	price, source := w.GetMark(context.Background(), "IBM")
	assert.Equal(t, int64(14200000000), price)
	assert.Equal(t, model.MarkOfficial, source)
	require.NoError(t, mock.ExpectationsWereMet())

	// Now cached locally: no further redis traffic.
	price, source = w.GetMarkFast("IBM")
	assert.Equal(t, int64(14200000000), price)
	assert.Equal(t, model.MarkOfficial, source)
}

func TestGetMarkDegradesToStaleLocal(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	queryCB := breaker.New(breaker.Config{Name: "query"})

	clock := time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)
	w := New(rdb, nil, queryCB, 5*time.Second)
	w.now = func() time.Time { return clock }

	w.local["IBM"] = entry{price: 140_00000000, source: model.MarkOfficial, cachedAt: clock}
	clock = clock.Add(10 * time.Second) // local entry expires

	mock.ExpectHGetAll("mark:IBM").SetErr(assert.AnError)

	price, source := w.GetMark(context.Background(), "IBM")
	assert.Equal(t, int64(140_00000000), price)
	assert.Equal(t, model.MarkStale, source)
}

func TestGetMarkSkipsSideCacheWhenCircuitOpen(t *testing.T) {
	rdb, _ := redismock.NewClientMock()
	queryCB := breaker.New(breaker.Config{Name: "query"})
	queryCB.Trip()

	clock := time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)
	w := New(rdb, nil, queryCB, 5*time.Second)
	w.now = func() time.Time { return clock }
	w.local["IBM"] = entry{price: 140_00000000, source: model.MarkLTP, cachedAt: clock}
	clock = clock.Add(10 * time.Second)

	price, source := w.GetMark(context.Background(), "IBM")
	assert.Equal(t, int64(140_00000000), price)
	assert.Equal(t, model.MarkStale, source)
}

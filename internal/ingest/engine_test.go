package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/eodstream/internal/codec"
	"github.com/tradecore/eodstream/internal/config"
	"github.com/tradecore/eodstream/internal/metrics"
	"github.com/tradecore/eodstream/internal/model"
	"github.com/tradecore/eodstream/internal/stream"
)

type captureArchiver struct {
	frames []Frame
}

func (c *captureArchiver) Offer(f Frame) { c.frames = append(c.frames, f) }

func newTestEngine(t *testing.T) (*Engine, *stream.StubBus, *captureArchiver) {
	t.Helper()
	bus := stream.NewStubBus(4)
	arch := &captureArchiver{}
	cfg := config.IngestConfig{BufferSize: 100, GatewayID: "gw-test"}
	e := NewEngine(cfg, "trades.raw", arch, codec.New(nil), bus, metrics.NewNop())
	return e, bus, arch
}

func TestEngineEmitsEnvelopeKeyedBySymbol(t *testing.T) {
	e, bus, arch := newTestEngine(t)

	body := frameBytes("17=E1", "55=AAPL", "54=1", "32=100", "31=150.50", "50=T042")
	e.process(Frame{Body: body, ReceiveTick: 777, Received: time.Now()})

	msgs := bus.Messages("trades.raw")
	require.Len(t, msgs, 1)
	assert.Equal(t, "AAPL", msgs[0].Key)
	assert.Equal(t, "gw-test", msgs[0].Headers["gateway_id"])
	assert.Equal(t, "777", msgs[0].Headers["receive_ts"])

	env, _, err := codec.New(nil).Decode(msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, "E1", env.ExecID)
	assert.Equal(t, "AAPL", env.Symbol)
	assert.Equal(t, model.SideBuy, env.Side)
	assert.Equal(t, int64(100), env.Quantity)
	assert.Equal(t, int64(15_050_000_000), env.PriceMantissa)
	assert.Equal(t, "T042", env.TraderID)
	assert.Equal(t, int64(777), env.ReceiveTimestamp)
	assert.Equal(t, body, env.RawFrame)
	assert.Equal(t, "gw-test", env.GatewayID)

	require.Len(t, arch.frames, 1)
	assert.Equal(t, body, arch.frames[0].Body)
}

func TestEngineDropsBadChecksum(t *testing.T) {
	e, bus, arch := newTestEngine(t)

	body := frameBytes("17=E1", "55=AAPL")
	body[0] ^= 0xff // corrupt after checksum computation
	e.process(Frame{Body: body, Received: time.Now()})

	assert.Empty(t, bus.Messages("trades.raw"))
	assert.Empty(t, arch.frames, "invalid frames must not reach the archive")
}

func TestEngineArchivesMalformedButValidFrames(t *testing.T) {
	e, bus, arch := newTestEngine(t)

	// Checksum is correct but the body carries no symbol: the frame is
	// archived and published; validation is the consumer's job.
	body := frameBytes("17=E1")
	e.process(Frame{Body: body, Received: time.Now()})

	assert.Len(t, arch.frames, 1)
	msgs := bus.Messages("trades.raw")
	require.Len(t, msgs, 1)
	assert.Equal(t, "", msgs[0].Key)
}

func TestEngineCountsSequenceRegressions(t *testing.T) {
	e, _, _ := newTestEngine(t)

	e.process(Frame{Body: frameBytes("34=5", "17=E1", "55=A"), Received: time.Now()})
	e.process(Frame{Body: frameBytes("34=4", "17=E2", "55=A"), Received: time.Now()})
	e.process(Frame{Body: frameBytes("34=6", "17=E3", "55=A"), Received: time.Now()})

	assert.Equal(t, int64(6), e.lastSeq)
}

func TestEngineRunDrainsOnCancel(t *testing.T) {
	e, bus, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())

	for i := 0; i < 5; i++ {
		require.NoError(t, e.Enqueue(ctx, Frame{
			Body:     frameBytes("17=E1", "55=AAPL"),
			Received: time.Now(),
		}))
	}

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(bus.Messages("trades.raw")) == 5
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
}

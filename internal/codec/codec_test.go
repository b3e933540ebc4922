package codec

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/eodstream/internal/model"
)

func sampleEnvelope() *model.TradeEnvelope {
	return &model.TradeEnvelope{
		ExecID:           "E-1001",
		OrderID:          "O-77",
		ClientOrderID:    "C-9",
		Symbol:           "AAPL",
		Side:             model.SideBuy,
		Quantity:         300,
		PriceMantissa:    15_050_000_000,
		PriceExponent:    model.PriceExponent,
		TraderID:         "T042",
		Account:          "PROP",
		StrategyCode:     "MOMO",
		Exchange:         "XNAS",
		ReceiveTimestamp: 123456789,
		GatewayTimestamp: time.Date(2026, 3, 2, 20, 59, 58, 123456000, time.UTC),
		ExecTimestamp:    time.Date(2026, 3, 2, 20, 59, 57, 0, time.UTC),
		RawFrame:         []byte("17=E-1001\x0155=AAPL\x0110=042\x01"),
		GatewayID:        "gw-east-1",
	}
}

func TestCodecRawRoundTrip(t *testing.T) {
	c := New(nil)
	env := sampleEnvelope()

	data := c.Encode("trades.raw", env)
	require.NotEmpty(t, data)
	assert.Equal(t, byte(bodyVersion), data[0])

	got, schemaID, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), schemaID)
	assert.Equal(t, env, got)
}

func TestCodecZeroTimesSurviveRoundTrip(t *testing.T) {
	c := New(nil)
	env := &model.TradeEnvelope{ExecID: "E-2", Symbol: "MSFT"}

	got, _, err := c.Decode(c.Encode("trades.raw", env))
	require.NoError(t, err)
	assert.True(t, got.GatewayTimestamp.IsZero())
	assert.True(t, got.ExecTimestamp.IsZero())
}

func TestCodecDecodesRegistryShape(t *testing.T) {
	c := New(nil)
	env := sampleEnvelope()
	body := encodeBody(env)

	prefixed := make([]byte, 0, prefixLen+len(body))
	prefixed = append(prefixed, magicByte)
	prefixed = binary.BigEndian.AppendUint32(prefixed, 1742)
	prefixed = append(prefixed, messageIndex)
	prefixed = append(prefixed, body...)

	got, schemaID, err := c.Decode(prefixed)
	require.NoError(t, err)
	assert.Equal(t, uint32(1742), schemaID)
	assert.Equal(t, env, got)
}

func TestCodecDecodeErrors(t *testing.T) {
	c := New(nil)

	_, _, err := c.Decode(nil)
	assert.ErrorIs(t, err, ErrEmptyRecord)

	_, _, err = c.Decode([]byte{0x7f, 0x01, 0x02})
	assert.ErrorIs(t, err, ErrUnknownVersion)

	// Valid version byte, body cut short mid-field.
	full := encodeBody(sampleEnvelope())
	_, _, err = c.Decode(full[:len(full)/2])
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestRegistrySubjectStrategies(t *testing.T) {
	tests := []struct {
		strategy string
		want     string
	}{
		{"TopicName", "trades.raw-value"},
		{"RecordName", "trade_envelope"},
		{"TopicRecordName", "trades.raw-trade_envelope"},
		{"", "trades.raw-value"},
	}
	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			r := &Registry{}
			r.cfg.SubjectNamingStrategy = tt.strategy
			assert.Equal(t, tt.want, r.Subject("trades.raw"))
		})
	}
}

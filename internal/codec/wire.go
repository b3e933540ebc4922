package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/tradecore/eodstream/internal/model"
)

// Body wire format, version 1. Fields are appended in a fixed order:
// strings as uvarint length + bytes, integers as zigzag varints,
// timestamps as unix-nano varints. Integer arithmetic end to end; no
// floats touch the wire.
const bodyVersion = 0x01

var (
	ErrTruncated      = errors.New("truncated envelope body")
	ErrUnknownVersion = errors.New("unknown envelope body version")
)

func appendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

func appendBytes(b, p []byte) []byte {
	b = binary.AppendUvarint(b, uint64(len(p)))
	return append(b, p...)
}

// encodeBody serializes the envelope as a raw (unprefixed) body.
func encodeBody(env *model.TradeEnvelope) []byte {
	b := make([]byte, 0, 128+len(env.RawFrame))
	b = append(b, bodyVersion)

	b = appendString(b, env.ExecID)
	b = appendString(b, env.OrderID)
	b = appendString(b, env.ClientOrderID)
	b = appendString(b, env.Symbol)
	b = binary.AppendVarint(b, int64(env.Side))
	b = binary.AppendVarint(b, env.Quantity)
	b = binary.AppendVarint(b, env.PriceMantissa)
	b = binary.AppendVarint(b, int64(env.PriceExponent))
	b = appendString(b, env.TraderID)
	b = appendString(b, env.Account)
	b = appendString(b, env.StrategyCode)
	b = appendString(b, env.Exchange)
	b = binary.AppendVarint(b, env.ReceiveTimestamp)
	b = binary.AppendVarint(b, timeToNanos(env.GatewayTimestamp))
	b = binary.AppendVarint(b, timeToNanos(env.ExecTimestamp))
	b = appendBytes(b, env.RawFrame)
	b = appendString(b, env.GatewayID)
	return b
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) str() (string, error) {
	p, err := r.bytes()
	return string(p), err
}

func (r *reader) bytes() ([]byte, error) {
	n, sz := binary.Uvarint(r.buf[r.pos:])
	if sz <= 0 {
		return nil, ErrTruncated
	}
	r.pos += sz
	if uint64(len(r.buf)-r.pos) < n {
		return nil, ErrTruncated
	}
	p := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return p, nil
}

func (r *reader) varint() (int64, error) {
	v, sz := binary.Varint(r.buf[r.pos:])
	if sz <= 0 {
		return 0, ErrTruncated
	}
	r.pos += sz
	return v, nil
}

// decodeBody parses a raw body back into an envelope.
func decodeBody(body []byte) (*model.TradeEnvelope, error) {
	if len(body) == 0 {
		return nil, ErrTruncated
	}
	if body[0] != bodyVersion {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownVersion, body[0])
	}

	r := &reader{buf: body, pos: 1}
	env := &model.TradeEnvelope{}
	var err error

	read := func(dst *string) {
		if err == nil {
			*dst, err = r.str()
		}
	}
	readInt := func(dst *int64) {
		if err == nil {
			*dst, err = r.varint()
		}
	}

	read(&env.ExecID)
	read(&env.OrderID)
	read(&env.ClientOrderID)
	read(&env.Symbol)

	var side, priceExp, gwNanos, execNanos int64
	readInt(&side)
	readInt(&env.Quantity)
	readInt(&env.PriceMantissa)
	readInt(&priceExp)
	read(&env.TraderID)
	read(&env.Account)
	read(&env.StrategyCode)
	read(&env.Exchange)
	readInt(&env.ReceiveTimestamp)
	readInt(&gwNanos)
	readInt(&execNanos)
	if err == nil {
		var raw []byte
		raw, err = r.bytes()
		if len(raw) > 0 {
			env.RawFrame = append([]byte(nil), raw...)
		}
	}
	read(&env.GatewayID)
	if err != nil {
		return nil, err
	}

	env.Side = model.Side(side)
	env.PriceExponent = int32(priceExp)
	env.GatewayTimestamp = nanosToTime(gwNanos)
	env.ExecTimestamp = nanosToTime(execNanos)
	return env, nil
}

// Zero times travel as 0 so a round trip preserves IsZero.
func timeToNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nanosToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

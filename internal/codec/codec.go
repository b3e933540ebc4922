// Package codec encodes and decodes the trade envelope for the log.
// Two on-wire shapes are accepted: the raw body, and the registry
// shape with a magic byte, big-endian schema id and message index in
// front of the same body.
package codec

import (
	"encoding/binary"
	"errors"

	"github.com/tradecore/eodstream/internal/model"
)

const (
	magicByte    = 0x00
	messageIndex = 0x00
	prefixLen    = 6 // magic + 4-byte schema id + message index
)

var ErrEmptyRecord = errors.New("empty record")

// Codec serializes envelopes, prefixing the schema id when the topic
// has a registered schema. A nil or disabled registry always emits the
// raw shape.
type Codec struct {
	registry *Registry
}

// New builds a codec. registry may be nil.
func New(registry *Registry) *Codec {
	return &Codec{registry: registry}
}

// Encode serializes env for topic. When the registry holds a schema id
// for the topic the registry shape is written; registration failure
// degrades to the raw shape rather than blocking emission.
func (c *Codec) Encode(topic string, env *model.TradeEnvelope) []byte {
	body := encodeBody(env)
	if c.registry == nil {
		return body
	}
	id, ok := c.registry.SchemaIDFor(topic)
	if !ok {
		return body
	}

	out := make([]byte, 0, prefixLen+len(body))
	out = append(out, magicByte)
	out = binary.BigEndian.AppendUint32(out, uint32(id))
	out = append(out, messageIndex)
	return append(out, body...)
}

// Decode parses either wire shape. The returned schema id is zero for
// the raw shape. The registry shape is tried first when the leading
// byte is the magic; on a prefix that does not frame a valid body the
// decoder falls back to treating the record as raw.
func (c *Codec) Decode(data []byte) (*model.TradeEnvelope, uint32, error) {
	if len(data) == 0 {
		return nil, 0, ErrEmptyRecord
	}
	if data[0] == magicByte && len(data) > prefixLen && data[5] == messageIndex {
		if env, err := decodeBody(data[prefixLen:]); err == nil {
			return env, binary.BigEndian.Uint32(data[1:5]), nil
		}
	}
	env, err := decodeBody(data)
	if err != nil {
		return nil, 0, err
	}
	return env, 0, nil
}

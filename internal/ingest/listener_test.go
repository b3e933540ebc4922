package ingest

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitFramesTokenizesStream(t *testing.T) {
	f1 := frameBytes("17=E1", "55=AAPL")
	f2 := frameBytes("17=E2", "55=MSFT")
	f3 := frameBytes("17=E3", "55=NVDA")

	var wire bytes.Buffer
	wire.Write(f1)
	wire.Write(f2)
	wire.Write(f3)

	sc := bufio.NewScanner(&wire)
	sc.Split(splitFrames)

	var frames [][]byte
	for sc.Scan() {
		frames = append(frames, append([]byte(nil), sc.Bytes()...))
	}
	require.NoError(t, sc.Err())
	require.Len(t, frames, 3)
	assert.Equal(t, f1, frames[0])
	assert.Equal(t, f2, frames[1])
	assert.Equal(t, f3, frames[2])

	for _, f := range frames {
		assert.NoError(t, ValidateChecksum(f))
	}
}

func TestSplitFramesWaitsForCompleteTrailer(t *testing.T) {
	full := frameBytes("17=E1", "55=AAPL")
	partial := full[:len(full)-3] // trailer cut mid-value

	adv, token, err := splitFrames(partial, false)
	require.NoError(t, err)
	assert.Zero(t, adv)
	assert.Nil(t, token)

	adv, token, err = splitFrames(full, false)
	require.NoError(t, err)
	assert.Equal(t, len(full), adv)
	assert.Equal(t, full, token)
}

func TestSplitFramesFlushesRemainderAtEOF(t *testing.T) {
	leftover := []byte("17=E1\x0155=AAPL")
	adv, token, err := splitFrames(leftover, true)
	require.NoError(t, err)
	assert.Equal(t, len(leftover), adv)
	assert.Equal(t, leftover, token)
}

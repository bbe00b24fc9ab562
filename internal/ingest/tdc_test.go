package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrayToBinaryRoundTrip(t *testing.T) {
	for bin := uint32(0); bin < 64; bin++ {
		assert.Equal(t, bin, grayToBinary(binaryToGray(bin), 6))
	}
}

func TestGrayToBinaryMatchesXORCascade(t *testing.T) {
	// Gray 0b1101 decodes to binary 0b1001.
	assert.Equal(t, uint32(0b1001), grayToBinary(0b1101, 4))
	assert.Equal(t, uint32(0), grayToBinary(0, 16))
	// A full-width value survives the mask.
	assert.Equal(t, uint32(0b1010), grayToBinary(0b1111, 4))
}

func TestTDCDecoderAddsRangeOnCoarseWrap(t *testing.T) {
	// 4 coarse bits: range 16 ticks. A regression from 15 to 1 (more
	// than 10% of range) means the counter wrapped.
	d := NewTDCDecoder(4, 0, 10, 0)

	tsBefore := d.Decode(TDCWord{CoarseGray: binaryToGray(15)})
	tsAfter := d.Decode(TDCWord{CoarseGray: binaryToGray(1)})

	assert.InDelta(t, 150, tsBefore, 1e-9)
	assert.InDelta(t, (16+1)*10, tsAfter, 1e-9)
}

func TestTDCDecoderSmallRegressionDoesNotWrap(t *testing.T) {
	// A one-tick regression (jitter) within 10% of range must not be
	// treated as a wrap.
	d := NewTDCDecoder(8, 0, 10, 0)
	d.Decode(TDCWord{CoarseGray: binaryToGray(100)})
	ts := d.Decode(TDCWord{CoarseGray: binaryToGray(99)})
	assert.InDelta(t, 990, ts, 1e-9)
}

func TestDecodeToTWraparound(t *testing.T) {
	assert.Equal(t, 10, DecodeToT(10))
	assert.Equal(t, 59, DecodeToT(-5))
	assert.Equal(t, 0, DecodeToT(0))
}

func TestPairTriggersAtOffset(t *testing.T) {
	sync := []TriggerTime{{100}, {200}, {300}}
	unsync := []TriggerTime{{90}, {101}, {201}, {301}}

	pairs, unmatched := PairTriggers(sync, unsync, 1)
	require.Len(t, pairs, 3)
	assert.InDelta(t, 101, pairs[0].UnsyncNs, 1e-9)
	assert.InDelta(t, 301, pairs[2].UnsyncNs, 1e-9)
	assert.Equal(t, 1, unmatched) // the leading unsync pulse has no partner
}

func TestPairTriggersCountsMissingPartners(t *testing.T) {
	sync := []TriggerTime{{100}, {200}}
	pairs, unmatched := PairTriggers(sync, nil, 0)
	assert.Empty(t, pairs)
	assert.Equal(t, 2, unmatched)
}

// binaryToGray is the test-side inverse of grayToBinary.
func binaryToGray(v uint32) uint32 { return v ^ (v >> 1) }

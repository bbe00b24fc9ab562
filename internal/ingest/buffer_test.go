package ingest

import (
	"testing"

	"github.com/beamtest/trackrecon/internal/clipboard"
	"github.com/beamtest/trackrecon/internal/recoerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceDecoder struct {
	records []RawRecord
	i       int
}

func (s *sliceDecoder) Next() (RawRecord, error) {
	if s.i >= len(s.records) {
		return RawRecord{}, recoerr.New(recoerr.EndOfFile, "source exhausted")
	}
	r := s.records[s.i]
	s.i++
	return r, nil
}

func pixelRecord(ts float64) RawRecord {
	return RawRecord{IsPixel: true, Col: 1, Row: 1, Raw: 10, Charge: 1, TimestampNs: ts}
}

// A depth-4 buffer absorbs out-of-order arrivals and emits
// non-decreasing timestamps for a single event.
func TestOutOfOrderIngestEmitsSorted(t *testing.T) {
	source := &sliceDecoder{records: []RawRecord{
		pixelRecord(1000), pixelRecord(2000), pixelRecord(500),
		pixelRecord(3000), pixelRecord(2500), pixelRecord(4000),
	}}
	buf := NewBuffer("D0", 4, source, nil, 0, nil)
	event := &clipboard.Event{Start: 0, End: 5000}

	out, err := buf.Drain(event)
	require.NoError(t, err)

	var got []float64
	for _, p := range out {
		got = append(got, p.TimestampNs)
	}
	assert.Equal(t, []float64{500, 1000, 2000, 2500, 3000, 4000}, got)
	assert.Equal(t, 0, buf.Stats().StaleDropped)
}

// TestMaskedPixelNeverEmitted: a masked (col,
// row) must never reach the Clipboard.
func TestMaskedPixelNeverEmitted(t *testing.T) {
	source := &sliceDecoder{records: []RawRecord{
		{IsPixel: true, Col: 3, Row: 7, TimestampNs: 100},
		{IsPixel: true, Col: 4, Row: 7, TimestampNs: 110},
	}}
	masked := func(col, row int) bool { return col == 3 && row == 7 }
	buf := NewBuffer("D0", 4, source, masked, 0, nil)
	event := &clipboard.Event{Start: 0, End: 1000}

	out, err := buf.Drain(event)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 4, out[0].Col)
}

// TestStaleDropCountDecreasesWithDeeperBuffer checks the
// invariant that the stale-drop count must decrease as buffer_depth
// grows: a shallow buffer drains event 1 before a late-arriving-but-
// earlier-timestamped pixel has even been read from the source, so it
// shows up stale once event 2 is being drained; a deep buffer reads
// far enough ahead to place it correctly in event 1.
func TestStaleDropCountDecreasesWithDeeperBuffer(t *testing.T) {
	records := []RawRecord{pixelRecord(50), pixelRecord(100), pixelRecord(10)}
	events := []*clipboard.Event{{Start: 0, End: 60}, {Start: 60, End: 1000}}

	shallow := NewBuffer("D0", 1, &sliceDecoder{records: records}, nil, 0, nil)
	for _, ev := range events {
		_, err := shallow.Drain(ev)
		require.NoError(t, err)
	}

	deep := NewBuffer("D0", 3, &sliceDecoder{records: records}, nil, 0, nil)
	for _, ev := range events {
		_, err := deep.Drain(ev)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, shallow.Stats().StaleDropped)
	assert.Equal(t, 0, deep.Stats().StaleDropped)
}

func TestTimeOffsetAppliedAtDecode(t *testing.T) {
	source := &sliceDecoder{records: []RawRecord{pixelRecord(100)}}
	buf := NewBuffer("D0", 4, source, nil, 50, nil)
	out, err := buf.Drain(&clipboard.Event{Start: 0, End: 1000})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.InDelta(t, 150, out[0].TimestampNs, 1e-9)
}

func TestBufferOverflowDropsPixelsUntilNextSync(t *testing.T) {
	source := &sliceDecoder{records: []RawRecord{
		{IsPixel: false, MessageType: MessageBufferOverflow},
		pixelRecord(100), // lost to the overflow
		{IsPixel: false, MessageType: MessageTimingUpdate},
		pixelRecord(200), // readout recovered
	}}
	buf := NewBuffer("D0", 8, source, nil, 0, nil)
	out, err := buf.Drain(&clipboard.Event{Start: 0, End: 1000})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.InDelta(t, 200, out[0].TimestampNs, 1e-9)
	assert.Equal(t, 1, buf.Stats().BufferOverflows)
}

func TestSerDesLockLossInvalidatesFollowingRecords(t *testing.T) {
	source := &sliceDecoder{records: []RawRecord{
		{IsPixel: false, MessageType: MessageSerDesLockLoss},
		pixelRecord(100), // invalidated
		pixelRecord(110), // invalidated
		pixelRecord(120), // lock re-acquired
	}}
	buf := NewBuffer("D0", 8, source, nil, 0, nil)
	out, err := buf.Drain(&clipboard.Event{Start: 0, End: 1000})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.InDelta(t, 120, out[0].TimestampNs, 1e-9)
	assert.Equal(t, 1, buf.Stats().SerDesLockLosses)
}

func TestSecondRunStartTerminatesRun(t *testing.T) {
	source := &sliceDecoder{records: []RawRecord{
		{IsPixel: false, MessageType: MessageRunStart},
		pixelRecord(100),
		{IsPixel: false, MessageType: MessageRunStart},
	}}
	buf := NewBuffer("D0", 8, source, nil, 0, nil)
	_, err := buf.Drain(&clipboard.Event{Start: 0, End: 1000})
	require.Error(t, err)
	kind, ok := recoerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, recoerr.ConfigError, kind)
}

func TestUnknownMessageCountedNotFatal(t *testing.T) {
	source := &sliceDecoder{records: []RawRecord{
		{IsPixel: false, MessageType: MessageUnknown},
		pixelRecord(100),
	}}
	buf := NewBuffer("D0", 4, source, nil, 0, nil)
	out, err := buf.Drain(&clipboard.Event{Start: 0, End: 1000})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 1, buf.Stats().UnknownMessages)
}

func TestEOFReportedAfterDrain(t *testing.T) {
	source := &sliceDecoder{records: []RawRecord{pixelRecord(100)}}
	buf := NewBuffer("D0", 4, source, nil, 0, nil)
	_, err := buf.Drain(&clipboard.Event{Start: 0, End: 1000})
	require.NoError(t, err)
	assert.True(t, buf.EOF())
}

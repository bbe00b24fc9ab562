// Package ingest pulls decoded hit records from per-detector sources
// and hands them to the Clipboard event by event. Detector readout
// buffering means streams arrive in approximately sorted order only;
// a bounded min-heap per detector absorbs the reordering so pixels
// reach the Clipboard in non-decreasing timestamp order.
package ingest

import (
	"container/heap"
	"log"

	"github.com/beamtest/trackrecon/internal/clipboard"
	"github.com/beamtest/trackrecon/internal/recoerr"
)

// RawRecord is one decoded-by-the-caller entry from a vendor hit
// stream: either a pixel hit or an out-of-band sync/timing message.
// Decoding the vendor wire format itself is the source's concern; the
// buffer only sees this already-decoded shape.
type RawRecord struct {
	IsPixel bool

	Col, Row    int
	Raw         int
	Charge      float64
	TimestampNs float64

	// MessageType identifies a non-pixel record for unknown-message
	// counting and run-start/buffer-overflow/SerDes-lock handling.
	MessageType MessageType
}

// MessageType enumerates the out-of-band sync messages a vendor
// stream can carry between pixel hits.
type MessageType int

const (
	MessageTimingUpdate MessageType = iota
	MessageBufferOverflow
	MessageSerDesLockLoss
	MessageRunStart
	MessageUnknown
)

// Decoder is the per-detector raw hit source, the seam between the
// vendor file readers and the reconstruction pipeline.
type Decoder interface {
	// Next returns the next raw record, or a recoerr EndOfFile error
	// once the stream is exhausted.
	Next() (RawRecord, error)
}

// pixelHeap is a min-heap of pixels ordered by timestamp, implementing
// container/heap.Interface.
type pixelHeap []clipboard.Pixel

func (h pixelHeap) Len() int            { return len(h) }
func (h pixelHeap) Less(i, j int) bool  { return h[i].TimestampNs < h[j].TimestampNs }
func (h pixelHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *pixelHeap) Push(x interface{}) { *h = append(*h, x.(clipboard.Pixel)) }
func (h *pixelHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Stats accumulates per-detector ingest run statistics.
type Stats struct {
	StaleDropped     int
	UnknownMessages  int
	BufferOverflows  int
	SerDesLockLosses int
	EndOfFile        bool
}

// Buffer is the bounded priority buffer for one detector.
type Buffer struct {
	detectorID string
	capacity   int
	source     Decoder
	masked     func(col, row int) bool
	timeOffset float64

	heap           pixelHeap
	eof            bool
	lockInvalidate int  // remaining records to invalidate after a SerDes lock loss
	overflowDrop   bool // dropping pixels until the next timing sync after a reported overflow
	t0Seen         bool
	stats          Stats
	logger         *log.Logger
}

// NewBuffer creates a Buffer for one detector. masked reports whether
// a (col,row) pair is in the detector's mask and should never reach
// the Clipboard; timeOffsetNs is the detector's configured time offset
// applied to every decoded pixel's timestamp.
func NewBuffer(detectorID string, capacity int, source Decoder, masked func(col, row int) bool, timeOffsetNs float64, logger *log.Logger) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[ingest:"+detectorID+"] ", log.LstdFlags)
	}
	return &Buffer{
		detectorID: detectorID,
		capacity:   capacity,
		source:     source,
		masked:     masked,
		timeOffset: timeOffsetNs,
		logger:     logger,
	}
}

// Stats returns a snapshot of this buffer's run statistics.
func (b *Buffer) Stats() Stats { return b.stats }

// EOF reports whether the underlying source is exhausted and the
// buffer has fully drained, i.e. the detector reports end-of-run.
func (b *Buffer) EOF() bool { return b.eof && b.heap.Len() == 0 }

// fill tops the buffer up to capacity by pulling from the source,
// decoding pixels and updating timing state for sync messages.
func (b *Buffer) fill() error {
	for b.heap.Len() < b.capacity && !b.eof {
		rec, err := b.source.Next()
		if err != nil {
			if kind, ok := recoerr.KindOf(err); ok && kind == recoerr.EndOfFile {
				b.eof = true
				b.stats.EndOfFile = true
				return nil
			}
			return err
		}

		if b.lockInvalidate > 0 {
			b.lockInvalidate--
			continue
		}

		if !rec.IsPixel {
			switch rec.MessageType {
			case MessageTimingUpdate:
				b.overflowDrop = false
			case MessageBufferOverflow:
				b.stats.BufferOverflows++
				b.overflowDrop = true
				b.logger.Printf("buffer overflow reported by source, dropping pixels until next sync")
			case MessageSerDesLockLoss:
				b.stats.SerDesLockLosses++
				b.lockInvalidate = 2 // skips the next two records; records read before the loss are kept
			case MessageRunStart:
				if b.t0Seen {
					return recoerr.New(recoerr.ConfigError, "second run-start (T0) marker seen on detector %s", b.detectorID)
				}
				b.t0Seen = true
			case MessageUnknown:
				b.stats.UnknownMessages++
			}
			continue
		}

		if b.overflowDrop {
			continue
		}
		if b.masked != nil && b.masked(rec.Col, rec.Row) {
			continue
		}

		heap.Push(&b.heap, clipboard.Pixel{
			DetectorID:  b.detectorID,
			Col:         rec.Col,
			Row:         rec.Row,
			Raw:         rec.Raw,
			Charge:      rec.Charge,
			TimestampNs: rec.TimestampNs + b.timeOffset,
		})
	}
	return nil
}

// Drain fills the buffer and emits every Pixel belonging to the given
// event, in non-decreasing timestamp order, stopping as soon as the
// buffer's earliest pixel belongs to a later event.
func (b *Buffer) Drain(event *clipboard.Event) ([]clipboard.Pixel, error) {
	if err := b.fill(); err != nil {
		return nil, err
	}

	var out []clipboard.Pixel
	for b.heap.Len() > 0 {
		top := b.heap[0]
		if top.TimestampNs >= event.End {
			break
		}
		heap.Pop(&b.heap)
		if top.TimestampNs < event.Start {
			b.stats.StaleDropped++
			continue
		}
		out = append(out, top)

		// Keep the buffer topped up as it drains so a late-arriving
		// earlier pixel still has a chance to sort ahead of later ones.
		if err := b.fill(); err != nil {
			return out, err
		}
	}
	return out, nil
}

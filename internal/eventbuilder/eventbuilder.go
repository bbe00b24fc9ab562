// Package eventbuilder slices the run into events: it consumes a
// frame stream and a trigger stream, aligns them by trigger number
// (mod 2^32), and emits one Event per aligned cycle. Frame and
// trigger timestamps arrive in picoseconds and are converted to the
// nanosecond epoch shared by the rest of the pipeline here.
package eventbuilder

import (
	"log"
	"strconv"

	"github.com/beamtest/trackrecon/internal/clipboard"
	"github.com/beamtest/trackrecon/internal/recoerr"
)

func formatNs(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Frame is one reference-detector frame cycle.
type Frame struct {
	TimeBeginPs float64
	TimeEndPs   float64
	TriggerNo   uint32
	// PivotFraction is the rolling-shutter pivot-pixel fraction (row /
	// total rows) used to refine (TimeBeginPs, TimeEndPs); it is used
	// only when HasPivot is set, so zero is an ordinary fraction.
	PivotFraction float64
	HasPivot      bool
}

// TriggerRecord is one trigger stream entry.
type TriggerRecord struct {
	StartPs  float64
	StopPs   float64
	TriggerNo uint32
}

// FrameSource yields frames in ascending trigger-number order.
// Decoding the vendor frame format is the caller's concern.
type FrameSource interface {
	NextFrame() (Frame, error) // returns recoerr EndOfFile at stream end
}

// TriggerSource yields trigger records in ascending trigger-number order.
type TriggerSource interface {
	NextTrigger() (TriggerRecord, error) // returns recoerr EndOfFile at stream end
}

// trigger32Less compares trigger numbers mod 2^32, treating a small
// value as "after" a large one once it has wrapped.
func trigger32Less(a, b uint32) bool {
	return int32(a-b) < 0
}

// Config governs event slicing.
type Config struct {
	ResponseTimeNs float64 // time_trig = trigger_start - response_time
	TimeBeforeNs   float64 // event.start = time_trig - time_before
	TimeAfterNs    float64 // event.end   = time_trig + time_after
	SkipTimeNs     float64 // events with start < skip_time are dropped
	ShiftTriggers  int     // constant offset added to each frame's trigger number before matching

	// ReferenceHasRollingShutter enables the pivot-pixel phase
	// correction; FrameLengthNs/Rows are the reference detector's
	// rolling-shutter parameters from the geometry file.
	ReferenceHasRollingShutter bool
	RollingShutterFrameLengthNs float64
	RollingShutterRows         int
}

// Stats accumulates run-level event-builder telemetry.
type Stats struct {
	DiscardedFrames   int
	DiscardedTriggers int
	SkippedNegativeDuration int
	SkippedWarmup     int
	EventsEmitted     int
}

// Builder drives the NeedFrame -> NeedTrigger -> Aligned -> Emit
// cycle over the two streams.
type Builder struct {
	cfg     Config
	frames  FrameSource
	triggers TriggerSource
	logger  *log.Logger
	stats   Stats

	lastEventStart float64
	haveLastStart  bool
}

// New creates a Builder reading from the given frame and trigger sources.
func New(cfg Config, frames FrameSource, triggers TriggerSource, logger *log.Logger) *Builder {
	if logger == nil {
		logger = log.New(log.Writer(), "[eventbuilder] ", log.LstdFlags)
	}
	return &Builder{cfg: cfg, frames: frames, triggers: triggers, logger: logger}
}

// Stats returns a snapshot of the builder's run statistics.
func (b *Builder) Stats() Stats { return b.stats }

// Next advances the state machine to produce the next Event. It
// returns a recoerr EndOfFile error when either stream is exhausted,
// which ends the run cleanly.
func (b *Builder) Next() (*clipboard.Event, error) {
	for {
		frame, trig, err := b.nextAlignedPair()
		if err != nil {
			return nil, err
		}

		timeTrig := trig.StartPs/1000 - b.cfg.ResponseTimeNs

		begin, end := frame.TimeBeginPs/1000, frame.TimeEndPs/1000
		if b.cfg.ReferenceHasRollingShutter && frame.HasPivot && b.cfg.RollingShutterRows > 0 {
			frameLen := b.cfg.RollingShutterFrameLengthNs
			if frameLen == 0 {
				frameLen = end - begin
			}
			pivotBegin := frame.PivotFraction * (frameLen / float64(b.cfg.RollingShutterRows))
			begin = pivotBegin
			end = frameLen - pivotBegin
		}

		start := timeTrig - b.cfg.TimeBeforeNs
		stop := timeTrig + b.cfg.TimeAfterNs

		if stop <= start {
			b.stats.SkippedNegativeDuration++
			b.logger.Printf("warning: event has non-positive duration [%v, %v), skipping", start, stop)
			continue
		}

		if start < b.cfg.SkipTimeNs {
			b.stats.SkippedWarmup++
			continue
		}

		if b.haveLastStart && start < b.lastEventStart {
			return nil, recoerr.New(recoerr.ConfigError, "event builder produced non-monotonic start %v after %v", start, b.lastEventStart)
		}
		b.lastEventStart = start
		b.haveLastStart = true

		ev := &clipboard.Event{
			Start: start,
			End:   stop,
			Tags: map[string]string{
				"frame_begin_ns": formatNs(begin),
				"frame_end_ns":   formatNs(end),
			},
		}
		ev.AddTrigger(clipboard.Trigger{TriggerID: trig.TriggerNo, TimestampNs: timeTrig})
		b.stats.EventsEmitted++
		return ev, nil
	}
}

// nextAlignedPair advances whichever stream has the smaller trigger
// number until both agree. Each discarded entry (from either stream)
// is counted.
func (b *Builder) nextAlignedPair() (Frame, TriggerRecord, error) {
	frame, err := b.frames.NextFrame()
	if err != nil {
		return Frame{}, TriggerRecord{}, err
	}
	frame.TriggerNo += uint32(b.cfg.ShiftTriggers)

	trig, err := b.triggers.NextTrigger()
	if err != nil {
		return Frame{}, TriggerRecord{}, err
	}

	for frame.TriggerNo != trig.TriggerNo {
		if trigger32Less(frame.TriggerNo, trig.TriggerNo) {
			b.stats.DiscardedFrames++
			frame, err = b.frames.NextFrame()
			if err != nil {
				return Frame{}, TriggerRecord{}, err
			}
			frame.TriggerNo += uint32(b.cfg.ShiftTriggers)
			continue
		}
		b.stats.DiscardedTriggers++
		trig, err = b.triggers.NextTrigger()
		if err != nil {
			return Frame{}, TriggerRecord{}, err
		}
	}
	return frame, trig, nil
}

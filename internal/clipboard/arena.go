// Package clipboard holds the per-event object store for the
// reconstruction pipeline. Objects live in arenas owned by the
// Clipboard: a Cluster refers to its Pixels by index into the event's
// Pixel arena, and a Track refers to its Clusters by (detectorID,
// index), so an event is freed wholesale at end of cycle with no
// pointer graph to walk.
package clipboard

// Pixel is a single fired cell, immutable once created by the hit
// ingester.
type Pixel struct {
	DetectorID string
	Col, Row   int
	Raw        int
	Charge     float64
	TimestampNs float64
}

// Cluster groups Pixels from one detector. It references its
// constituents by index into that detector's Pixel arena for the
// current event, never by pointer.
type Cluster struct {
	DetectorID string

	// PixelIdx indexes into the Clipboard's per-detector Pixel slice
	// for the current event.
	PixelIdx []int

	Charge float64

	LocalX, LocalY, LocalZ    float64
	GlobalX, GlobalY, GlobalZ float64
	ErrorX, ErrorY            float64

	ColumnWidth, RowWidth int
	Split                 bool
	SeedPixelIdx          int // absolute pixel-arena index (resolvable via ResolvePixel) of the highest-charge constituent
	TimestampNs           float64
}

// Size returns the number of constituent pixels.
func (c *Cluster) Size() int { return len(c.PixelIdx) }

// ClusterRef identifies one Cluster by the detector it belongs to and
// its index in that detector's per-event Cluster slice: the
// reference a Track holds instead of a pointer.
type ClusterRef struct {
	DetectorID string
	Index      int
}

// Trigger is one trigger entry on an Event.
type Trigger struct {
	TriggerID uint32
	TimestampNs float64
}

// Event is the finite time window bounding one logical particle
// passage. Start/End are in nanoseconds, relative to run start,
// consistent with Pixel.TimestampNs.
type Event struct {
	Start, End float64
	Triggers   []Trigger
	Tags       map[string]string
}

// Duration returns End-Start.
func (e *Event) Duration() float64 { return e.End - e.Start }

// Contains reports whether ts falls in [Start, End); every Pixel and
// Cluster attached to the event must satisfy this.
func (e *Event) Contains(ts float64) bool {
	return ts >= e.Start && ts < e.End
}

// AddTrigger appends a trigger, rejecting duplicate trigger IDs.
func (e *Event) AddTrigger(t Trigger) bool {
	for _, existing := range e.Triggers {
		if existing.TriggerID == t.TriggerID {
			return false
		}
	}
	e.Triggers = append(e.Triggers, t)
	return true
}

// arena is the per-event storage for one object kind (Pixel, Cluster,
// or Track-implementing type), keyed by detectorID. Track storage uses
// detectorID "" since a Track is not owned by a single detector.
type arena[T any] struct {
	byDetector map[string][]T
}

func newArena[T any]() *arena[T] {
	return &arena[T]{byDetector: map[string][]T{}}
}

func (a *arena[T]) put(detectorID string, items []T) {
	a.byDetector[detectorID] = append(a.byDetector[detectorID], items...)
}

func (a *arena[T]) get(detectorID string) []T {
	return a.byDetector[detectorID] // nil if absent
}

func (a *arena[T]) clear() {
	a.byDetector = map[string][]T{}
}

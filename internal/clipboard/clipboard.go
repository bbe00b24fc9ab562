package clipboard

import (
	"github.com/beamtest/trackrecon/internal/recoerr"
)

// Clipboard is the per-run container holding, at any moment, exactly
// one current Event plus the derived Pixel/Cluster/Track collections
// for that event, indexed by detectorID. Persistent data promoted via
// PutPersistent survives Clear().
type Clipboard struct {
	event *Event

	pixels   arena[Pixel]
	clusters arena[Cluster]
	tracks   arena[Track]

	persistentTracks arena[Track]
}

// New creates an empty Clipboard.
func New() *Clipboard {
	return &Clipboard{
		pixels:           *newArena[Pixel](),
		clusters:         *newArena[Cluster](),
		tracks:           *newArena[Track](),
		persistentTracks: *newArena[Track](),
	}
}

// PutEvent sets the current event. Fails with EventAlreadyDefined if
// one is already set.
func (c *Clipboard) PutEvent(e *Event) error {
	if c.event != nil {
		return recoerr.New(recoerr.EventAlreadyDefined, "clipboard already holds an event [%v, %v)", c.event.Start, c.event.End)
	}
	c.event = e
	return nil
}

// IsEventDefined reports whether a current event is set.
func (c *Clipboard) IsEventDefined() bool { return c.event != nil }

// GetEvent returns the current event, or nil if none is set.
func (c *Clipboard) GetEvent() *Event { return c.event }

// PutPixels appends pixels for a detector to the current event.
func (c *Clipboard) PutPixels(detectorID string, pixels []Pixel) {
	c.pixels.put(detectorID, pixels)
}

// GetPixels returns the pixels for a detector in the current event,
// empty if none.
func (c *Clipboard) GetPixels(detectorID string) []Pixel {
	return c.pixels.get(detectorID)
}

// PutClusters appends clusters for a detector to the current event.
func (c *Clipboard) PutClusters(detectorID string, clusters []Cluster) {
	c.clusters.put(detectorID, clusters)
}

// GetClusters returns the clusters for a detector in the current event.
func (c *Clipboard) GetClusters(detectorID string) []Cluster {
	return c.clusters.get(detectorID)
}

// ResolveCluster dereferences a ClusterRef against the current event's
// Cluster storage. Returns MissingReference if the index is out of
// range, e.g. a Track held a stale reference after Clear().
func (c *Clipboard) ResolveCluster(ref ClusterRef) (*Cluster, error) {
	cs := c.clusters.get(ref.DetectorID)
	if ref.Index < 0 || ref.Index >= len(cs) {
		return nil, recoerr.New(recoerr.MissingReference, "cluster ref %+v out of range (have %d)", ref, len(cs))
	}
	return &cs[ref.Index], nil
}

// ResolvePixel dereferences a Cluster's pixel index against the
// current event's Pixel storage for that detector.
func (c *Clipboard) ResolvePixel(detectorID string, idx int) (*Pixel, error) {
	ps := c.pixels.get(detectorID)
	if idx < 0 || idx >= len(ps) {
		return nil, recoerr.New(recoerr.MissingReference, "pixel index %d out of range for %s (have %d)", idx, detectorID, len(ps))
	}
	return &ps[idx], nil
}

// PutTracks appends tracks keyed under detectorID "" (a Track is not
// owned by one detector) to the current event.
func (c *Clipboard) PutTracks(tracks []Track) {
	c.tracks.put("", tracks)
}

// GetTracks returns the tracks built for the current event.
func (c *Clipboard) GetTracks() []Track {
	return c.tracks.get("")
}

// PutPersistent promotes tracks to the persistent store, which
// survives Clear(). Alignment passes use this to freeze a reference
// track set across many events.
func (c *Clipboard) PutPersistent(tracks []Track) {
	c.persistentTracks.put("", tracks)
}

// CopyToPersistent copies (rather than moves) the given tracks into
// the persistent store, leaving the event-scoped copy untouched.
func (c *Clipboard) CopyToPersistent(tracks []Track) {
	cp := make([]Track, len(tracks))
	copy(cp, tracks)
	c.persistentTracks.put("", cp)
}

// GetPersistent returns the full persistent track set accumulated so far.
func (c *Clipboard) GetPersistent() []Track {
	return c.persistentTracks.get("")
}

// Clear destroys the current event and all per-event Pixel/Cluster/
// Track data, but retains the persistent store.
func (c *Clipboard) Clear() {
	c.event = nil
	c.pixels.clear()
	c.clusters.clear()
	c.tracks.clear()
}

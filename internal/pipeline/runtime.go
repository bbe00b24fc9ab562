package pipeline

import (
	"log"

	"github.com/beamtest/trackrecon/internal/clipboard"
	"github.com/beamtest/trackrecon/internal/recoerr"
	"github.com/beamtest/trackrecon/internal/fitter"
	"github.com/beamtest/trackrecon/internal/geometry"
	"github.com/beamtest/trackrecon/internal/tracklet"
)

// DetectorIngest bundles one detector's geometry with its bounded
// priority buffer, the Hit Ingester's per-detector seam.
type DetectorIngest struct {
	Detector *geometry.Detector
	Ingest   IngestStage
}

// ArmConfig is one telescope arm: an ordered-by-z plane set and the
// Tracklet Finder configuration used to seed tracks on it.
type ArmConfig struct {
	Name      string
	Detectors []*geometry.Detector
	Tracklet  tracklet.Config
}

// Config wires every stage of the reconstruction run loop. Exactly
// one of the Multiplet-oriented fields or the single-arm fields
// applies per run, selected by len(Arms) and whether Multiplet is set.
type Config struct {
	Events     EventStage
	Detectors  []DetectorIngest
	Clusterer  ClusterStage
	ClusterCut float64 // clusterizer time-coincidence cut, ns

	Arms []ArmConfig

	// Backend selects the Track Fitter for single-arm runs.
	// BackendMultiplet is only valid when len(Arms) == 2 and Multiplet
	// is set; it is applied to each arm's sub-fit via MultipletFit.
	Backend clipboard.Backend
	GBL     fitter.GBLConfig

	// Multiplet, when non-nil, enables upstream/downstream matching at
	// a scatterer plane between Arms[0] and Arms[1].
	Multiplet    *tracklet.MultipletConfig
	MultipletFit fitter.MultipletFitConfig

	MaxEvents int // 0 means unlimited

	Logger *log.Logger

	// Chi2NdofCut drops fitted tracks whose chi2/ndof exceeds it; zero
	// disables the cut.
	Chi2NdofCut float64

	// Sink, if set, receives the fitted tracks for each event before
	// the Clipboard is cleared. A nil Sink is valid: callers driving
	// the pipeline purely for its Stats (e.g. an alignment pass reading
	// the persistent store) don't need a per-event callback.
	Sink func(event *clipboard.Event, tracks []clipboard.Track)
}

// Stats accumulates run-level telemetry across the whole pipeline.
type Stats struct {
	EventsProcessed int
	TracksSeeded    int
	TracksFitted    int
	TracksCut       int
	FitErrors       int

	// EndOfFile reports that the run stopped because an input stream
	// was cleanly exhausted, as opposed to hitting MaxEvents.
	EndOfFile bool
}

// Run is the composition root: one Clipboard driven by the configured
// stages, one event at a time.
type Run struct {
	cfg       Config
	clip      *clipboard.Clipboard
	detectors map[string]*geometry.Detector
	fit       FitStage
	stats     Stats
	logger    *log.Logger
}

// NewRun builds a Run from Config. The fit stage is resolved once up
// front from cfg.Backend so every event reuses the same FitStage.
func NewRun(cfg Config) *Run {
	detectors := make(map[string]*geometry.Detector, len(cfg.Detectors))
	var gblPlanes []*geometry.Detector
	for _, di := range cfg.Detectors {
		detectors[di.Detector.Name()] = di.Detector
		gblPlanes = append(gblPlanes, di.Detector)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[pipeline] ", log.LstdFlags)
	}

	return &Run{
		cfg:       cfg,
		clip:      clipboard.New(),
		detectors: detectors,
		fit:       newFitStage(cfg.Backend, detectors, gblPlanes, cfg.GBL, cfg.MultipletFit),
		logger:    logger,
	}
}

// Stats returns a snapshot of the run's accumulated telemetry.
func (r *Run) Stats() Stats { return r.stats }

// Clipboard exposes the Run's Clipboard, primarily so an alignment
// pass can harvest the persistent reference-track set it built up via
// CopyToPersistent during RunAll.
func (r *Run) Clipboard() *clipboard.Clipboard { return r.clip }

// RunAll drives the event loop to completion (or MaxEvents, if set),
// wiring eventbuilder -> ingest -> clipboard -> clusterizer -> tracklet
// -> fitter for every event.
func (r *Run) RunAll() (Stats, error) {
	for r.cfg.MaxEvents == 0 || r.stats.EventsProcessed < r.cfg.MaxEvents {
		ev, err := r.cfg.Events.Next()
		if err != nil {
			if kind, ok := recoerr.KindOf(err); ok && kind == recoerr.EndOfFile {
				r.stats.EndOfFile = true
				break
			}
			return r.stats, err
		}
		if err := r.processEvent(ev); err != nil {
			return r.stats, err
		}
	}
	diagf("run complete: %d events, %d tracks fitted (%d errors)", r.stats.EventsProcessed, r.stats.TracksFitted, r.stats.FitErrors)
	return r.stats, nil
}

// processEvent runs one Event through every stage, always clearing
// the Clipboard's per-event storage before returning; the persistent
// store alone survives Clear().
func (r *Run) processEvent(ev *clipboard.Event) error {
	if err := r.clip.PutEvent(ev); err != nil {
		return err
	}
	defer r.clip.Clear()

	clustersByDetector := make(map[string][]clipboard.Cluster, len(r.cfg.Detectors))
	for _, di := range r.cfg.Detectors {
		name := di.Detector.Name()
		pixels, err := di.Ingest.Drain(ev)
		if err != nil {
			return err
		}
		r.clip.PutPixels(name, pixels)

		clusters := r.cfg.Clusterer.Cluster(di.Detector, pixels, r.cfg.ClusterCut)
		r.clip.PutClusters(name, clusters)
		clustersByDetector[name] = clusters
		tracef("detector %s: %d pixels -> %d clusters", name, len(pixels), len(clusters))
	}

	tracks, err := r.seedAndFit(clustersByDetector)
	if err != nil {
		return err
	}

	flat := make([]clipboard.Track, len(tracks))
	for i, t := range tracks {
		flat[i] = *t
	}
	r.clip.PutTracks(flat)

	if r.cfg.Sink != nil {
		r.cfg.Sink(ev, flat)
	}

	r.stats.EventsProcessed++
	diagf("event [%v,%v): %d tracks seeded", ev.Start, ev.End, len(tracks))
	return nil
}

// seedAndFit seeds tracklets per arm and runs the configured fitter
// over each. A two-arm Multiplet configuration matches upstream and
// downstream tracklets at the scatterer plane first and fits the
// combined object; otherwise every arm's tracklets are fit
// independently.
func (r *Run) seedAndFit(clustersByDetector map[string][]clipboard.Cluster) ([]*clipboard.Track, error) {
	if r.cfg.Multiplet != nil && len(r.cfg.Arms) == 2 {
		up, err := tracklet.FindArmTracklets(r.cfg.Arms[0].Detectors, clustersByDetector, r.cfg.Arms[0].Tracklet, r.logger)
		if err != nil {
			return nil, err
		}
		down, err := tracklet.FindArmTracklets(r.cfg.Arms[1].Detectors, clustersByDetector, r.cfg.Arms[1].Tracklet, r.logger)
		if err != nil {
			return nil, err
		}
		r.stats.TracksSeeded += len(up) + len(down)

		multiplets := tracklet.FormMultiplets(up, down, *r.cfg.Multiplet)
		var kept []*clipboard.Track
		for _, m := range multiplets {
			if err := r.fit.Fit(m, r.clip); err != nil {
				r.stats.FitErrors++
				opsf("multiplet fit failed: %v", err)
				continue
			}
			if r.cfg.Chi2NdofCut > 0 && m.Chi2Ndof() > r.cfg.Chi2NdofCut {
				r.stats.TracksCut++
				continue
			}
			r.stats.TracksFitted++
			kept = append(kept, m)
		}
		return kept, nil
	}

	var tracks []*clipboard.Track
	for _, arm := range r.cfg.Arms {
		armTracks, err := tracklet.FindArmTracklets(arm.Detectors, clustersByDetector, arm.Tracklet, r.logger)
		if err != nil {
			return nil, err
		}
		r.stats.TracksSeeded += len(armTracks)

		for _, t := range armTracks {
			if err := r.fit.Fit(t, r.clip); err != nil {
				r.stats.FitErrors++
				opsf("track fit failed on arm %s: %v", arm.Name, err)
				continue
			}
			if r.cfg.Chi2NdofCut > 0 && t.Chi2Ndof() > r.cfg.Chi2NdofCut {
				r.stats.TracksCut++
				continue
			}
			r.stats.TracksFitted++
			tracks = append(tracks, t)
		}
	}
	return tracks, nil
}

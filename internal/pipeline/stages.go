package pipeline

import (
	"github.com/beamtest/trackrecon/internal/clipboard"
	"github.com/beamtest/trackrecon/internal/fitter"
	"github.com/beamtest/trackrecon/internal/geometry"
)

// ---------------------------------------------------------------------------
// Stage interfaces: layer-aligned contracts for the reconstruction
// pipeline, one per processing step of the per-event run loop.
// ---------------------------------------------------------------------------

// EventStage yields the next aligned Event from the reference frame
// and trigger streams. Satisfied by *eventbuilder.Builder.
type EventStage interface {
	Next() (*clipboard.Event, error)
}

// IngestStage drains one detector's bounded priority buffer of every
// pixel belonging to the given event. Satisfied by *ingest.Buffer.
type IngestStage interface {
	Drain(event *clipboard.Event) ([]clipboard.Pixel, error)
}

// ClusterStage groups a detector's pixels of one event into spatial
// clusters. Satisfied by clusterizer.TouchingTimeClusterer.
type ClusterStage interface {
	Cluster(det *geometry.Detector, pixels []clipboard.Pixel, timingCutNs float64) []clipboard.Cluster
}

// FitStage runs a track-fitter backend over a seeded track.
type FitStage interface {
	Fit(track *clipboard.Track, resolver fitter.ClusterResolver) error
}

// straightLineFitStage adapts FitStraightLine to FitStage.
type straightLineFitStage struct {
	detectors map[string]*geometry.Detector
}

func (s straightLineFitStage) Fit(track *clipboard.Track, resolver fitter.ClusterResolver) error {
	return fitter.FitStraightLine(track, resolver, s.detectors)
}

// gblFitStage adapts FitGBL to FitStage.
type gblFitStage struct {
	planes []*geometry.Detector
	cfg    fitter.GBLConfig
}

func (s gblFitStage) Fit(track *clipboard.Track, resolver fitter.ClusterResolver) error {
	return fitter.FitGBL(track, resolver, s.planes, s.cfg)
}

// multipletFitStage adapts FitMultiplet to FitStage.
type multipletFitStage struct {
	cfg fitter.MultipletFitConfig
}

func (s multipletFitStage) Fit(track *clipboard.Track, resolver fitter.ClusterResolver) error {
	return fitter.FitMultiplet(track, resolver, s.cfg)
}

// newFitStage picks the FitStage matching the configured backend.
func newFitStage(backend clipboard.Backend, detectors map[string]*geometry.Detector, gblPlanes []*geometry.Detector, gblCfg fitter.GBLConfig, multipletCfg fitter.MultipletFitConfig) FitStage {
	switch backend {
	case clipboard.BackendGBL:
		return gblFitStage{planes: gblPlanes, cfg: gblCfg}
	case clipboard.BackendMultiplet:
		return multipletFitStage{cfg: multipletCfg}
	default:
		return straightLineFitStage{detectors: detectors}
	}
}

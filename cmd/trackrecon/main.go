// Command trackrecon is the thin composition root that drives the
// reconstruction library against file-backed inputs: a geometry file,
// a frame stream, a trigger stream, and one CSV hit file per detector.
// Vendor binary decoders stay outside the library; this binary
// supplies minimal textual stand-ins for them so a run goes end to
// end.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/beamtest/trackrecon/internal/clipboard"
	"github.com/beamtest/trackrecon/internal/clusterizer"
	"github.com/beamtest/trackrecon/internal/config"
	"github.com/beamtest/trackrecon/internal/recoerr"
	"github.com/beamtest/trackrecon/internal/eventbuilder"
	"github.com/beamtest/trackrecon/internal/fitter"
	"github.com/beamtest/trackrecon/internal/geometry"
	"github.com/beamtest/trackrecon/internal/ingest"
	"github.com/beamtest/trackrecon/internal/pipeline"
	"github.com/beamtest/trackrecon/internal/tracklet"
)

var (
	geometryFile = flag.String("geometry", "", "path to the detector geometry file (required)")
	framesFile   = flag.String("frames", "", "path to the reference-frame CSV stream (required)")
	triggersFile = flag.String("triggers", "", "path to the trigger CSV stream (required)")
	hitsDir      = flag.String("hits-dir", "", "directory containing one <detector>.csv hit file per geometry entry (required)")
	outFile      = flag.String("out", "tracks.csv", "path to write the fitted-track CSV output")
	referenceDet = flag.String("reference-detector", "", "geometry detector name supplying the frame stream's rolling-shutter parameters, if any")

	upstreamArg   = flag.String("upstream", "", "comma-separated detector names forming the upstream arm (enables Multiplet mode with -downstream)")
	downstreamArg = flag.String("downstream", "", "comma-separated detector names forming the downstream arm")

	bufferDepth       = flag.Int("buffer-depth", 0, "ingest per-detector buffer depth (0: use config default)")
	trackModelArg     = flag.String("track-model", "", "straightline|gbl|multiplet (0/empty: use config default)")
	momentum          = flag.Float64("momentum", 0, "beam momentum, MeV/c (0: use config default)")
	useVolumeScatter  = flag.Bool("use-volume-scatter", false, "enable GBL volume scatter points")
	scattererMatchCut = flag.Float64("scatterer-matching-cut", 0, "Multiplet scatterer matching cut, mm (0: use config default)")
	scattererPos      = flag.Float64("scatterer-position", 0, "scatterer plane z, mm")
	isolationCut      = flag.Float64("isolation-cut", 0, "tracklet isolation cut, mm (0: use config default)")
	minHitsUpstream   = flag.Int("min-hits-upstream", 0, "minimum clusters per upstream-arm candidate (0: use config default)")
	minHitsDownstream = flag.Int("min-hits-downstream", 0, "minimum clusters per downstream-arm candidate (0: use config default)")
	maxEvents         = flag.Int("max-events", 0, "stop after this many events (0: unlimited)")
	verbose           = flag.Bool("verbose", false, "enable per-event and per-detector trace logging")

	responseTimeNs = flag.Float64("response-time-ns", 0, "trigger response time subtracted from trigger_start")
	timeBeforeNs   = flag.Float64("time-before-ns", 1000, "event.start = time_trig - time_before")
	timeAfterNs    = flag.Float64("time-after-ns", 1000, "event.end = time_trig + time_after")
)

func main() {
	flag.Parse()

	if *geometryFile == "" || *framesFile == "" || *triggersFile == "" || *hitsDir == "" {
		fmt.Fprintln(os.Stderr, "trackrecon: -geometry, -frames, -triggers and -hits-dir are all required")
		flag.Usage()
		os.Exit(1)
	}

	stats, err := run()
	if err != nil {
		if kind, ok := recoerr.KindOf(err); ok {
			log.Printf("fatal (%s): %v", kind, err)
			if kind == recoerr.ConfigError {
				os.Exit(1)
			}
			os.Exit(2)
		}
		log.Printf("fatal: %v", err)
		os.Exit(2)
	}
	if stats.EndOfFile {
		os.Exit(3)
	}
}

func run() (pipeline.Stats, error) {
	logger := log.New(os.Stderr, "[trackrecon] ", log.LstdFlags)
	if *verbose {
		pipeline.SetLogWriters(os.Stderr, os.Stderr, os.Stderr)
	} else {
		pipeline.SetLogWriters(os.Stderr, nil, nil)
	}

	geomFile, err := os.Open(*geometryFile)
	if err != nil {
		return pipeline.Stats{}, recoerr.Wrap(recoerr.ConfigError, err, "open geometry file")
	}
	defer geomFile.Close()

	detectors, err := geometry.ParseConfig(geomFile)
	if err != nil {
		return pipeline.Stats{}, err
	}

	pcfg, err := buildPipelineConfig()
	if err != nil {
		return pipeline.Stats{}, err
	}

	frames, err := newFrameFileSource(*framesFile)
	if err != nil {
		return pipeline.Stats{}, err
	}
	triggers, err := newTriggerFileSource(*triggersFile)
	if err != nil {
		return pipeline.Stats{}, err
	}

	ebCfg := eventbuilder.Config{
		ResponseTimeNs: *responseTimeNs,
		TimeBeforeNs:   *timeBeforeNs,
		TimeAfterNs:    *timeAfterNs,
		SkipTimeNs:     pcfg.SkipTimeNs,
		ShiftTriggers:  pcfg.ShiftTriggers,
	}
	if *referenceDet != "" {
		ref, ok := detectors[*referenceDet]
		if !ok {
			return pipeline.Stats{}, recoerr.New(recoerr.ConfigError, "reference-detector %q not found in geometry file", *referenceDet)
		}
		if rs := ref.RollingShutter(); rs.Enabled {
			ebCfg.ReferenceHasRollingShutter = true
			ebCfg.RollingShutterFrameLengthNs = rs.FrameLengthNs
			ebCfg.RollingShutterRows = rs.Rows
		}
	}
	builder := eventbuilder.New(ebCfg, frames, triggers, log.New(os.Stderr, "[eventbuilder] ", log.LstdFlags))

	var ingests []pipeline.DetectorIngest
	var decoders []*hitFileDecoder
	defer func() {
		for _, d := range decoders {
			d.Close()
		}
	}()

	for name, det := range detectors {
		decoder, err := newHitFileDecoder(filepath.Join(*hitsDir, name+".csv"))
		if err != nil {
			return pipeline.Stats{}, err
		}
		decoders = append(decoders, decoder)

		depth := pcfg.BufferDepth
		if *bufferDepth > 0 {
			depth = *bufferDepth
		}
		buf := ingest.NewBuffer(name, depth, decoder, det.Masked, det.TimeOffsetNs(), log.New(os.Stderr, "[ingest:"+name+"] ", log.LstdFlags))
		ingests = append(ingests, pipeline.DetectorIngest{Detector: det, Ingest: buf})
	}

	arms, multipletCfg, err := buildArms(detectors, pcfg)
	if err != nil {
		return pipeline.Stats{}, err
	}

	backend, gblPlanes := resolveBackend(pcfg, detectors)

	out, err := os.Create(*outFile)
	if err != nil {
		return pipeline.Stats{}, recoerr.Wrap(recoerr.ConfigError, err, "create output file")
	}
	defer out.Close()
	writer := newTrackWriter(out)
	defer writer.Flush()

	cfg := pipeline.Config{
		Events:     builder,
		Detectors:  ingests,
		Clusterer:  clusterizer.NewTouchingTimeClusterer(),
		ClusterCut: pcfg.ResolveTimeCut(geometry.DefaultTimeResolutionNs),
		Arms:       arms,
		Backend:    backend,
		GBL: fitter.GBLConfig{
			MomentumMeV:              pcfg.MomentumMeV,
			UseVolumeScatter:         pcfg.UseVolumeScatter,
			ScatteringLengthVolumeMm: pcfg.ScatteringLengthVolumeMm,
		},
		Multiplet: multipletCfg,
		MultipletFit: fitter.MultipletFitConfig{
			Backend:    backend,
			Detectors:  detectors,
			GBLPlanes:  gblPlanes,
			ScattererZ: pcfg.ScattererPositionMm,
			GBL: fitter.GBLConfig{
				MomentumMeV:              pcfg.MomentumMeV,
				UseVolumeScatter:         pcfg.UseVolumeScatter,
				ScatteringLengthVolumeMm: pcfg.ScatteringLengthVolumeMm,
			},
		},
		Chi2NdofCut: pcfg.Chi2NdofCut,
		MaxEvents:   *maxEvents,
		Logger:      logger,
		Sink:        writer.WriteEvent,
	}

	runner := pipeline.NewRun(cfg)
	stats, err := runner.RunAll()
	if err != nil {
		return stats, err
	}
	logger.Printf("done: %d events, %d tracks seeded, %d fitted, %d cut, %d fit errors",
		stats.EventsProcessed, stats.TracksSeeded, stats.TracksFitted, stats.TracksCut, stats.FitErrors)
	return stats, nil
}

// buildPipelineConfig applies the flag overrides on top of
// config.DefaultPipelineConfig, then validates the result.
func buildPipelineConfig() (*config.PipelineConfig, error) {
	pcfg := config.DefaultPipelineConfig()
	if *trackModelArg != "" {
		pcfg.TrackModel = config.TrackModel(*trackModelArg)
	}
	if *momentum > 0 {
		pcfg.MomentumMeV = *momentum
	}
	pcfg.UseVolumeScatter = *useVolumeScatter
	if *scattererMatchCut > 0 {
		pcfg.ScattererMatchingCutMm = *scattererMatchCut
	}
	pcfg.ScattererPositionMm = *scattererPos
	if *isolationCut > 0 {
		pcfg.IsolationCutMm = *isolationCut
	}
	if *minHitsUpstream > 0 {
		pcfg.MinHitsUpstream = *minHitsUpstream
	}
	if *minHitsDownstream > 0 {
		pcfg.MinHitsDownstream = *minHitsDownstream
	}
	if *bufferDepth > 0 {
		pcfg.BufferDepth = *bufferDepth
	}
	if err := pcfg.Validate(); err != nil {
		return nil, err
	}
	return pcfg, nil
}

// buildArms resolves the -upstream/-downstream flags (or, absent
// those, every non-auxiliary detector sorted by z as a single arm)
// into pipeline.ArmConfig entries plus an optional MultipletConfig.
func buildArms(detectors map[string]*geometry.Detector, pcfg *config.PipelineConfig) ([]pipeline.ArmConfig, *tracklet.MultipletConfig, error) {
	if *upstreamArg != "" && *downstreamArg != "" {
		up, err := resolveArm("upstream", strings.Split(*upstreamArg, ","), detectors, pcfg, pcfg.MinHitsUpstream)
		if err != nil {
			return nil, nil, err
		}
		down, err := resolveArm("downstream", strings.Split(*downstreamArg, ","), detectors, pcfg, pcfg.MinHitsDownstream)
		if err != nil {
			return nil, nil, err
		}
		mcfg := &tracklet.MultipletConfig{
			ScattererZMm:           pcfg.ScattererPositionMm,
			ScattererMatchingCutMm: pcfg.ScattererMatchingCutMm,
		}
		return []pipeline.ArmConfig{up, down}, mcfg, nil
	}

	var all []*geometry.Detector
	for _, d := range detectors {
		if !d.IsAuxiliary() {
			all = append(all, d)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].GlobalZ() < all[j].GlobalZ() })
	names := make([]string, len(all))
	for i, d := range all {
		names[i] = d.Name()
	}
	arm, err := resolveArm("telescope", names, detectors, pcfg, pcfg.MinHitsOnTrack)
	if err != nil {
		return nil, nil, err
	}
	return []pipeline.ArmConfig{arm}, nil, nil
}

func resolveArm(name string, detNames []string, detectors map[string]*geometry.Detector, pcfg *config.PipelineConfig, minHits int) (pipeline.ArmConfig, error) {
	var dets []*geometry.Detector
	timeCut := map[string]float64{}
	spatialX := map[string]float64{}
	spatialY := map[string]float64{}
	for _, raw := range detNames {
		n := strings.TrimSpace(raw)
		if n == "" {
			continue
		}
		d, ok := detectors[n]
		if !ok {
			return pipeline.ArmConfig{}, recoerr.New(recoerr.ConfigError, "arm %s references unknown detector %q", name, n)
		}
		dets = append(dets, d)
		timeCut[n] = pcfg.ResolveTimeCut(d.TimeResolutionNs())
		spatialX[n] = pcfg.ResolveSpatialCut(d.SpatialResX())
		spatialY[n] = pcfg.ResolveSpatialCut(d.SpatialResY())
	}
	if len(dets) < 2 {
		return pipeline.ArmConfig{}, recoerr.New(recoerr.ConfigError, "arm %s needs at least 2 detectors, got %d", name, len(dets))
	}
	return pipeline.ArmConfig{
		Name:      name,
		Detectors: dets,
		Tracklet: tracklet.Config{
			TimeCutNs:      timeCut,
			SpatialCutXMm:  spatialX,
			SpatialCutYMm:  spatialY,
			MinHitsPerArm:  minHits,
			IsolationCutMm: pcfg.IsolationCutMm,
			ScattererZMm:   pcfg.ScattererPositionMm,
		},
	}, nil
}

// resolveBackend maps the configured track_model onto a clipboard.Backend
// and, for GBL, the full z-ordered plane list the fitter walks.
func resolveBackend(pcfg *config.PipelineConfig, detectors map[string]*geometry.Detector) (clipboard.Backend, []*geometry.Detector) {
	var planes []*geometry.Detector
	for _, d := range detectors {
		planes = append(planes, d)
	}
	sort.Slice(planes, func(i, j int) bool { return planes[i].GlobalZ() < planes[j].GlobalZ() })

	switch pcfg.TrackModel {
	case config.TrackModelGBL:
		return clipboard.BackendGBL, planes
	case config.TrackModelMultiplet:
		return clipboard.BackendMultiplet, planes
	default:
		return clipboard.BackendStraightLine, planes
	}
}

// trackWriter emits one CSV row per (track, detector) pair: backend,
// chi2/ndof, and per-detector state/direction/residual/kink. A
// multiplet's per-detector rows come from its two arms.
type trackWriter struct {
	w *bufio.Writer
}

func newTrackWriter(f *os.File) *trackWriter {
	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "event_start_ns,event_end_ns,track_index,backend,chi2,ndof,chi2ndof,timestamp_ns,detector,state_x,state_y,state_z,dir_x,dir_y,dir_z,residual_local_x,residual_local_y,residual_global_x,residual_global_y,kink_x,kink_y")
	return &trackWriter{w: w}
}

func (tw *trackWriter) WriteEvent(ev *clipboard.Event, tracks []clipboard.Track) {
	for ti, t := range tracks {
		if !t.Fitted {
			continue
		}
		for _, part := range trackParts(&t) {
			dets := make([]string, 0, len(part.StateByDetector))
			for d := range part.StateByDetector {
				dets = append(dets, d)
			}
			sort.Strings(dets)
			for _, d := range dets {
				state := part.StateByDetector[d]
				dir := part.DirectionByDetector[d]
				res := part.ResidualByDetector[d]
				fmt.Fprintf(tw.w, "%g,%g,%d,%s,%g,%d,%g,%g,%s,%g,%g,%g,%g,%g,%g,%g,%g,%g,%g,%g,%g\n",
					ev.Start, ev.End, ti, t.Backend, t.Chi2, t.Ndof, t.Chi2Ndof(), t.TimestampNs, d,
					state[0], state[1], state[2], dir[0], dir[1], dir[2],
					res.LocalX, res.LocalY, res.GlobalX, res.GlobalY, res.KinkX, res.KinkY)
			}
		}
	}
}

// trackParts returns the tracks carrying per-detector state: the
// track itself, or a multiplet's two arms.
func trackParts(t *clipboard.Track) []*clipboard.Track {
	if t.Backend == clipboard.BackendMultiplet {
		var parts []*clipboard.Track
		if t.Upstream != nil {
			parts = append(parts, t.Upstream)
		}
		if t.Downstream != nil {
			parts = append(parts, t.Downstream)
		}
		return parts
	}
	return []*clipboard.Track{t}
}

func (tw *trackWriter) Flush() { tw.w.Flush() }

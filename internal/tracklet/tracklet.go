// Package tracklet builds short straight-line tracks per telescope
// arm: candidates are seeded from cluster pairs on the two boundary
// planes, intermediate-detector clusters are attached via a
// per-detector KD-tree query followed by an elliptical spatial/time
// gate, and an upstream tracklet is merged with its closest downstream
// partner at the scatterer plane to form a multiplet.
package tracklet

import (
	"log"
	"math"
	"sort"

	"github.com/beamtest/trackrecon/internal/clipboard"
	"github.com/beamtest/trackrecon/internal/recoerr"
	"github.com/beamtest/trackrecon/internal/fitter"
	"github.com/beamtest/trackrecon/internal/geometry"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// Config governs candidate formation for one arm.
type Config struct {
	TimeCutNs      map[string]float64 // per intermediate detector
	SpatialCutXMm  map[string]float64 // per intermediate detector, ellipse semi-axis
	SpatialCutYMm  map[string]float64
	MinHitsPerArm  int
	IsolationCutMm float64
	ScattererZMm   float64
}

// sliceResolver satisfies fitter.ClusterResolver over the plain
// per-detector cluster slices the Tracklet Finder already has for
// this event, without needing a live *clipboard.Clipboard.
type sliceResolver struct {
	byDetector map[string][]clipboard.Cluster
}

func (r sliceResolver) ResolveCluster(ref clipboard.ClusterRef) (*clipboard.Cluster, error) {
	list := r.byDetector[ref.DetectorID]
	if ref.Index < 0 || ref.Index >= len(list) {
		return nil, recoerr.New(recoerr.MissingReference, "cluster %s[%d] out of range", ref.DetectorID, ref.Index)
	}
	return &list[ref.Index], nil
}

// FindArmTracklets finds all tracklets for one arm: dets must contain
// at least the two boundary planes, and need not be pre-sorted (this
// function sorts by global z). An empty or single-plane arm returns an
// empty, non-error result.
func FindArmTracklets(dets []*geometry.Detector, clustersByDetector map[string][]clipboard.Cluster, cfg Config, logger *log.Logger) ([]*clipboard.Track, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[tracklet] ", log.LstdFlags)
	}
	if len(dets) < 2 {
		return nil, nil
	}
	sorted := append([]*geometry.Detector(nil), dets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].GlobalZ() < sorted[j].GlobalZ() })

	if cfg.MinHitsPerArm < 2 {
		cfg.MinHitsPerArm = 2
	}
	if cfg.MinHitsPerArm == 2 {
		logger.Printf("warning: min_hits_per_arm=2 leaves a 2-point line underconstrained")
	}

	first, last := sorted[0], sorted[len(sorted)-1]
	firstClusters := clustersByDetector[first.Name()]
	lastClusters := clustersByDetector[last.Name()]
	intermediate := sorted[1 : len(sorted)-1]

	trees := map[string]*kdtreeBundle{}
	for _, det := range intermediate {
		tree, pts := buildTree(clustersByDetector[det.Name()])
		trees[det.Name()] = &kdtreeBundle{tree: tree, points: pts}
	}

	detByName := map[string]*geometry.Detector{}
	for _, d := range sorted {
		detByName[d.Name()] = d
	}
	resolver := sliceResolver{byDetector: clustersByDetector}

	var candidates []*clipboard.Track
	for i := range firstClusters {
		for j := range lastClusters {
			c1, c2 := &firstClusters[i], &lastClusters[j]

			track := clipboard.NewTrack(clipboard.BackendStraightLine)
			track.AddCluster(clipboard.ClusterRef{DetectorID: first.Name(), Index: i})
			track.AddCluster(clipboard.ClusterRef{DetectorID: last.Name(), Index: j})
			track.TimestampNs = (c1.TimestampNs + c2.TimestampNs) / 2

			state, direction, ok := twoPointLine(first.GlobalZ(), c1, last.GlobalZ(), c2)
			if !ok {
				continue
			}

			for _, det := range intermediate {
				ref, matched := matchIntermediate(det, trees[det.Name()], clustersByDetector[det.Name()], state, direction, track.TimestampNs, cfg)
				if matched {
					track.AddCluster(ref)
				}
			}

			if len(track.Clusters) < cfg.MinHitsPerArm {
				continue
			}

			if err := fitter.FitStraightLine(track, resolver, detByName); err != nil {
				logger.Printf("debug: tracklet candidate discarded, singular fit: %v", err)
				continue
			}
			candidates = append(candidates, track)
		}
	}

	return applyIsolationCut(candidates, cfg.ScattererZMm, cfg.IsolationCutMm), nil
}

type kdtreeBundle struct {
	tree   *kdtree.Tree
	points clusterPoints
}

// twoPointLine fits the straight line through two global points at
// known z, returning the common (state, direction) representation.
func twoPointLine(z1 float64, c1 *clipboard.Cluster, z2 float64, c2 *clipboard.Cluster) (state, direction [3]float64, ok bool) {
	dz := z2 - z1
	if dz == 0 {
		return state, direction, false
	}
	txSlope := (c2.GlobalX - c1.GlobalX) / dz
	tySlope := (c2.GlobalY - c1.GlobalY) / dz
	norm := math.Sqrt(txSlope*txSlope + tySlope*tySlope + 1)
	direction = [3]float64{txSlope / norm, tySlope / norm, 1 / norm}
	// state at z=0
	state = [3]float64{c1.GlobalX - txSlope*z1, c1.GlobalY - tySlope*z1, 0}
	return state, direction, true
}

// interceptAt evaluates the two-point line's global (x,y) at z.
func interceptAt(state, direction [3]float64, z float64) (x, y float64) {
	if direction[2] == 0 {
		return state[0], state[1]
	}
	t := (z - state[2]) / direction[2]
	return state[0] + t*direction[0], state[1] + t*direction[1]
}

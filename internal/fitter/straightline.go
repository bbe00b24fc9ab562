// Package fitter fits tracks to clusters: a straight-line weighted
// least-squares backend, a General Broken Lines backend accounting for
// multiple scattering, and the multiplet composite that delegates to
// both. Linear algebra throughout uses gonum.org/v1/gonum/mat.
package fitter

import (
	"math"
	"sort"

	"github.com/beamtest/trackrecon/internal/clipboard"
	"github.com/beamtest/trackrecon/internal/recoerr"
	"github.com/beamtest/trackrecon/internal/geometry"
	"gonum.org/v1/gonum/mat"
)

// singularEpsilon is the determinant threshold below which the 2x2
// normal-equations matrix is treated as singular.
const singularEpsilon = 1e-12

// ClusterResolver looks up one of a Track's referenced clusters. It is
// satisfied by *clipboard.Clipboard; introduced as an interface here
// so the fitter never depends on the clipboard package's concrete
// storage, only on resolving references.
type ClusterResolver interface {
	ResolveCluster(ref clipboard.ClusterRef) (*clipboard.Cluster, error)
}

// planeFit is one (z, u, weight) sample along a single axis used to
// assemble the 2x2 normal equations.
type planeFit struct {
	z, u, w float64
}

// FitStraightLine performs an independent weighted 2D linear
// regression in (x,z) and (y,z), populates the Track's
// state/direction/residuals at every constituent detector, and marks
// it fitted. detectors supplies each constituent cluster's global z
// and local<->global transform for residual reporting.
func FitStraightLine(track *clipboard.Track, resolver ClusterResolver, detectors map[string]*geometry.Detector) error {
	type sample struct {
		det     *geometry.Detector
		cluster *clipboard.Cluster
	}
	samples := make([]sample, 0, len(track.Clusters))
	for _, ref := range track.Clusters {
		c, err := resolver.ResolveCluster(ref)
		if err != nil {
			return err
		}
		det, ok := detectors[ref.DetectorID]
		if !ok {
			return recoerr.New(recoerr.MissingReference, "no detector geometry for %s", ref.DetectorID)
		}
		samples = append(samples, sample{det: det, cluster: c})
	}
	if len(samples) < 2 {
		return recoerr.New(recoerr.TrackFitError, "straight-line fit needs at least 2 clusters, got %d", len(samples))
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].det.GlobalZ() < samples[j].det.GlobalZ() })

	var xs, ys []planeFit
	for _, s := range samples {
		z := s.det.GlobalZ()
		ex, ey := s.cluster.ErrorX, s.cluster.ErrorY
		if ex <= 0 {
			ex = 1
		}
		if ey <= 0 {
			ey = 1
		}
		xs = append(xs, planeFit{z: z, u: s.cluster.GlobalX, w: 1 / (ex * ex)})
		ys = append(ys, planeFit{z: z, u: s.cluster.GlobalY, w: 1 / (ey * ey)})
	}

	x0, xSlope, err := solveAxis(xs)
	if err != nil {
		return err
	}
	y0, ySlope, err := solveAxis(ys)
	if err != nil {
		return err
	}

	norm := math.Sqrt(xSlope*xSlope + ySlope*ySlope + 1)
	direction := [3]float64{xSlope / norm, ySlope / norm, 1 / norm}

	var chi2 float64
	for _, s := range samples {
		z := s.det.GlobalZ()
		predX := x0 + xSlope*z
		predY := y0 + ySlope*z
		ex, ey := s.cluster.ErrorX, s.cluster.ErrorY
		if ex <= 0 {
			ex = 1
		}
		if ey <= 0 {
			ey = 1
		}
		dx := s.cluster.GlobalX - predX
		dy := s.cluster.GlobalY - predY
		chi2 += (dx/ex)*(dx/ex) + (dy/ey)*(dy/ey)

		st := [3]float64{predX, predY, z}
		track.StateByDetector[s.det.Name()] = st
		track.DirectionByDetector[s.det.Name()] = direction

		lx, ly, _ := s.det.GlobalToLocal(predX, predY, z)
		clx, cly, _ := s.det.GlobalToLocal(s.cluster.GlobalX, s.cluster.GlobalY, s.cluster.GlobalZ)
		track.ResidualByDetector[s.det.Name()] = clipboard.Residual{
			LocalX:  clx - lx,
			LocalY:  cly - ly,
			GlobalX: dx,
			GlobalY: dy,
		}
	}

	track.Fitted = true
	track.Chi2 = chi2
	track.Ndof = 2 * (len(samples) - 2)
	if track.Ndof < 0 {
		track.Ndof = 0
	}

	// Track timestamp: mean of constituent timestamps with each
	// cluster's time of flight (z/c) removed.
	var sumTs float64
	for _, s := range samples {
		sumTs += s.cluster.TimestampNs - s.cluster.GlobalZ/speedOfLightMmPerNs
	}
	track.TimestampNs = sumTs / float64(len(samples))
	return nil
}

// speedOfLightMmPerNs converts a cluster's global z into its time of
// flight from z=0 for a relativistic particle.
const speedOfLightMmPerNs = 299.792458

// solveAxis solves the 2x2 weighted normal equations for one axis,
// returning (intercept, slope).
func solveAxis(pts []planeFit) (float64, float64, error) {
	var sw, swz, swzz, swu, swuz float64
	for _, p := range pts {
		sw += p.w
		swz += p.w * p.z
		swzz += p.w * p.z * p.z
		swu += p.w * p.u
		swuz += p.w * p.u * p.z
	}

	a := mat.NewDense(2, 2, []float64{sw, swz, swz, swzz})
	b := mat.NewVecDense(2, []float64{swu, swuz})

	det := mat.Det(a)
	if math.Abs(det) < singularEpsilon {
		return 0, 0, recoerr.New(recoerr.TrackFitError, "matrix inversion failed: |det| = %g", math.Abs(det))
	}

	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		return 0, 0, recoerr.Wrap(recoerr.TrackFitError, err, "matrix inversion failed")
	}
	return x.AtVec(0), x.AtVec(1), nil
}

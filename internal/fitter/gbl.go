// General Broken Lines. With no magnetic field the trajectory is a
// straight-line reference with a 2D local offset correction solved at
// every plane and every volume-scatter sub-point, the broken-lines
// parameterization of Blobel (2006): each point contributes a
// measurement term (if it has a cluster) and, at every interior point,
// a scattering-kink term penalizing the second difference of
// neighboring offsets by the Highland-derived precision. The normal
// equations are solved densely via gonum/mat; the point counts a beam
// telescope produces never justify a banded solver.
package fitter

import (
	"math"
	"sort"

	"github.com/beamtest/trackrecon/internal/clipboard"
	"github.com/beamtest/trackrecon/internal/recoerr"
	"github.com/beamtest/trackrecon/internal/geometry"
	"gonum.org/v1/gonum/mat"
)

// volumeFrac1/volumeFrac2 place the two volume scatterers between
// consecutive planes, at 0.21*d and (0.21+0.58)*d of the gap.
const (
	volumeFrac1 = 0.21
	volumeFrac2 = 0.58
)

// gblMeasurement pairs a track's constituent cluster with the plane it
// sits on, keyed by detectorID while assembling the broken line.
type gblMeasurement struct {
	det *geometry.Detector
	cl  *clipboard.Cluster
}

// GBLConfig governs one GBL fit.
type GBLConfig struct {
	MomentumMeV              float64
	UseVolumeScatter         bool
	ScatteringLengthVolumeMm float64
}

// gblPoint is one point on the broken line: either a detector plane
// (possibly carrying a measurement) or a volume scatter point with no
// measurement.
type gblPoint struct {
	z              float64
	detectorName   string // "" for volume-only points
	hasMeasurement bool
	measLocal      [2]float64 // cluster_local - reference_local at this z
	measPrecision  [2]float64 // 1/ex^2, 1/ey^2
	scatterPrec    *mat.Dense // 2x2, nil if this point does not scatter (shouldn't happen in practice)
}

// referenceLine is the straight-line seed the broken-lines offsets
// are corrections against: local offsets are measured relative to
// this line's prediction at each plane.
type referenceLine struct {
	x0, y0, tx, ty float64 // global x = x0+tx*z, y = y0+ty*z
}

func (r referenceLine) globalAt(z float64) (x, y float64) {
	return r.x0 + r.tx*z, r.y0 + r.ty*z
}

// FitGBL fits the track as a broken line with scattering. planes is
// every material plane in the setup (telescope + DUT), in any order;
// detectors without a cluster on the track still contribute a
// scatterer. track must already reference (via AddCluster) the
// clusters used as measurements; at least two are required to seed the
// reference line.
func FitGBL(track *clipboard.Track, resolver ClusterResolver, planes []*geometry.Detector, cfg GBLConfig) error {
	if cfg.MomentumMeV <= 0 {
		return recoerr.New(recoerr.ConfigError, "GBL momentum must be positive, got %g", cfg.MomentumMeV)
	}
	if len(track.Clusters) < 2 {
		return recoerr.New(recoerr.TrackFitError, "GBL fit needs at least 2 clusters, got %d", len(track.Clusters))
	}

	measByName := map[string]gblMeasurement{}
	for _, ref := range track.Clusters {
		cl, err := resolver.ResolveCluster(ref)
		if err != nil {
			return err
		}
		measByName[ref.DetectorID] = gblMeasurement{cl: cl}
	}

	sortedPlanes := append([]*geometry.Detector(nil), planes...)
	sort.Slice(sortedPlanes, func(i, j int) bool { return sortedPlanes[i].GlobalZ() < sortedPlanes[j].GlobalZ() })
	for _, det := range sortedPlanes {
		if m, ok := measByName[det.Name()]; ok {
			m.det = det
			measByName[det.Name()] = m
		}
	}

	ref, err := seedReferenceLine(sortedPlanes, measByName)
	if err != nil {
		return err
	}

	totalX0 := 0.0
	for _, det := range sortedPlanes {
		totalX0 += det.MaterialBudget()
	}
	if cfg.UseVolumeScatter && len(sortedPlanes) >= 2 {
		span := sortedPlanes[len(sortedPlanes)-1].GlobalZ() - sortedPlanes[0].GlobalZ()
		totalX0 += span / cfg.ScatteringLengthVolumeMm
	}

	var points []gblPoint
	for i, det := range sortedPlanes {
		if cfg.UseVolumeScatter && i > 0 {
			prevZ := sortedPlanes[i-1].GlobalZ()
			d := det.GlobalZ() - prevZ
			halfX0 := math.Abs(d) / 2 / cfg.ScatteringLengthVolumeMm
			points = append(points,
				newVolumePoint(prevZ+volumeFrac1*d, ref, cfg.MomentumMeV, halfX0, totalX0),
				newVolumePoint(prevZ+(volumeFrac1+volumeFrac2)*d, ref, cfg.MomentumMeV, halfX0, totalX0),
			)
		}
		p := gblPoint{z: det.GlobalZ(), detectorName: det.Name()}
		p.scatterPrec = scatterPrecision(ref, cfg.MomentumMeV, det.MaterialBudget(), totalX0)
		if m, ok := measByName[det.Name()]; ok {
			lx, ly, _ := det.GlobalToLocal(m.cl.GlobalX, m.cl.GlobalY, m.cl.GlobalZ)
			rx, ry := ref.globalAt(det.GlobalZ())
			rlx, rly, _ := det.GlobalToLocal(rx, ry, det.GlobalZ())
			p.hasMeasurement = true
			p.measLocal = [2]float64{lx - rlx, ly - rly}
			ex, ey := m.cl.ErrorX, m.cl.ErrorY
			if ex <= 0 {
				ex = 1
			}
			if ey <= 0 {
				ey = 1
			}
			p.measPrecision = [2]float64{1 / (ex * ex), 1 / (ey * ey)}
		}
		points = append(points, p)
	}

	solution, chi2, err := solveBrokenLines(points)
	if err != nil {
		return err
	}

	nMeasurements := 0
	for _, p := range points {
		if p.hasMeasurement {
			nMeasurements++
		}
	}
	ndof := 2*nMeasurements - 4
	if ndof < 0 {
		ndof = 0
	}

	track.Fitted = true
	track.Chi2 = chi2
	track.Ndof = ndof

	// Populate per-detector state/direction/residual/kink from the
	// solved local offsets, restricted to the actual detector planes
	// (volume-only points carry no detector identity).
	type planeState struct {
		det   *geometry.Detector
		gx, gy, gz float64
	}
	var states []planeState
	idx := 0
	for _, p := range points {
		if p.detectorName == "" {
			idx++
			continue
		}
		det := findDetector(sortedPlanes, p.detectorName)
		rx, ry := ref.globalAt(p.z)
		rlx, rly, _ := det.GlobalToLocal(rx, ry, p.z)
		clx := rlx + solution[2*idx]
		cly := rly + solution[2*idx+1]
		gx, gy, gz := det.LocalToGlobal(clx, cly, 0)
		states = append(states, planeState{det: det, gx: gx, gy: gy, gz: gz})
		idx++
	}

	for i, st := range states {
		track.StateByDetector[st.det.Name()] = [3]float64{st.gx, st.gy, st.gz}
		var dir [3]float64
		switch {
		case i+1 < len(states):
			nxt := states[i+1]
			dz := nxt.gz - st.gz
			dir = normalizedDirection(nxt.gx-st.gx, nxt.gy-st.gy, dz)
		case i > 0:
			prv := states[i-1]
			dz := st.gz - prv.gz
			dir = normalizedDirection(st.gx-prv.gx, st.gy-prv.gy, dz)
		default:
			dir = [3]float64{0, 0, 1}
		}
		track.DirectionByDetector[st.det.Name()] = dir

		res := clipboard.Residual{}
		if m, ok := measByName[st.det.Name()]; ok {
			lx, ly, _ := st.det.GlobalToLocal(m.cl.GlobalX, m.cl.GlobalY, m.cl.GlobalZ)
			clx, cly, _ := st.det.GlobalToLocal(st.gx, st.gy, st.gz)
			res.LocalX = lx - clx
			res.LocalY = ly - cly
			res.GlobalX = m.cl.GlobalX - st.gx
			res.GlobalY = m.cl.GlobalY - st.gy
		}
		track.ResidualByDetector[st.det.Name()] = res
	}

	// Kinks live on the scatter points that coincide with a detector
	// plane; recompute them from the solved offsets for reporting.
	kinks := brokenLineKinks(points, solution)
	for name, k := range kinks {
		r := track.ResidualByDetector[name]
		r.KinkX, r.KinkY = k[0], k[1]
		track.ResidualByDetector[name] = r
	}

	var sumTs float64
	n := 0
	for _, ref := range track.Clusters {
		cl, _ := resolver.ResolveCluster(ref)
		if cl != nil {
			sumTs += cl.TimestampNs - cl.GlobalZ/speedOfLightMmPerNs
			n++
		}
	}
	if n > 0 {
		track.TimestampNs = sumTs / float64(n)
	}
	return nil
}

func findDetector(dets []*geometry.Detector, name string) *geometry.Detector {
	for _, d := range dets {
		if d.Name() == name {
			return d
		}
	}
	return nil
}

func normalizedDirection(dx, dy, dz float64) [3]float64 {
	n := math.Sqrt(dx*dx + dy*dy + dz*dz)
	if n == 0 {
		return [3]float64{0, 0, 1}
	}
	return [3]float64{dx / n, dy / n, dz / n}
}

// seedReferenceLine builds the straight-line reference the broken
// lines offsets correct against, from the first and last measured
// clusters by z. A two-point seed gives the Highland scattering-angle
// input a real local slope.
func seedReferenceLine(sortedPlanes []*geometry.Detector, meas map[string]gblMeasurement) (referenceLine, error) {
	type point struct{ z, x, y float64 }
	var pts []point
	for _, det := range sortedPlanes {
		if m, ok := meas[det.Name()]; ok {
			pts = append(pts, point{z: det.GlobalZ(), x: m.cl.GlobalX, y: m.cl.GlobalY})
		}
	}
	if len(pts) < 2 {
		return referenceLine{}, recoerr.New(recoerr.TrackFitError, "GBL fit needs clusters on at least 2 distinct planes")
	}
	first, last := pts[0], pts[len(pts)-1]
	dz := last.z - first.z
	if dz == 0 {
		return referenceLine{}, recoerr.New(recoerr.TrackFitError, "GBL seed clusters share the same z")
	}
	tx := (last.x - first.x) / dz
	ty := (last.y - first.y) / dz
	x0 := first.x - tx*first.z
	y0 := first.y - ty*first.z
	return referenceLine{x0: x0, y0: y0, tx: tx, ty: ty}, nil
}

// scatteringTheta is the Highland projected-plane scattering angle
// 13.6/p * sqrt(x/X0) * (1 + 0.038*ln(X0tot)), with p in MeV/c.
func scatteringTheta(momentumMeV, materialFraction, totalX0 float64) float64 {
	if totalX0 <= 0 {
		totalX0 = materialFraction
	}
	if totalX0 <= 0 {
		return 0
	}
	return 13.6 / momentumMeV * math.Sqrt(materialFraction) * (1 + 0.038*math.Log(totalX0))
}

// scatterPrecision builds the 2x2 scatter precision matrix for a
// point with the given material fraction: a slope-dependent
// off-diagonal term scaled by the Highland angle, with beta^2=1.
func scatterPrecision(ref referenceLine, momentumMeV, materialFraction, totalX0 float64) *mat.Dense {
	if materialFraction <= 0 {
		return mat.NewDense(2, 2, []float64{1e12, 0, 0, 1e12})
	}
	slopeSq := ref.tx*ref.tx + ref.ty*ref.ty
	theta := scatteringTheta(momentumMeV, materialFraction*(1+slopeSq), totalX0)
	scale := 0.0
	if theta != 0 {
		scale = 1 / theta / (1 + slopeSq)
	}
	s := mat.NewDense(2, 2, []float64{
		1 + ref.ty*ref.ty, -(ref.tx * ref.ty),
		-(ref.tx * ref.ty), 1 + ref.tx*ref.tx,
	})
	s.Scale(scale*scale, s)
	return s
}

func newVolumePoint(z float64, ref referenceLine, momentumMeV, halfX0, totalX0 float64) gblPoint {
	return gblPoint{
		z:           z,
		scatterPrec: scatterPrecision(ref, momentumMeV, halfX0, totalX0),
	}
}

// solveBrokenLines assembles and solves the dense normal-equations
// system for the broken-lines offset parameterization: 2 unknowns
// (du, dv) per point, a quadratic measurement term at points with a
// cluster, and a quadratic scattering-kink term at every interior
// point penalizing the weighted second difference of neighboring
// offsets. Returns the flattened solution vector (2*len(points)) and
// the fit chi2.
func solveBrokenLines(points []gblPoint) ([]float64, float64, error) {
	n := len(points)
	dim := 2 * n
	a := mat.NewDense(dim, dim, nil)
	b := mat.NewVecDense(dim, nil)

	addBlock := func(row, col int, block *mat.Dense) {
		for i := 0; i < 2; i++ {
			for j := 0; j < 2; j++ {
				a.Set(row+i, col+j, a.At(row+i, col+j)+block.At(i, j))
			}
		}
	}

	for i, p := range points {
		if p.hasMeasurement {
			addBlock(2*i, 2*i, mat.NewDense(2, 2, []float64{p.measPrecision[0], 0, 0, p.measPrecision[1]}))
			b.SetVec(2*i, b.AtVec(2*i)+p.measPrecision[0]*p.measLocal[0])
			b.SetVec(2*i+1, b.AtVec(2*i+1)+p.measPrecision[1]*p.measLocal[1])
		}
	}

	for i := 1; i < n-1; i++ {
		d0 := points[i].z - points[i-1].z
		d1 := points[i+1].z - points[i].z
		if d0 == 0 || d1 == 0 {
			continue
		}
		c := [3]float64{1 / d0, -(1/d0 + 1/d1), 1 / d1}
		gamma := points[i].scatterPrec
		if gamma == nil {
			continue
		}
		for ai, oa := range []int{-1, 0, 1} {
			for bi, ob := range []int{-1, 0, 1} {
				block := mat.NewDense(2, 2, nil)
				block.Scale(c[ai]*c[bi], gamma)
				addBlock(2*(i+oa), 2*(i+ob), block)
			}
		}
	}

	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		return nil, 0, recoerr.Wrap(recoerr.TrackFitError, err, "GBL fit failed: bordered band matrix is singular")
	}
	solution := make([]float64, dim)
	for i := 0; i < dim; i++ {
		solution[i] = x.AtVec(i)
	}

	chi2 := 0.0
	for i, p := range points {
		if p.hasMeasurement {
			rx := p.measLocal[0] - solution[2*i]
			ry := p.measLocal[1] - solution[2*i+1]
			chi2 += rx*rx*p.measPrecision[0] + ry*ry*p.measPrecision[1]
		}
	}
	for i := 1; i < n-1; i++ {
		d0 := points[i].z - points[i-1].z
		d1 := points[i+1].z - points[i].z
		if d0 == 0 || d1 == 0 || points[i].scatterPrec == nil {
			continue
		}
		kx := (solution[2*(i+1)]-solution[2*i])/d1 - (solution[2*i]-solution[2*(i-1)])/d0
		ky := (solution[2*(i+1)+1]-solution[2*i+1])/d1 - (solution[2*i+1]-solution[2*(i-1)+1])/d0
		g := points[i].scatterPrec
		chi2 += kx*kx*g.At(0, 0) + 2*kx*ky*g.At(0, 1) + ky*ky*g.At(1, 1)
	}

	return solution, chi2, nil
}

// brokenLineKinks recomputes the solved kink angle at every point
// that corresponds to a named detector plane, for the Track's
// per-detector kink report.
func brokenLineKinks(points []gblPoint, solution []float64) map[string][2]float64 {
	out := map[string][2]float64{}
	for i := 1; i < len(points)-1; i++ {
		if points[i].detectorName == "" {
			continue
		}
		d0 := points[i].z - points[i-1].z
		d1 := points[i+1].z - points[i].z
		if d0 == 0 || d1 == 0 {
			continue
		}
		kx := (solution[2*(i+1)]-solution[2*i])/d1 - (solution[2*i]-solution[2*(i-1)])/d0
		ky := (solution[2*(i+1)+1]-solution[2*i+1])/d1 - (solution[2*i+1]-solution[2*(i-1)+1])/d0
		out[points[i].detectorName] = [2]float64{kx, ky}
	}
	return out
}

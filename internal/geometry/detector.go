// Package geometry describes the immutable per-run detector geometry:
// pixel grid, pitch, material budget, and the local↔global rigid
// transform derived from displacement and rotation. It is a pure
// function provider; nothing here mutates once a Detector is built.
package geometry

import "math"

// Vec3 is a 3-vector in millimetres (position) or radians (rotation).
type Vec3 struct {
	X, Y, Z float64
}

// RollingShutter parameters for the event builder's pivot-pixel
// frame-phase correction. Frame length and row count are sensor
// properties and come from the geometry file, never from code.
type RollingShutter struct {
	Enabled       bool
	FrameLengthNs float64 // total rolling-shutter frame length, ns
	Rows          int     // number of rows read out during one frame
}

// Config is the parsed form of one geometry-file detector record.
type Config struct {
	Name              string
	Type              string
	NPixelsX, NPixelsY int
	PitchX, PitchY    float64 // mm
	Displacement      Vec3    // mm
	Rotation          Vec3    // rad, ZYX convention
	MaterialBudget    float64 // fraction of X0
	TimeResolutionNs  float64
	SpatialResX       float64 // mm; 0 means "use pitch/sqrt(12)"
	SpatialResY       float64
	TimeOffsetNs      float64
	IsDUT             bool
	IsAuxiliary       bool
	Mask              map[[2]int]bool
	RollingShutter    RollingShutter
}

// DefaultTimeResolutionNs is used when a geometry record omits
// time_resolution.
const DefaultTimeResolutionNs = 5.0

// Detector is the immutable, ready-to-use geometry object built from a
// Config. It exposes the local↔global transform and pixel-addressing
// helpers used by the Clusterizer, Tracklet Finder and Track Fitter.
type Detector struct {
	cfg Config

	// toGlobal/toLocal are row-major 4x4 rigid transforms (translation
	// in the last column), built once from Displacement+Rotation.
	toGlobal [16]float64
	toLocal  [16]float64
}

// NewDetector builds the local↔global transform from a Config and
// returns the ready-to-use Detector.
func NewDetector(cfg Config) *Detector {
	if cfg.TimeResolutionNs == 0 {
		cfg.TimeResolutionNs = DefaultTimeResolutionNs
	}
	if cfg.SpatialResX == 0 {
		cfg.SpatialResX = cfg.PitchX / math.Sqrt(12)
	}
	if cfg.SpatialResY == 0 {
		cfg.SpatialResY = cfg.PitchY / math.Sqrt(12)
	}
	if cfg.Mask == nil {
		cfg.Mask = map[[2]int]bool{}
	}
	d := &Detector{cfg: cfg}
	d.toGlobal = rigidTransform(cfg.Rotation, cfg.Displacement)
	d.toLocal = invertRigid(d.toGlobal)
	return d
}

// Name, Type, IsDUT, IsAuxiliary, MaterialBudget, TimeResolutionNs,
// TimeOffsetNs, PitchX/Y, NPixelsX/Y, RollingShutter are plain
// accessors onto the parsed Config.
func (d *Detector) Name() string              { return d.cfg.Name }
func (d *Detector) Type() string              { return d.cfg.Type }
func (d *Detector) IsDUT() bool               { return d.cfg.IsDUT }
func (d *Detector) IsAuxiliary() bool         { return d.cfg.IsAuxiliary }
func (d *Detector) MaterialBudget() float64   { return d.cfg.MaterialBudget }
func (d *Detector) TimeResolutionNs() float64 { return d.cfg.TimeResolutionNs }
func (d *Detector) TimeOffsetNs() float64     { return d.cfg.TimeOffsetNs }
func (d *Detector) PitchX() float64           { return d.cfg.PitchX }
func (d *Detector) PitchY() float64           { return d.cfg.PitchY }
func (d *Detector) NPixelsX() int             { return d.cfg.NPixelsX }
func (d *Detector) NPixelsY() int             { return d.cfg.NPixelsY }
func (d *Detector) SpatialResX() float64      { return d.cfg.SpatialResX }
func (d *Detector) SpatialResY() float64      { return d.cfg.SpatialResY }
func (d *Detector) RollingShutter() RollingShutter { return d.cfg.RollingShutter }

// Config returns the parsed configuration this Detector was built
// from, for callers (Clusterizer, Tracklet Finder) that need pitch,
// pixel-count or per-detector policy fields not otherwise exposed.
func (d *Detector) Config() Config { return d.cfg }

// GlobalZ returns this detector's z position in the global frame,
// used throughout for z-ordering of planes.
func (d *Detector) GlobalZ() float64 {
	_, _, z := ApplyTransform(0, 0, 0, d.toGlobal)
	return z
}

// Masked reports whether (col,row) is in this detector's mask file.
func (d *Detector) Masked(col, row int) bool {
	return d.cfg.Mask[[2]int{col, row}]
}

// LocalToGlobal transforms a local-frame point (mm) to the global frame.
func (d *Detector) LocalToGlobal(x, y, z float64) (gx, gy, gz float64) {
	return ApplyTransform(x, y, z, d.toGlobal)
}

// GlobalToLocal transforms a global-frame point (mm) to this detector's
// local frame. Round-trips LocalToGlobal to within 1e-9mm by
// construction (toLocal is the exact matrix inverse of toGlobal).
func (d *Detector) GlobalToLocal(x, y, z float64) (lx, ly, lz float64) {
	return ApplyTransform(x, y, z, d.toLocal)
}

// GetColumn returns the fractional pixel column for a local-frame position.
func (d *Detector) GetColumn(localX float64) float64 {
	return localX/d.cfg.PitchX + float64(d.cfg.NPixelsX)/2
}

// GetRow returns the fractional pixel row for a local-frame position.
func (d *Detector) GetRow(localY float64) float64 {
	return localY/d.cfg.PitchY + float64(d.cfg.NPixelsY)/2
}

// LocalPosition converts a (col,row) pair to the local-frame position
// at the pixel centre, the inverse of GetColumn/GetRow.
func (d *Detector) LocalPosition(col, row float64) (x, y float64) {
	x = d.cfg.PitchX * (col - float64(d.cfg.NPixelsX)/2)
	y = d.cfg.PitchY * (row - float64(d.cfg.NPixelsY)/2)
	return
}

// InPixel reports whether a local-frame position falls within the
// sensor's pixelated area.
func (d *Detector) InPixel(localX, localY float64) bool {
	col := d.GetColumn(localX)
	row := d.GetRow(localY)
	return col >= 0 && col < float64(d.cfg.NPixelsX) && row >= 0 && row < float64(d.cfg.NPixelsY)
}

// GetIntercept returns the global-frame point where a track with the
// given state/direction crosses this detector's plane (z = GlobalZ()).
func (d *Detector) GetIntercept(state, direction Vec3) Vec3 {
	z := d.GlobalZ()
	if direction.Z == 0 {
		return Vec3{state.X, state.Y, z}
	}
	t := (z - state.Z) / direction.Z
	return Vec3{state.X + t*direction.X, state.Y + t*direction.Y, z}
}

// HasIntercept reports whether the track's intercept on this detector
// lies within the sensor area, widened by tolerance (mm).
func (d *Detector) HasIntercept(state, direction Vec3, tolerance float64) bool {
	global := d.GetIntercept(state, direction)
	lx, ly, _ := d.GlobalToLocal(global.X, global.Y, global.Z)
	halfX := float64(d.cfg.NPixelsX) * d.cfg.PitchX / 2
	halfY := float64(d.cfg.NPixelsY) * d.cfg.PitchY / 2
	return lx >= -halfX-tolerance && lx <= halfX+tolerance && ly >= -halfY-tolerance && ly <= halfY+tolerance
}

// IsWithinROI is HasIntercept with zero tolerance, for callers that
// mean "strictly on the active area".
func (d *Detector) IsWithinROI(state, direction Vec3) bool {
	return d.HasIntercept(state, direction, 0)
}

// ApplyTransform applies a 4x4 row-major rigid transform T to (x,y,z).
func ApplyTransform(x, y, z float64, T [16]float64) (ox, oy, oz float64) {
	ox = T[0]*x + T[1]*y + T[2]*z + T[3]
	oy = T[4]*x + T[5]*y + T[6]*z + T[7]
	oz = T[8]*x + T[9]*y + T[10]*z + T[11]
	return
}

// rigidTransform builds a row-major 4x4 matrix from a ZYX rotation
// (rx applied last, i.e. R = Rz(rz)*Ry(ry)*Rx(rx)) and a translation.
func rigidTransform(rot, disp Vec3) [16]float64 {
	sx, cx := math.Sincos(rot.X)
	sy, cy := math.Sincos(rot.Y)
	sz, cz := math.Sincos(rot.Z)

	// R = Rz * Ry * Rx
	r00 := cz * cy
	r01 := cz*sy*sx - sz*cx
	r02 := cz*sy*cx + sz*sx
	r10 := sz * cy
	r11 := sz*sy*sx + cz*cx
	r12 := sz*sy*cx - cz*sx
	r20 := -sy
	r21 := cy * sx
	r22 := cy * cx

	return [16]float64{
		r00, r01, r02, disp.X,
		r10, r11, r12, disp.Y,
		r20, r21, r22, disp.Z,
		0, 0, 0, 1,
	}
}

// invertRigid inverts a rigid (rotation+translation) 4x4 transform
// analytically: R^-1 = R^T, t' = -R^T * t.
func invertRigid(T [16]float64) [16]float64 {
	r00, r01, r02 := T[0], T[1], T[2]
	r10, r11, r12 := T[4], T[5], T[6]
	r20, r21, r22 := T[8], T[9], T[10]
	tx, ty, tz := T[3], T[7], T[11]

	// Transpose of the rotation block.
	it00, it01, it02 := r00, r10, r20
	it10, it11, it12 := r01, r11, r21
	it20, it21, it22 := r02, r12, r22

	itx := -(it00*tx + it01*ty + it02*tz)
	ity := -(it10*tx + it11*ty + it12*tz)
	itz := -(it20*tx + it21*ty + it22*tz)

	return [16]float64{
		it00, it01, it02, itx,
		it10, it11, it12, ity,
		it20, it21, it22, itz,
		0, 0, 0, 1,
	}
}

// Package alignment iteratively refines detector geometry:
// residual-minimizing DUT alignment against a frozen reference-track
// set, and track-chi-square alignment that re-fits every track under
// candidate poses. Cost evaluations fan out per track across a
// bounded worker pool.
package alignment

import "github.com/beamtest/trackrecon/internal/geometry"

// Axis identifies one of the six pose degrees of freedom a
// constrained alignment may vary.
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
	AxisRX
	AxisRY
	AxisRZ
)

// Pose is a 6-DOF correction applied on top of a detector's configured
// geometry.
type Pose struct {
	Dx, Dy, Dz    float64
	Drx, Dry, Drz float64
}

// Add returns the element-wise sum of two poses.
func (p Pose) Add(o Pose) Pose {
	return Pose{
		Dx: p.Dx + o.Dx, Dy: p.Dy + o.Dy, Dz: p.Dz + o.Dz,
		Drx: p.Drx + o.Drx, Dry: p.Dry + o.Dry, Drz: p.Drz + o.Drz,
	}
}

// WithAxis returns a copy of p with delta added along axis a, used by
// the coordinate-wise line search to perturb one degree of freedom at
// a time.
func (p Pose) WithAxis(a Axis, delta float64) Pose {
	switch a {
	case AxisX:
		p.Dx += delta
	case AxisY:
		p.Dy += delta
	case AxisZ:
		p.Dz += delta
	case AxisRX:
		p.Drx += delta
	case AxisRY:
		p.Dry += delta
	case AxisRZ:
		p.Drz += delta
	}
	return p
}

// Apply builds a new Detector with the pose correction folded into
// the base Config's displacement/rotation. z stays fixed unless the
// caller explicitly frees it.
func (p Pose) Apply(base geometry.Config) *geometry.Detector {
	cfg := base
	cfg.Displacement.X += p.Dx
	cfg.Displacement.Y += p.Dy
	cfg.Displacement.Z += p.Dz
	cfg.Rotation.X += p.Drx
	cfg.Rotation.Y += p.Dry
	cfg.Rotation.Z += p.Drz
	return geometry.NewDetector(cfg)
}

// AxisSet returns the free translation+rotation axes for the
// recognized "xy" / "xyz" subset names.
func AxisSet(translation, rotation string) []Axis {
	var axes []Axis
	for _, c := range translation {
		switch c {
		case 'x':
			axes = append(axes, AxisX)
		case 'y':
			axes = append(axes, AxisY)
		case 'z':
			axes = append(axes, AxisZ)
		}
	}
	for _, c := range rotation {
		switch c {
		case 'x':
			axes = append(axes, AxisRX)
		case 'y':
			axes = append(axes, AxisRY)
		case 'z':
			axes = append(axes, AxisRZ)
		}
	}
	return axes
}

package media

import (
	"errors"
	"fmt"
)

// ErrUnsupportedTransform is returned for display matrices that are not one of
// the four axis-aligned rotations.
var ErrUnsupportedTransform = errors.New("unsupported display transform")

// Transform is a 2D affine display matrix in the [a b c d tx ty] layout used by
// container track headers.
type Transform struct {
	A, B, C, D float64
	Tx, Ty     float64
}

// Identity is the transform of an upright track.
var Identity = Transform{A: 1, D: 1}

// IsZero reports whether no transform was recorded at all.
func (t Transform) IsZero() bool {
	return t == Transform{}
}

// RotationFromTransform classifies a display matrix into 0, 90, 180 or 270
// degrees. Only exact canonical matrices are accepted; translation is ignored.
func RotationFromTransform(t Transform) (int, error) {
	switch {
	case t.A == 1 && t.B == 0 && t.C == 0 && t.D == 1:
		return 0, nil
	case t.A == 0 && t.B == 1 && t.C == -1 && t.D == 0:
		return 90, nil
	case t.A == -1 && t.B == 0 && t.C == 0 && t.D == -1:
		return 180, nil
	case t.A == 0 && t.B == -1 && t.C == 1 && t.D == 0:
		return 270, nil
	}
	return 0, fmt.Errorf("%w: [%g %g %g %g]", ErrUnsupportedTransform, t.A, t.B, t.C, t.D)
}

// NormalizeRotation folds any multiple of 90 degrees into [0, 360).
func NormalizeRotation(deg int) (int, error) {
	r := ((deg % 360) + 360) % 360
	if r%90 != 0 {
		return 0, fmt.Errorf("%w: rotation %d", ErrUnsupportedTransform, deg)
	}
	return r, nil
}

// OutputTransform returns the transform written on the output video stream so
// that a track encoded at width x height (stored orientation) displays
// upright. Matrix entries are exact so they classify back to the same angle.
func OutputTransform(rotation, width, height int) (Transform, error) {
	w, h := float64(width), float64(height)
	switch rotation {
	case 0:
		return Identity, nil
	case 90:
		return Transform{A: 0, B: 1, C: -1, D: 0, Tx: h, Ty: 0}, nil
	case 180:
		return Transform{A: -1, B: 0, C: 0, D: -1, Tx: w, Ty: h}, nil
	case 270:
		return Transform{A: 0, B: -1, C: 1, D: 0, Tx: 0, Ty: w}, nil
	}
	return Transform{}, fmt.Errorf("%w: rotation %d", ErrUnsupportedTransform, rotation)
}

package rig

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"
)

// Homography is a 3x3 projective transform between two planes, solved
// exactly from 4 point correspondences. Indices are [row][column].
type Homography [3][3]float64

// Apply transforms a point, dividing out the homogeneous component.
func (h Homography) Apply(pt r2.Point) r2.Point {
	x := h[0][0]*pt.X + h[0][1]*pt.Y + h[0][2]
	y := h[1][0]*pt.X + h[1][1]*pt.Y + h[1][2]
	z := h[2][0]*pt.X + h[2][1]*pt.Y + h[2][2]
	return r2.Point{X: x / z, Y: y / z}
}

// Inverse returns the inverse transform. A homography solved from a
// non-degenerate quadrilateral is always invertible; a singular matrix here
// means the corner points were collinear.
func (h Homography) Inverse() (Homography, error) {
	m := mat.NewDense(3, 3, []float64{
		h[0][0], h[0][1], h[0][2],
		h[1][0], h[1][1], h[1][2],
		h[2][0], h[2][1], h[2][2],
	})
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return Homography{}, errors.Wrap(err, "homography is singular")
	}
	var out Homography
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r][c] = inv.At(r, c)
		}
	}
	return out, nil
}

// Scale composes a uniform scale on the input side, i.e. the returned
// transform applies h to (x*s, y*s). Used to feed pixel-buffer coordinates
// into a transform defined over physical game units.
func (h Homography) Scale(s float64) Homography {
	var out Homography
	for r := 0; r < 3; r++ {
		out[r][0] = h[r][0] * s
		out[r][1] = h[r][1] * s
		out[r][2] = h[r][2]
	}
	return out
}

// Mat converts to a CV_64F matrix for the warp routines. The caller owns
// the returned mat.
func (h Homography) Mat() gocv.Mat {
	m := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.SetDoubleAt(r, c, h[r][c])
		}
	}
	return m
}

func homographyFromMat(m gocv.Mat) Homography {
	var h Homography
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			h[r][c] = m.GetDoubleAt(r, c)
		}
	}
	return h
}

// solvePerspective solves the exact 4-correspondence homography src -> dst.
// Both slices must be in BL,TL,TR,BR order; mismatched order produces a
// silently flipped transform, which is why all call sites build their
// arguments from a Corners value.
func solvePerspective(src, dst [4]r2.Point) Homography {
	srcPts := make([]gocv.Point2f, 4)
	dstPts := make([]gocv.Point2f, 4)
	for i := 0; i < 4; i++ {
		srcPts[i] = gocv.Point2f{X: float32(src[i].X), Y: float32(src[i].Y)}
		dstPts[i] = gocv.Point2f{X: float32(dst[i].X), Y: float32(dst[i].Y)}
	}
	srcV := gocv.NewPoint2fVectorFromPoints(srcPts)
	defer srcV.Close()
	dstV := gocv.NewPoint2fVectorFromPoints(dstPts)
	defer dstV.Close()

	m := gocv.GetPerspectiveTransform2f(srcV, dstV)
	defer m.Close()
	return homographyFromMat(m)
}

// roundPoint rounds both coordinates to the nearest integer. Callers draw at
// these exact pixel positions, so this is round-half-away, not truncation.
func roundPoint(pt r2.Point) r2.Point {
	return r2.Point{X: math.Round(pt.X), Y: math.Round(pt.Y)}
}

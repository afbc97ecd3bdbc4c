package rig

import (
	"image"
	"testing"

	"go.viam.com/test"
)

func TestCornersOrder(t *testing.T) {
	c := Corners{
		BL: image.Pt(1, 2),
		TL: image.Pt(3, 4),
		TR: image.Pt(5, 6),
		BR: image.Pt(7, 8),
	}
	list := c.List()
	test.That(t, list[0], test.ShouldResemble, c.BL)
	test.That(t, list[1], test.ShouldResemble, c.TL)
	test.That(t, list[2], test.ShouldResemble, c.TR)
	test.That(t, list[3], test.ShouldResemble, c.BR)

	for i := CornerBL; i <= CornerBR; i++ {
		test.That(t, c.At(i), test.ShouldResemble, list[i])
	}

	c.Set(CornerTR, image.Pt(50, 60))
	test.That(t, c.TR, test.ShouldResemble, image.Pt(50, 60))
}

func TestBoundingROI(t *testing.T) {
	c := Corners{
		BL: image.Pt(10, 400),
		TL: image.Pt(25, 30),
		TR: image.Pt(610, 20),
		BR: image.Pt(590, 410),
	}
	roi := BoundingROI(c)
	test.That(t, roi, test.ShouldResemble, ROI{MinX: 10, MinY: 20, MaxX: 610, MaxY: 410})
	test.That(t, roi.Width(), test.ShouldEqual, 601)
	test.That(t, roi.Height(), test.ShouldEqual, 391)
}

func TestROIInclusiveBounds(t *testing.T) {
	pixel := ROI{MinX: 5, MinY: 7, MaxX: 5, MaxY: 7}
	test.That(t, pixel.Width(), test.ShouldEqual, 1)
	test.That(t, pixel.Height(), test.ShouldEqual, 1)
	test.That(t, pixel.Rect(), test.ShouldResemble, image.Rect(5, 7, 6, 8))

	expanded := pixel.Expand(12)
	test.That(t, expanded, test.ShouldResemble, ROI{MinX: -7, MinY: -5, MaxX: 17, MaxY: 19})
	test.That(t, expanded.Width(), test.ShouldEqual, 25)
}

func TestHandleColorsAreDistinct(t *testing.T) {
	seen := map[[4]uint8]bool{}
	for i := CornerBL; i <= CornerBR; i++ {
		c := HandleColor(i)
		key := [4]uint8{c.R, c.G, c.B, c.A}
		test.That(t, seen[key], test.ShouldBeFalse)
		seen[key] = true
	}
}

package rig

import (
	"image"
	"image/color"
)

// Space identifies which pixel space a set of table corners lives in.
type Space int

const (
	SpaceCamera Space = iota
	SpaceProjector
)

func (s Space) String() string {
	if s == SpaceProjector {
		return "projector"
	}
	return "camera"
}

// CornerIndex names one of the four table corners. The drawing and
// correspondence order is always BL, TL, TR, BR.
type CornerIndex int

const (
	CornerBL CornerIndex = iota
	CornerTL
	CornerTR
	CornerBR
)

// Axis selects the coordinate mutated by SetCornerPosition.
type Axis int

const (
	AxisX Axis = iota
	AxisY
)

// Corners holds the four corner points of the table as seen in one space.
// The fields are named rather than indexed so the BL,TL,TR,BR order used by
// the homography solves, the overlay polyline and the persisted files cannot
// drift apart.
type Corners struct {
	BL image.Point
	TL image.Point
	TR image.Point
	BR image.Point
}

// List returns the corners in drawing order.
func (c Corners) List() [4]image.Point {
	return [4]image.Point{c.BL, c.TL, c.TR, c.BR}
}

// At returns the corner for an index.
func (c Corners) At(i CornerIndex) image.Point {
	switch i {
	case CornerTL:
		return c.TL
	case CornerTR:
		return c.TR
	case CornerBR:
		return c.BR
	}
	return c.BL
}

// Set replaces the corner at an index.
func (c *Corners) Set(i CornerIndex, pt image.Point) {
	switch i {
	case CornerBL:
		c.BL = pt
	case CornerTL:
		c.TL = pt
	case CornerTR:
		c.TR = pt
	case CornerBR:
		c.BR = pt
	}
}

// ROI is an axis-aligned bounding box with inclusive bounds, so a single
// pixel is MinX==MaxX, MinY==MaxY and the width is MaxX-MinX+1.
type ROI struct {
	MinX int
	MinY int
	MaxX int
	MaxY int
}

// BoundingROI is the smallest ROI containing all four corners.
func BoundingROI(c Corners) ROI {
	pts := c.List()
	r := ROI{MinX: pts[0].X, MinY: pts[0].Y, MaxX: pts[0].X, MaxY: pts[0].Y}
	for _, p := range pts[1:] {
		if p.X < r.MinX {
			r.MinX = p.X
		}
		if p.Y < r.MinY {
			r.MinY = p.Y
		}
		if p.X > r.MaxX {
			r.MaxX = p.X
		}
		if p.Y > r.MaxY {
			r.MaxY = p.Y
		}
	}
	return r
}

// Width returns the inclusive pixel width.
func (r ROI) Width() int { return r.MaxX - r.MinX + 1 }

// Height returns the inclusive pixel height.
func (r ROI) Height() int { return r.MaxY - r.MinY + 1 }

// Expand grows the box by margin pixels in every direction.
func (r ROI) Expand(margin int) ROI {
	return ROI{
		MinX: r.MinX - margin,
		MinY: r.MinY - margin,
		MaxX: r.MaxX + margin,
		MaxY: r.MaxY + margin,
	}
}

// Rect converts to a half-open image.Rectangle.
func (r ROI) Rect() image.Rectangle {
	return image.Rect(r.MinX, r.MinY, r.MaxX+1, r.MaxY+1)
}

// One fixed handle color per corner index, reused identically in the camera
// view, the projector view and the projector's own handle rendering so the
// user can match corners across spaces.
var cornerHandleColors = [4]color.RGBA{
	{0, 158, 73, 255},  // BL green
	{0, 24, 143, 255},  // TL blue
	{232, 17, 35, 255}, // TR red
	{255, 241, 0, 255}, // BR yellow
}

// HandleColor returns the fixed handle color for a corner.
func HandleColor(i CornerIndex) color.RGBA {
	return cornerHandleColors[i]
}

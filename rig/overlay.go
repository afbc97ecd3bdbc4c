package rig

import (
	"image"
	"image/color"

	"github.com/fogleman/gg"
)

// Margin added around a space's ROI when rendering the corner overlay, so
// handle circles at the extremes are not clipped.
const overlayMargin = 12

const handleRadius = 10

var overlayLineColor = color.RGBA{255, 255, 255, 255}

// overlayCache memoizes one space's rendered corner overlay. A plain dirty
// flag is enough because all mutation goes through the table's lock.
type overlayCache struct {
	img  image.Image
	roi  ROI
	bold bool
}

// CornersOverlay returns the overlay image for a space and the padded ROI
// it covers. The image is transparent except for a closed polyline through
// the four corners and, while the table is not yet calibrated, a colored
// grab handle per corner. Rebuilt only when the space is dirty or the bold
// setting changed; otherwise the cached image is returned as-is.
func (t *Table) CornersOverlay(space Space, bold bool) (image.Image, ROI) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cache := &t.overlays[space]
	if !t.dirty[space] && cache.img != nil && cache.bold == bold {
		return cache.img, cache.roi
	}

	padded := t.rois[space].Expand(overlayMargin)
	dc := gg.NewContext(padded.Width(), padded.Height())

	pts := t.corners[space].List()
	local := make([]image.Point, 4)
	for i, p := range pts {
		local[i] = image.Pt(p.X-padded.MinX, p.Y-padded.MinY)
	}

	dc.MoveTo(float64(local[0].X), float64(local[0].Y))
	for _, p := range local[1:] {
		dc.LineTo(float64(p.X), float64(p.Y))
	}
	dc.ClosePath()
	width := 1.0
	if bold {
		width = 5.0
	}
	dc.SetLineWidth(width)
	dc.SetColor(overlayLineColor)
	dc.Stroke()

	if !t.calibrated {
		for i, p := range local {
			dc.SetColor(cornerHandleColors[i])
			dc.DrawCircle(float64(p.X), float64(p.Y), handleRadius)
			dc.Fill()
		}
	}

	cache.img = dc.Image()
	cache.roi = padded
	cache.bold = bold
	t.dirty[space] = false
	return cache.img, cache.roi
}

// OverlayDirty reports whether a space's overlay needs a rebuild. Exposed
// for the render loop to decide whether a projector refresh is worth it.
func (t *Table) OverlayDirty(space Space) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dirty[space]
}

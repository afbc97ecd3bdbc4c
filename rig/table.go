package rig

import (
	"image"
	"math"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// RoundMode picks how a physical unit value becomes a pixel value.
type RoundMode int

const (
	RoundNone RoundMode = iota
	RoundNearest
	RoundCeil
	RoundFloor
)

// Table is the game plane and its pixel-space anchors: four corner points
// as seen by the camera, four as seen by the projector, and the two
// homographies tying the three spaces together.
//
// Corner mutation, calibration and warping are serialized on one lock so a
// reader never pairs a fresh homography with a stale ROI.
type Table struct {
	mu sync.RWMutex

	Name string

	// Physical size in millimeters and the pixel density of the game-space
	// backing buffer.
	WidthMM          float64
	HeightMM         float64
	ResolutionFactor float64

	corners [2]Corners
	rois    [2]ROI
	dirty   [2]bool

	overlays [2]overlayCache

	calibrated bool
	camToGame  Homography
	gameToCam  Homography
	gameToProj Homography
	projToGame Homography
}

// NewTable builds an uncalibrated table with the given physical size and a
// default corner rectangle per space, sized to look sensible before the
// user drags anything.
func NewTable(name string, widthMM, heightMM, resolutionFactor float64) (*Table, error) {
	if widthMM <= 0 || heightMM <= 0 {
		return nil, errors.Errorf("table size must be positive, got %vx%v", widthMM, heightMM)
	}
	if resolutionFactor <= 0 {
		return nil, errors.Errorf("resolution factor must be positive, got %v", resolutionFactor)
	}
	t := &Table{
		Name:             name,
		WidthMM:          widthMM,
		HeightMM:         heightMM,
		ResolutionFactor: resolutionFactor,
	}
	for _, space := range []Space{SpaceCamera, SpaceProjector} {
		t.corners[space] = defaultCorners()
		t.rois[space] = BoundingROI(t.corners[space])
		t.dirty[space] = true
	}
	return t, nil
}

func defaultCorners() Corners {
	return Corners{
		BL: image.Pt(100, 500),
		TL: image.Pt(100, 100),
		TR: image.Pt(700, 100),
		BR: image.Pt(700, 500),
	}
}

// Corners returns the corner set for a space.
func (t *Table) Corners(space Space) Corners {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.corners[space]
}

// ROI returns the bounding box of a space's corners. It is recomputed on
// every corner move, never lazily.
func (t *Table) ROI(space Space) ROI {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rois[space]
}

// IsCalibrated reports whether both homographies exist.
func (t *Table) IsCalibrated() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.calibrated
}

// SetCornerPosition moves one axis of one corner in one space. No clamping
// happens here; the UI clamps to its image bounds. The space's ROI is
// refreshed immediately and its overlay is marked dirty.
func (t *Table) SetCornerPosition(space Space, corner CornerIndex, axis Axis, value int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pt := t.corners[space].At(corner)
	if axis == AxisX {
		pt.X = value
	} else {
		pt.Y = value
	}
	t.corners[space].Set(corner, pt)
	t.rois[space] = BoundingROI(t.corners[space])
	t.dirty[space] = true
}

// SetCorner moves one whole corner in one space.
func (t *Table) SetCorner(space Space, corner CornerIndex, pt image.Point) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.corners[space].Set(corner, pt)
	t.rois[space] = BoundingROI(t.corners[space])
	t.dirty[space] = true
}

// Pixel distance within which a press grabs a corner handle.
const cornerGrabRadius = 15

// ClosestCorner returns the nearest corner within the grab radius of pos,
// by manhattan distance, for press-and-drag selection.
func (t *Table) ClosestCorner(space Space, pos image.Point) (CornerIndex, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	best := CornerIndex(0)
	bestDist := -1
	for i, c := range t.corners[space].List() {
		dist := abs(c.X-pos.X) + abs(c.Y-pos.Y)
		if dist <= cornerGrabRadius && (bestDist < 0 || dist < bestDist) {
			best = CornerIndex(i)
			bestDist = dist
		}
	}
	return best, bestDist >= 0
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// gameCorners is the reference rectangle the corner sets correspond to, in
// millimeters, BL,TL,TR,BR order. Game space is y-up: BL is the origin.
func (t *Table) gameCorners() [4]r2.Point {
	return [4]r2.Point{
		{X: 0, Y: 0},
		{X: 0, Y: t.HeightMM},
		{X: t.WidthMM, Y: t.HeightMM},
		{X: t.WidthMM, Y: 0},
	}
}

// roiLocal shifts a space's corners into that space's ROI-local frame, the
// frame every cropped image and every detection lives in.
func (t *Table) roiLocal(space Space) [4]r2.Point {
	roi := t.rois[space]
	var out [4]r2.Point
	for i, c := range t.corners[space].List() {
		out[i] = r2.Point{X: float64(c.X - roi.MinX), Y: float64(c.Y - roi.MinY)}
	}
	return out
}

// Calibrate refreshes both ROIs and solves both homographies from the
// current corners: ROI-local camera corners onto the game rectangle, and
// the game rectangle onto ROI-local projector corners. Previous matrices
// are discarded. Corner order on both sides of each solve is BL,TL,TR,BR;
// nothing at runtime can catch a mismatch, the Corners type is what keeps
// it straight.
func (t *Table) Calibrate() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rois[SpaceCamera] = BoundingROI(t.corners[SpaceCamera])
	t.rois[SpaceProjector] = BoundingROI(t.corners[SpaceProjector])

	game := t.gameCorners()
	camToGame := solvePerspective(t.roiLocal(SpaceCamera), game)
	gameToProj := solvePerspective(game, t.roiLocal(SpaceProjector))

	gameToCam, err := camToGame.Inverse()
	if err != nil {
		return errors.Wrap(err, "camera corners are degenerate")
	}
	projToGame, err := gameToProj.Inverse()
	if err != nil {
		return errors.Wrap(err, "projector corners are degenerate")
	}

	t.camToGame = camToGame
	t.gameToCam = gameToCam
	t.gameToProj = gameToProj
	t.projToGame = projToGame
	t.calibrated = true
	t.dirty[SpaceCamera] = true
	t.dirty[SpaceProjector] = true
	return nil
}

// Uncalibrate discards both homographies. Corners and ROIs survive.
func (t *Table) Uncalibrate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calibrated = false
	t.camToGame = Homography{}
	t.gameToCam = Homography{}
	t.gameToProj = Homography{}
	t.projToGame = Homography{}
	t.dirty[SpaceCamera] = true
	t.dirty[SpaceProjector] = true
}

// WarpCameraToGame maps a camera-ROI-local pixel position onto the game
// plane in millimeters.
func (t *Table) WarpCameraToGame(pos r2.Point, round bool) (r2.Point, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.calibrated {
		return r2.Point{}, ErrNotCalibrated
	}
	return maybeRound(t.camToGame.Apply(pos), round), nil
}

// WarpGameToCamera maps a game-plane position back into camera-ROI-local
// pixels.
func (t *Table) WarpGameToCamera(pos r2.Point, round bool) (r2.Point, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.calibrated {
		return r2.Point{}, ErrNotCalibrated
	}
	return maybeRound(t.gameToCam.Apply(pos), round), nil
}

// WarpGameToProjector maps a game-plane position into projector-ROI-local
// pixels.
func (t *Table) WarpGameToProjector(pos r2.Point, round bool) (r2.Point, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.calibrated {
		return r2.Point{}, ErrNotCalibrated
	}
	return maybeRound(t.gameToProj.Apply(pos), round), nil
}

// WarpProjectorToGame maps a projector-ROI-local pixel position back onto
// the game plane.
func (t *Table) WarpProjectorToGame(pos r2.Point, round bool) (r2.Point, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.calibrated {
		return r2.Point{}, ErrNotCalibrated
	}
	return maybeRound(t.projToGame.Apply(pos), round), nil
}

// WarpGameToCameraImage resamples a game-space image (a pixel buffer at
// ResolutionFactor pixels per millimeter) into camera-ROI pixel space. The
// result is sized exactly to the camera ROI.
func (t *Table) WarpGameToCameraImage(img gocv.Mat) (gocv.Mat, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.calibrated {
		return gocv.Mat{}, ErrNotCalibrated
	}
	return warpImage(img, t.gameToCam.Scale(1/t.ResolutionFactor), t.rois[SpaceCamera]), nil
}

// WarpGameToProjectorImage resamples a game-space image into projector-ROI
// pixel space, sized exactly to the projector ROI.
func (t *Table) WarpGameToProjectorImage(img gocv.Mat) (gocv.Mat, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.calibrated {
		return gocv.Mat{}, ErrNotCalibrated
	}
	return warpImage(img, t.gameToProj.Scale(1/t.ResolutionFactor), t.rois[SpaceProjector]), nil
}

func warpImage(img gocv.Mat, h Homography, roi ROI) gocv.Mat {
	m := h.Mat()
	defer m.Close()
	out := gocv.NewMat()
	gocv.WarpPerspective(img, &out, m, image.Pt(roi.Width(), roi.Height()))
	return out
}

// ConvertMmToPixel scales a physical value to game-buffer pixels.
func (t *Table) ConvertMmToPixel(value float64, mode RoundMode) float64 {
	v := value * t.ResolutionFactor
	switch mode {
	case RoundNearest:
		return math.Round(v)
	case RoundCeil:
		return math.Ceil(v)
	case RoundFloor:
		return math.Floor(v)
	}
	return v
}

// ConvertPixelToMm scales a game-buffer pixel value back to millimeters.
func (t *Table) ConvertPixelToMm(value float64) float64 {
	return value / t.ResolutionFactor
}

func maybeRound(pt r2.Point, round bool) r2.Point {
	if round {
		return roundPoint(pt)
	}
	return pt
}

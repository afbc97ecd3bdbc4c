package rig

import (
	"context"
	"image"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"gocv.io/x/gocv"
)

// Markers' detected positions rarely sit perfectly still between ticks.
// Movement below this manhattan distance, in camera pixels, is treated as
// jitter and not propagated.
const debounceEpsilonPx = 4

// FrameFunc supplies the latest available camera frame. It returns
// ErrNoFrame while the device warms up.
type FrameFunc func() (gocv.Mat, error)

// EmitFunc receives one debounced marker update: game-plane positions in
// millimeters, keyed by marker id.
type EmitFunc func(map[string]r2.Point)

// Bridge drives the detection cycle: each tick it crops the latest camera
// frame to the table's camera ROI, runs the marker detector, warps every
// detection onto the game plane and emits the result downstream.
//
// Ticks while the table is uncalibrated are no-ops: the detector is not
// invoked and nothing is emitted.
type Bridge struct {
	table    *Table
	detector Detector
	frame    FrameFunc
	emit     EmitFunc

	clock    clock.Clock
	interval time.Duration
	logger   golog.Logger

	// last emitted camera-space positions, for debouncing
	last map[string]r2.Point
}

// NewBridge wires the detection loop. A nil clk gets the real clock.
func NewBridge(table *Table, detector Detector, frame FrameFunc, emit EmitFunc, interval time.Duration, clk clock.Clock, logger golog.Logger) *Bridge {
	if clk == nil {
		clk = clock.New()
	}
	return &Bridge{
		table:    table,
		detector: detector,
		frame:    frame,
		emit:     emit,
		clock:    clk,
		interval: interval,
		logger:   logger,
	}
}

// Run ticks at the configured interval until the context is canceled.
func (b *Bridge) Run(ctx context.Context) {
	ticker := b.clock.Ticker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Tick()
		}
	}
}

// Tick runs one detection cycle. Exposed so tests and manual stepping can
// drive the bridge without the ticker.
func (b *Bridge) Tick() {
	if !b.table.IsCalibrated() {
		return
	}

	frame, err := b.frame()
	if err != nil {
		return
	}
	defer frame.Close()

	cropped, ok := cropToROI(frame, b.table.ROI(SpaceCamera))
	if !ok {
		return
	}
	defer cropped.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(cropped, &gray, gocv.ColorBGRToGray)

	detected, err := b.detector.Detect(gray)
	if err != nil {
		b.logger.Debugw("marker detection failed", "error", err)
		return
	}
	if !b.changed(detected) {
		return
	}

	update := make(map[string]r2.Point, len(detected))
	for id, pos := range detected {
		gamePos, err := b.table.WarpCameraToGame(pos, true)
		if err != nil {
			return
		}
		update[id] = gamePos
	}

	b.last = detected
	b.emit(update)
}

// changed reports whether the detections differ from the last emitted set:
// a marker appeared or vanished, or one moved beyond the jitter epsilon.
func (b *Bridge) changed(detected map[string]r2.Point) bool {
	if len(detected) != len(b.last) {
		return true
	}
	for id, pos := range detected {
		prev, ok := b.last[id]
		if !ok {
			return true
		}
		if math.Abs(pos.X-prev.X)+math.Abs(pos.Y-prev.Y) > debounceEpsilonPx {
			return true
		}
	}
	return false
}

// cropToROI clips the ROI to the frame bounds before taking the region, so
// a corner dragged off-frame cannot crash the tick.
func cropToROI(frame gocv.Mat, roi ROI) (gocv.Mat, bool) {
	rect := roi.Rect().Intersect(image.Rect(0, 0, frame.Cols(), frame.Rows()))
	if rect.Empty() {
		return gocv.Mat{}, false
	}
	region := frame.Region(rect)
	defer region.Close()
	return region.Clone(), true
}

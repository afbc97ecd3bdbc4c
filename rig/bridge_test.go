package rig

import (
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"go.viam.com/test"
	"gocv.io/x/gocv"
)

type fakeDetector struct {
	calls  int
	result map[string]r2.Point
	err    error
}

func (d *fakeDetector) Detect(frame gocv.Mat) (map[string]r2.Point, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.result, nil
}

type bridgeHarness struct {
	table    *Table
	detector *fakeDetector
	frame    gocv.Mat
	emitted  []map[string]r2.Point
	bridge   *Bridge
}

func newBridgeHarness(t *testing.T) *bridgeHarness {
	t.Helper()
	table := newTestTable(t)
	setRectCorners(table, SpaceCamera)
	setRectCorners(table, SpaceProjector)

	h := &bridgeHarness{
		table:    table,
		detector: &fakeDetector{},
		frame:    gocv.NewMatWithSize(500, 700, gocv.MatTypeCV8UC3),
	}
	t.Cleanup(func() { h.frame.Close() })

	frameFn := func() (gocv.Mat, error) { return h.frame.Clone(), nil }
	emitFn := func(update map[string]r2.Point) { h.emitted = append(h.emitted, update) }
	h.bridge = NewBridge(table, h.detector, frameFn, emitFn, DetectionInterval, nil, golog.NewTestLogger(t))
	return h
}

func TestBridgeNoOpWhenUncalibrated(t *testing.T) {
	h := newBridgeHarness(t)
	h.detector.result = map[string]r2.Point{"7": {X: 100, Y: 100}}

	h.bridge.Tick()
	test.That(t, h.detector.calls, test.ShouldEqual, 0)
	test.That(t, h.emitted, test.ShouldHaveLength, 0)
}

func TestBridgeWarpsDetectionsOntoGamePlane(t *testing.T) {
	h := newBridgeHarness(t)
	test.That(t, h.table.Calibrate(), test.ShouldBeNil)

	// camera corners are an axis-aligned 640x480 rect, so ROI-local (x,y)
	// maps to game (x, 480-y)
	h.detector.result = map[string]r2.Point{"7": {X: 100, Y: 100}}
	h.bridge.Tick()

	test.That(t, h.detector.calls, test.ShouldEqual, 1)
	test.That(t, h.emitted, test.ShouldHaveLength, 1)
	got := h.emitted[0]["7"]
	test.That(t, got.X, test.ShouldAlmostEqual, 100, 1e-6)
	test.That(t, got.Y, test.ShouldAlmostEqual, 380, 1e-6)
}

func TestBridgeDebouncesJitter(t *testing.T) {
	h := newBridgeHarness(t)
	test.That(t, h.table.Calibrate(), test.ShouldBeNil)

	h.detector.result = map[string]r2.Point{"7": {X: 100, Y: 100}}
	h.bridge.Tick()
	test.That(t, h.emitted, test.ShouldHaveLength, 1)

	// 4px manhattan movement is jitter, not an update
	h.detector.result = map[string]r2.Point{"7": {X: 102, Y: 102}}
	h.bridge.Tick()
	test.That(t, h.emitted, test.ShouldHaveLength, 1)

	// beyond the epsilon it propagates
	h.detector.result = map[string]r2.Point{"7": {X: 110, Y: 100}}
	h.bridge.Tick()
	test.That(t, h.emitted, test.ShouldHaveLength, 2)

	// same positions, new marker id: the set changed
	h.detector.result = map[string]r2.Point{"7": {X: 110, Y: 100}, "9": {X: 50, Y: 50}}
	h.bridge.Tick()
	test.That(t, h.emitted, test.ShouldHaveLength, 3)

	// marker vanishing is also a change
	h.detector.result = map[string]r2.Point{"9": {X: 50, Y: 50}}
	h.bridge.Tick()
	test.That(t, h.emitted, test.ShouldHaveLength, 4)
}

func TestBridgeSkipsDetectorErrors(t *testing.T) {
	h := newBridgeHarness(t)
	test.That(t, h.table.Calibrate(), test.ShouldBeNil)

	h.detector.err = ErrNoFrame
	h.bridge.Tick()
	test.That(t, h.detector.calls, test.ShouldEqual, 1)
	test.That(t, h.emitted, test.ShouldHaveLength, 0)
}

func TestBridgeSkipsWhenFrameUnavailable(t *testing.T) {
	table := newTestTable(t)
	setRectCorners(table, SpaceCamera)
	setRectCorners(table, SpaceProjector)
	test.That(t, table.Calibrate(), test.ShouldBeNil)

	det := &fakeDetector{result: map[string]r2.Point{"7": {X: 1, Y: 1}}}
	frameFn := func() (gocv.Mat, error) { return gocv.Mat{}, ErrNoFrame }
	bridge := NewBridge(table, det, frameFn, func(map[string]r2.Point) {}, DetectionInterval, nil, golog.NewTestLogger(t))

	bridge.Tick()
	test.That(t, det.calls, test.ShouldEqual, 0)
}

func TestCropToROIClampsToFrame(t *testing.T) {
	frame := gocv.NewMatWithSize(100, 100, gocv.MatTypeCV8UC3)
	defer frame.Close()

	cropped, ok := cropToROI(frame, ROI{MinX: 50, MinY: 50, MaxX: 300, MaxY: 300})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, cropped.Cols(), test.ShouldEqual, 50)
	test.That(t, cropped.Rows(), test.ShouldEqual, 50)
	cropped.Close()

	_, ok = cropToROI(frame, ROI{MinX: 200, MinY: 200, MaxX: 300, MaxY: 300})
	test.That(t, ok, test.ShouldBeFalse)
}

package rig

import (
	"image"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"
	"gocv.io/x/gocv"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	table, err := NewTable("test", 640, 480, 1)
	test.That(t, err, test.ShouldBeNil)
	return table
}

// axis-aligned camera corners so expected warps are easy to state: camera
// pixel y runs down, game y runs up
func setRectCorners(table *Table, space Space) {
	table.SetCorner(space, CornerBL, image.Pt(0, 480))
	table.SetCorner(space, CornerTL, image.Pt(0, 0))
	table.SetCorner(space, CornerTR, image.Pt(640, 0))
	table.SetCorner(space, CornerBR, image.Pt(640, 480))
}

func TestTableWarpBeforeCalibration(t *testing.T) {
	table := newTestTable(t)
	_, err := table.WarpCameraToGame(r2.Point{X: 1, Y: 1}, false)
	test.That(t, err, test.ShouldBeError, ErrNotCalibrated)
	_, err = table.WarpGameToProjector(r2.Point{X: 1, Y: 1}, false)
	test.That(t, err, test.ShouldBeError, ErrNotCalibrated)

	img := gocv.NewMat()
	defer img.Close()
	_, err = table.WarpGameToCameraImage(img)
	test.That(t, err, test.ShouldBeError, ErrNotCalibrated)
	_, err = table.WarpGameToProjectorImage(img)
	test.That(t, err, test.ShouldBeError, ErrNotCalibrated)
}

func TestTableCalibrateMapsCornersExactly(t *testing.T) {
	table := newTestTable(t)
	table.SetCorner(SpaceCamera, CornerBL, image.Pt(12, 388))
	table.SetCorner(SpaceCamera, CornerTL, image.Pt(35, 17))
	table.SetCorner(SpaceCamera, CornerTR, image.Pt(610, 22))
	table.SetCorner(SpaceCamera, CornerBR, image.Pt(598, 402))
	setRectCorners(table, SpaceProjector)

	test.That(t, table.Calibrate(), test.ShouldBeNil)
	test.That(t, table.IsCalibrated(), test.ShouldBeTrue)

	game := [4]r2.Point{
		{X: 0, Y: 0},
		{X: 0, Y: 480},
		{X: 640, Y: 480},
		{X: 640, Y: 0},
	}
	roi := table.ROI(SpaceCamera)
	for i, c := range table.Corners(SpaceCamera).List() {
		local := r2.Point{X: float64(c.X - roi.MinX), Y: float64(c.Y - roi.MinY)}
		got, err := table.WarpCameraToGame(local, false)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got.X, test.ShouldAlmostEqual, game[i].X, 1e-3)
		test.That(t, got.Y, test.ShouldAlmostEqual, game[i].Y, 1e-3)
	}
}

func TestTableWarpRoundTrip(t *testing.T) {
	table := newTestTable(t)
	table.SetCorner(SpaceCamera, CornerBL, image.Pt(12, 388))
	table.SetCorner(SpaceCamera, CornerTL, image.Pt(35, 17))
	table.SetCorner(SpaceCamera, CornerTR, image.Pt(610, 22))
	table.SetCorner(SpaceCamera, CornerBR, image.Pt(598, 402))
	setRectCorners(table, SpaceProjector)
	test.That(t, table.Calibrate(), test.ShouldBeNil)

	for _, p := range []r2.Point{{X: 100, Y: 100}, {X: 300.5, Y: 211.25}, {X: 550, Y: 380}} {
		game, err := table.WarpCameraToGame(p, false)
		test.That(t, err, test.ShouldBeNil)
		back, err := table.WarpGameToCamera(game, false)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, back.X, test.ShouldAlmostEqual, p.X, 1e-6)
		test.That(t, back.Y, test.ShouldAlmostEqual, p.Y, 1e-6)

		proj, err := table.WarpGameToProjector(game, false)
		test.That(t, err, test.ShouldBeNil)
		gameAgain, err := table.WarpProjectorToGame(proj, false)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, gameAgain.X, test.ShouldAlmostEqual, game.X, 1e-6)
		test.That(t, gameAgain.Y, test.ShouldAlmostEqual, game.Y, 1e-6)
	}
}

func TestTableUncalibrateKeepsCorners(t *testing.T) {
	table := newTestTable(t)
	setRectCorners(table, SpaceCamera)
	setRectCorners(table, SpaceProjector)
	test.That(t, table.Calibrate(), test.ShouldBeNil)

	before := table.Corners(SpaceCamera)
	beforeROI := table.ROI(SpaceCamera)
	table.Uncalibrate()
	test.That(t, table.IsCalibrated(), test.ShouldBeFalse)
	test.That(t, table.Corners(SpaceCamera), test.ShouldResemble, before)
	test.That(t, table.ROI(SpaceCamera), test.ShouldResemble, beforeROI)
}

func TestSetCornerPositionSingleAxis(t *testing.T) {
	table := newTestTable(t)
	setRectCorners(table, SpaceCamera)

	table.SetCornerPosition(SpaceCamera, CornerTR, AxisX, 700)
	c := table.Corners(SpaceCamera)
	test.That(t, c.TR, test.ShouldResemble, image.Pt(700, 0))

	// ROI follows immediately
	test.That(t, table.ROI(SpaceCamera).MaxX, test.ShouldEqual, 700)

	table.SetCornerPosition(SpaceCamera, CornerTR, AxisY, -20)
	test.That(t, table.Corners(SpaceCamera).TR, test.ShouldResemble, image.Pt(700, -20))
	test.That(t, table.ROI(SpaceCamera).MinY, test.ShouldEqual, -20)
}

func TestClosestCorner(t *testing.T) {
	table := newTestTable(t)
	setRectCorners(table, SpaceCamera)

	idx, ok := table.ClosestCorner(SpaceCamera, image.Pt(5, 475))
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, idx, test.ShouldEqual, CornerBL)

	// manhattan distance 15 is in reach, 16 is not
	_, ok = table.ClosestCorner(SpaceCamera, image.Pt(7, 472))
	test.That(t, ok, test.ShouldBeTrue)
	_, ok = table.ClosestCorner(SpaceCamera, image.Pt(0, 464))
	test.That(t, ok, test.ShouldBeFalse)

	_, ok = table.ClosestCorner(SpaceCamera, image.Pt(320, 240))
	test.That(t, ok, test.ShouldBeFalse)
}

func TestOverlayDirtyFlagsAreIndependent(t *testing.T) {
	table := newTestTable(t)
	setRectCorners(table, SpaceCamera)
	setRectCorners(table, SpaceProjector)

	// drain the initial dirty state
	table.CornersOverlay(SpaceCamera, false)
	table.CornersOverlay(SpaceProjector, false)
	test.That(t, table.OverlayDirty(SpaceCamera), test.ShouldBeFalse)
	test.That(t, table.OverlayDirty(SpaceProjector), test.ShouldBeFalse)

	table.SetCornerPosition(SpaceCamera, CornerBL, AxisX, 1)
	test.That(t, table.OverlayDirty(SpaceCamera), test.ShouldBeTrue)
	test.That(t, table.OverlayDirty(SpaceProjector), test.ShouldBeFalse)

	first, roi := table.CornersOverlay(SpaceCamera, false)
	test.That(t, table.OverlayDirty(SpaceCamera), test.ShouldBeFalse)
	test.That(t, roi, test.ShouldResemble, table.ROI(SpaceCamera).Expand(overlayMargin))

	// unchanged geometry returns the cached image itself
	second, _ := table.CornersOverlay(SpaceCamera, false)
	test.That(t, second, test.ShouldEqual, first)

	// changing bold forces a rebuild even with a clean flag
	bolded, _ := table.CornersOverlay(SpaceCamera, true)
	test.That(t, bolded, test.ShouldNotEqual, first)
}

func TestOverlaySizeMatchesPaddedROI(t *testing.T) {
	table := newTestTable(t)
	setRectCorners(table, SpaceCamera)

	img, roi := table.CornersOverlay(SpaceCamera, false)
	bounds := img.Bounds()
	test.That(t, bounds.Dx(), test.ShouldEqual, roi.Width())
	test.That(t, bounds.Dy(), test.ShouldEqual, roi.Height())
	test.That(t, roi, test.ShouldResemble, ROI{MinX: -12, MinY: -12, MaxX: 652, MaxY: 492})
}

func TestConvertMmToPixel(t *testing.T) {
	table, err := NewTable("test", 640, 480, 2.5)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, table.ConvertMmToPixel(10.3, RoundNone), test.ShouldAlmostEqual, 25.75)
	test.That(t, table.ConvertMmToPixel(10.3, RoundNearest), test.ShouldEqual, 26)
	test.That(t, table.ConvertMmToPixel(10.3, RoundCeil), test.ShouldEqual, 26)
	test.That(t, table.ConvertMmToPixel(10.3, RoundFloor), test.ShouldEqual, 25)
	test.That(t, table.ConvertPixelToMm(25.75), test.ShouldAlmostEqual, 10.3)
}

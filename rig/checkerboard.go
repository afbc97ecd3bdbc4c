package rig

import (
	"image"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Checkerboard describes the printed calibration pattern: square counts per
// axis, the physical square size, and the thickness of the board it is
// printed on. Detection operates on the grid of internal corners, one fewer
// per axis than the square count.
//
// Reference geometry is expressed in square units (one square = 1.0), so
// the same grid serves any physical print size.
type Checkerboard struct {
	SquaresX     int
	SquaresY     int
	SquareSizeMM float64
	ThicknessMM  float64
}

// NewCheckerboard validates the geometry. Both axes need at least two
// squares to produce any internal corner.
func NewCheckerboard(squaresX, squaresY int, squareSizeMM, thicknessMM float64) (*Checkerboard, error) {
	if squaresX < 2 || squaresY < 2 {
		return nil, errors.Errorf("checkerboard needs at least 2 squares per axis, got %dx%d", squaresX, squaresY)
	}
	if squareSizeMM <= 0 {
		return nil, errors.Errorf("checkerboard square size must be positive, got %v", squareSizeMM)
	}
	if thicknessMM < 0 {
		return nil, errors.Errorf("checkerboard thickness cannot be negative, got %v", thicknessMM)
	}
	return &Checkerboard{
		SquaresX:     squaresX,
		SquaresY:     squaresY,
		SquareSizeMM: squareSizeMM,
		ThicknessMM:  thicknessMM,
	}, nil
}

// InternalCorners returns the detectable pattern size.
func (cb *Checkerboard) InternalCorners() image.Point {
	return image.Pt(cb.SquaresX-1, cb.SquaresY-1)
}

// CalibrationGrid returns the reference corner positions on the board plane
// (z=0), centered on the grid middle. Rows run from the top of the board
// down, columns left to right, matching the order the chessboard detector
// reports corners in. Getting this order wrong does not fail anything
// loudly; it just ruins every calibration that follows.
func (cb *Checkerboard) CalibrationGrid() []r3.Vector {
	return cb.grid(0)
}

// PoseGrid is the calibration grid lifted to the board's top surface, for
// posing a camera against a board lying flat on the table.
func (cb *Checkerboard) PoseGrid() []r3.Vector {
	return cb.grid(cb.ThicknessMM / cb.SquareSizeMM)
}

func (cb *Checkerboard) grid(z float64) []r3.Vector {
	dim := cb.InternalCorners()
	halfX := dim.X / 2
	halfY := dim.Y / 2
	pts := make([]r3.Vector, 0, dim.X*dim.Y)
	for y := dim.Y - 1; y >= 0; y-- {
		for x := 0; x < dim.X; x++ {
			pts = append(pts, r3.Vector{
				X: float64(x - halfX),
				Y: float64(y - halfY),
				Z: z,
			})
		}
	}
	return pts
}

// FindPoseCorners detects the board in a single frame and refines the
// corners to sub-pixel accuracy, for a pose solve. Returns nil, false when
// the full pattern is not visible.
func (cb *Checkerboard) FindPoseCorners(frame gocv.Mat) ([]r2.Point, bool) {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)

	corners := gocv.NewMat()
	defer corners.Close()
	if found := gocv.FindChessboardCorners(gray, cb.InternalCorners(), &corners, gocv.CalibCBAdaptiveThresh|gocv.CalibCBNormalizeImage); !found {
		return nil, false
	}

	criteria := gocv.NewTermCriteria(gocv.MaxIter+gocv.EPS, 30, 0.001)
	gocv.CornerSubPix(gray, &corners, image.Pt(11, 11), image.Pt(-1, -1), criteria)

	pts := make([]r2.Point, corners.Rows())
	for i := range pts {
		pts[i] = r2.Point{
			X: float64(corners.GetFloatAt(i, 0)),
			Y: float64(corners.GetFloatAt(i, 1)),
		}
	}
	return pts, true
}

// View names for the three calibration captures.
const (
	ViewTop   = "top"
	ViewFront = "front"
	ViewSide  = "side"
)

var calibrationViews = []string{ViewTop, ViewFront, ViewSide}

type capturedView struct {
	gray    gocv.Mat
	corners gocv.Mat
}

// Calibrator accumulates checkerboard views over a live capture session.
// FindCorners runs per frame for user feedback and caches the last valid
// detection; CommitView files that detection under a view name; Calibrate
// refines all three committed views and hands them to a camera.
//
// Not safe for concurrent use; it lives on the capture loop.
type Calibrator struct {
	board *Checkerboard

	lastValid   bool
	lastGray    gocv.Mat
	lastCorners gocv.Mat

	views map[string]capturedView
}

func NewCalibrator(board *Checkerboard) *Calibrator {
	return &Calibrator{
		board: board,
		views: make(map[string]capturedView, len(calibrationViews)),
	}
}

// FindCorners runs chessboard detection on the frame. On success it returns
// an annotated copy with the detected corners drawn, and caches the
// grayscale frame and raw corners so CommitView can file them without
// re-running detection. On failure the frame comes back unannotated.
func (cal *Calibrator) FindCorners(frame gocv.Mat) (gocv.Mat, bool) {
	gray := gocv.NewMat()
	gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)

	corners := gocv.NewMat()
	pattern := cal.board.InternalCorners()
	found := gocv.FindChessboardCorners(gray, pattern, &corners, gocv.CalibCBAdaptiveThresh|gocv.CalibCBNormalizeImage)
	if !found {
		gray.Close()
		corners.Close()
		return frame.Clone(), false
	}

	annotated := frame.Clone()
	gocv.DrawChessboardCorners(&annotated, pattern, corners, true)

	cal.dropLast()
	cal.lastGray = gray
	cal.lastCorners = corners
	cal.lastValid = true
	return annotated, true
}

// CommitView files the last valid detection under a view name. Committing
// with no valid detection since the previous commit reports "no corners
// found" and leaves the slot untouched.
func (cal *Calibrator) CommitView(name string) error {
	if !validViewName(name) {
		return errors.Errorf("unknown calibration view %q", name)
	}
	if !cal.lastValid {
		return errors.Errorf("no corners found for view %q", name)
	}
	if prev, ok := cal.views[name]; ok {
		prev.gray.Close()
		prev.corners.Close()
	}
	cal.views[name] = capturedView{gray: cal.lastGray, corners: cal.lastCorners}
	cal.lastValid = false
	cal.lastGray = gocv.Mat{}
	cal.lastCorners = gocv.Mat{}
	return nil
}

// Committed reports which views have been filed so far.
func (cal *Calibrator) Committed() []string {
	names := make([]string, 0, len(cal.views))
	for _, name := range calibrationViews {
		if _, ok := cal.views[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// Calibrate refines each committed view's corners to sub-pixel accuracy,
// pairs them with the board's reference grid, and solves the camera
// intrinsics. All three views must be committed first.
func (cal *Calibrator) Calibrate(camera *Camera, resolution image.Point) (float64, error) {
	for _, name := range calibrationViews {
		if _, ok := cal.views[name]; !ok {
			return 0, errors.Errorf("calibration view %q not captured yet", name)
		}
	}

	grid := gridPoint3f(cal.board.CalibrationGrid())
	criteria := gocv.NewTermCriteria(gocv.MaxIter+gocv.EPS, 30, 0.001)

	objectPoints := gocv.NewPoints3fVector()
	defer objectPoints.Close()
	imagePoints := gocv.NewPoints2fVector()
	defer imagePoints.Close()

	for _, name := range calibrationViews {
		view := cal.views[name]
		gocv.CornerSubPix(view.gray, &view.corners, image.Pt(11, 11), image.Pt(-1, -1), criteria)

		pts := make([]gocv.Point2f, view.corners.Rows())
		for i := range pts {
			pts[i] = gocv.Point2f{
				X: view.corners.GetFloatAt(i, 0),
				Y: view.corners.GetFloatAt(i, 1),
			}
		}
		ptsV := gocv.NewPoint2fVectorFromPoints(pts)
		imagePoints.Append(ptsV)
		ptsV.Close()

		gridV := gocv.NewPoint3fVectorFromPoints(grid)
		objectPoints.Append(gridV)
		gridV.Close()
	}

	return camera.Calibrate(objectPoints, imagePoints, resolution)
}

// Uncalibrate clears the camera's calibration along with every cached and
// committed view, so a fresh capture session starts clean.
func (cal *Calibrator) Uncalibrate(camera *Camera) {
	camera.Uncalibrate()
	cal.Reset()
}

// Reset discards all cached detections and committed views.
func (cal *Calibrator) Reset() {
	cal.dropLast()
	for name, view := range cal.views {
		view.gray.Close()
		view.corners.Close()
		delete(cal.views, name)
	}
}

func (cal *Calibrator) dropLast() {
	if !cal.lastValid {
		return
	}
	cal.lastGray.Close()
	cal.lastCorners.Close()
	cal.lastValid = false
}

func validViewName(name string) bool {
	for _, v := range calibrationViews {
		if v == name {
			return true
		}
	}
	return false
}

// gridPoint3f converts a reference grid to the point type the vector
// constructors consume.
func gridPoint3f(grid []r3.Vector) []gocv.Point3f {
	pts := make([]gocv.Point3f, len(grid))
	for i, p := range grid {
		pts[i] = gocv.NewPoint3f(float32(p.X), float32(p.Y), float32(p.Z))
	}
	return pts
}

package rig

import (
	"image"
	"image/color"
	"math"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"
)

// Camera owns the intrinsic geometry of one physical camera: the intrinsic
// matrix, distortion coefficients, the optimal (undistorted-space) matrix
// with its valid-pixel ROI, the precomputed undistortion remap tables, and
// an optional pose relative to the table plane.
//
// The six calibrated-state fields are written together: a reader never sees
// a fresh intrinsic matrix paired with a stale ROI or remap table.
type Camera struct {
	mu sync.RWMutex

	Name      string
	ModelName string
	DeviceID  int

	props CaptureProps

	calibrated bool
	mtx        gocv.Mat
	dist       gocv.Mat
	mtxPrime   gocv.Mat
	roi        image.Rectangle
	mapX       gocv.Mat
	mapY       gocv.Mat
	resolution image.Point

	posed bool
	rvec  gocv.Mat
	tvec  gocv.Mat
}

// NewCamera returns an uncalibrated camera. A nil props map gets the
// platform defaults.
func NewCamera(name, modelName string, deviceID int, props CaptureProps) (*Camera, error) {
	if props == nil {
		props = DefaultCaptureProps()
	}
	if err := props.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid capture properties")
	}
	return &Camera{
		Name:      name,
		ModelName: modelName,
		DeviceID:  deviceID,
		props:     props,
	}, nil
}

// CaptureProps returns a copy of the capture properties.
func (c *Camera) CaptureProps() CaptureProps {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.props.Clone()
}

// SetCaptureProp updates one capture property. Resolution changes go
// through SetCaptureResolution instead so the remap tables follow.
func (c *Camera) SetCaptureProp(prop CaptureProp, value float64) error {
	if _, ok := capturePropNames[prop]; !ok {
		return errors.Errorf("unknown capture property id %d", int(prop))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.props[prop] = value
	return nil
}

// IsCalibrated reports whether every calibrated-state field is present.
func (c *Camera) IsCalibrated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.calibrated
}

// IsPosed reports whether the camera has extrinsics. Posed state requires
// calibrated state: uncalibrating also invalidates the pose.
func (c *Camera) IsPosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.calibrated && c.posed
}

// ROI returns the valid-pixel rectangle of the undistorted image.
func (c *Camera) ROI() (image.Rectangle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.calibrated {
		return image.Rectangle{}, ErrNotCalibrated
	}
	return c.roi, nil
}

// Calibrate solves intrinsics and distortion from the supplied views and
// derives the optimal matrix, ROI and remap tables for the given capture
// resolution. Everything is staged and committed in one step; on failure
// the previous calibration, if any, is untouched.
//
// The returned value is the mean reprojection error: per view, the L2 norm
// of detected minus re-projected corners averaged per point, then averaged
// over views.
func (c *Camera) Calibrate(objectPoints gocv.Points3fVector, imagePoints gocv.Points2fVector, resolution image.Point) (float64, error) {
	if objectPoints.Size() == 0 || objectPoints.Size() != imagePoints.Size() {
		return 0, errors.Errorf("calibration needs matching point sets, got %d/%d views",
			objectPoints.Size(), imagePoints.Size())
	}

	mtx := gocv.NewMat()
	dist := gocv.NewMat()
	rvecs := gocv.NewMat()
	tvecs := gocv.NewMat()
	defer rvecs.Close()
	defer tvecs.Close()

	rms := gocv.CalibrateCamera(objectPoints, imagePoints, resolution, &mtx, &dist, &rvecs, &tvecs, gocv.CalibFlag(0))
	if math.IsNaN(rms) || math.IsInf(rms, 0) || mtx.Empty() {
		closeErr := multierr.Combine(mtx.Close(), dist.Close())
		return 0, multierr.Append(errors.New("unable to calibrate camera with these images"), closeErr)
	}

	meanErr := meanReprojectionError(objectPoints, imagePoints, mtx, dist, rvecs, tvecs)

	mtxPrime, roi := gocv.GetOptimalNewCameraMatrixWithParams(mtx, dist, resolution, 1.0, resolution, false)
	mapX, mapY := buildRemapTables(mtx, dist, mtxPrime, resolution)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalibrationLocked()
	c.mtx = mtx
	c.dist = dist
	c.mtxPrime = mtxPrime
	c.roi = roi
	c.mapX = mapX
	c.mapY = mapY
	c.resolution = resolution
	c.calibrated = true
	return meanErr, nil
}

// Uncalibrate drops calibration and pose and invalidates the remap tables.
func (c *Camera) Uncalibrate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalibrationLocked()
	c.closePoseLocked()
}

// Undistort applies the precomputed remap tables and crops to the
// valid-pixel ROI. Called at interactive rate; the caller owns the result.
func (c *Camera) Undistort(frame gocv.Mat) (gocv.Mat, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.calibrated {
		return gocv.Mat{}, ErrNotCalibrated
	}
	remapped := gocv.NewMat()
	defer remapped.Close()
	gocv.Remap(frame, &remapped, c.mapX, c.mapY, gocv.InterpolationLinear, gocv.BorderConstant, color.RGBA{})
	region := remapped.Region(c.roi)
	defer region.Close()
	return region.Clone(), nil
}

// Pose solves the camera extrinsics from one view of known reference
// points. On failure the previous pose, if any, is untouched.
func (c *Camera) Pose(reference []r3.Vector, detected []r2.Point) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.calibrated {
		return ErrNotCalibrated
	}
	if len(reference) != len(detected) || len(reference) == 0 {
		return errors.Errorf("pose needs matching point sets, got %d/%d", len(reference), len(detected))
	}

	objPts := point3fVector(reference)
	defer objPts.Close()
	imgPts := point2fVector(detected)
	defer imgPts.Close()

	rvec := gocv.NewMat()
	tvec := gocv.NewMat()
	inliers := gocv.NewMat()
	defer inliers.Close()
	if ok := gocv.SolvePnPRansac(objPts, imgPts, c.mtx, c.dist, &rvec, &tvec, false, 100, 8, 0.99, &inliers, 0); !ok {
		closeErr := multierr.Combine(rvec.Close(), tvec.Close())
		return multierr.Append(errors.New("unable to solve camera pose from these points"), closeErr)
	}

	c.closePoseLocked()
	c.rvec = rvec
	c.tvec = tvec
	c.posed = true
	return nil
}

// ProjectPoints projects 3D points in the posed reference frame into 2D
// pixel space. With useOptimal the projection targets the undistorted,
// ROI-cropped image: distortion is zero there and the ROI origin is
// subtracted so results are relative to the cropped frame.
func (c *Camera) ProjectPoints(points []r3.Vector, useOptimal, round bool) ([]r2.Point, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.calibrated {
		return nil, ErrNotCalibrated
	}
	if !c.posed {
		return nil, ErrNotPosed
	}

	objPts := point3fVector(points)
	defer objPts.Close()
	projected := gocv.NewPoint2fVector()
	defer projected.Close()
	jacobian := gocv.NewMat()
	defer jacobian.Close()

	if useOptimal {
		noDist := gocv.NewMatWithSize(1, 5, gocv.MatTypeCV64F)
		defer noDist.Close()
		gocv.ProjectPoints(objPts, c.rvec, c.tvec, c.mtxPrime, noDist, projected, &jacobian, 0)
	} else {
		gocv.ProjectPoints(objPts, c.rvec, c.tvec, c.mtx, c.dist, projected, &jacobian, 0)
	}

	out := make([]r2.Point, projected.Size())
	for i := 0; i < projected.Size(); i++ {
		p := projected.At(i)
		pt := r2.Point{X: float64(p.X), Y: float64(p.Y)}
		if useOptimal {
			pt.X -= float64(c.roi.Min.X)
			pt.Y -= float64(c.roi.Min.Y)
		}
		if round {
			pt = roundPoint(pt)
		}
		out[i] = pt
	}
	return out, nil
}

// SetCaptureResolution updates the configured resolution and, when
// calibrated, regenerates the optimal matrix, ROI and remap tables for the
// new size. Tables are rebuilt whole, never patched.
func (c *Camera) SetCaptureResolution(width, height int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.props[PropFrameWidth] = float64(width)
	c.props[PropFrameHeight] = float64(height)
	if !c.calibrated {
		return
	}
	resolution := image.Pt(width, height)
	mtxPrime, roi := gocv.GetOptimalNewCameraMatrixWithParams(c.mtx, c.dist, resolution, 1.0, resolution, false)
	mapX, mapY := buildRemapTables(c.mtx, c.dist, mtxPrime, resolution)
	c.mtxPrime.Close()
	c.mapX.Close()
	c.mapY.Close()
	c.mtxPrime = mtxPrime
	c.roi = roi
	c.mapX = mapX
	c.mapY = mapY
	c.resolution = resolution
}

// Close releases all mats.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalibrationLocked()
	c.closePoseLocked()
	return nil
}

func (c *Camera) closeCalibrationLocked() {
	if !c.calibrated {
		return
	}
	c.mtx.Close()
	c.dist.Close()
	c.mtxPrime.Close()
	c.mapX.Close()
	c.mapY.Close()
	c.roi = image.Rectangle{}
	c.calibrated = false
}

func (c *Camera) closePoseLocked() {
	if !c.posed {
		return
	}
	c.rvec.Close()
	c.tvec.Close()
	c.posed = false
}

// buildRemapTables precomputes the per-pixel undistortion maps. Map type 5
// is the fully populated CV_32FC1 pair, the O(1)-per-frame form.
func buildRemapTables(mtx, dist, mtxPrime gocv.Mat, resolution image.Point) (gocv.Mat, gocv.Mat) {
	mapX := gocv.NewMat()
	mapY := gocv.NewMat()
	r := gocv.NewMat()
	defer r.Close()
	gocv.InitUndistortRectifyMap(mtx, dist, r, mtxPrime, resolution, 5, &mapX, &mapY)
	return mapX, mapY
}

// meanReprojectionError re-projects each view's reference grid at the
// per-view solved pose and averages the per-point L2 error over views.
func meanReprojectionError(objectPoints gocv.Points3fVector, imagePoints gocv.Points2fVector, mtx, dist, rvecs, tvecs gocv.Mat) float64 {
	views := objectPoints.Size()
	total := 0.0
	for i := 0; i < views; i++ {
		rvec := rvecs.Row(i)
		tvec := tvecs.Row(i)

		projected := gocv.NewPoint2fVector()
		jacobian := gocv.NewMat()
		gocv.ProjectPoints(objectPoints.At(i), rvec, tvec, mtx, dist, projected, &jacobian, 0)

		detected := imagePoints.At(i)
		n := projected.Size()
		diffs := make([]float64, 0, 2*n)
		for j := 0; j < n; j++ {
			p := projected.At(j)
			d := detected.At(j)
			diffs = append(diffs, float64(d.X-p.X), float64(d.Y-p.Y))
		}
		v := mat.NewVecDense(len(diffs), diffs)
		total += v.Norm(2) / float64(n)

		jacobian.Close()
		projected.Close()
		tvec.Close()
		rvec.Close()
	}
	return total / float64(views)
}

func point3fVector(points []r3.Vector) gocv.Point3fVector {
	pts := make([]gocv.Point3f, len(points))
	for i, p := range points {
		pts[i] = gocv.NewPoint3f(float32(p.X), float32(p.Y), float32(p.Z))
	}
	return gocv.NewPoint3fVectorFromPoints(pts)
}

func point2fVector(points []r2.Point) gocv.Point2fVector {
	pts := make([]gocv.Point2f, len(points))
	for i, p := range points {
		pts[i] = gocv.Point2f{X: float32(p.X), Y: float32(p.Y)}
	}
	return gocv.NewPoint2fVectorFromPoints(pts)
}

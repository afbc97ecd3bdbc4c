package rig

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gocv.io/x/gocv"
)

// Tick rates for the three loops. The capture loop feeds the latest-frame
// buffer, the bridge polls the detector, and the projector layer consumes
// updates at its own pace.
const (
	CaptureInterval   = time.Second / 30
	DetectionInterval = time.Second / 10
	ProjectorInterval = time.Second / 15
)

// MarkerUpdate is one debounced set of marker positions on the game plane,
// in millimeters, keyed by marker id.
type MarkerUpdate map[string]r2.Point

// Session owns one camera and one table and runs the capture and detection
// loops against them. All geometry access from the outside goes through the
// session's accessors; nothing here is a global.
type Session struct {
	logger golog.Logger
	clock  clock.Clock

	camera     *Camera
	table      *Table
	board      *Checkerboard
	calibrator *Calibrator
	detector   Detector

	updates chan MarkerUpdate

	mu      sync.RWMutex
	source  *FrameSource
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSession wires a session. A nil clk gets the real clock.
func NewSession(camera *Camera, table *Table, board *Checkerboard, detector Detector, clk clock.Clock, logger golog.Logger) *Session {
	if clk == nil {
		clk = clock.New()
	}
	return &Session{
		logger:     logger,
		clock:      clk,
		camera:     camera,
		table:      table,
		board:      board,
		calibrator: NewCalibrator(board),
		detector:   detector,
		updates:    make(chan MarkerUpdate, 1),
	}
}

func (s *Session) Camera() *Camera         { return s.camera }
func (s *Session) Table() *Table           { return s.table }
func (s *Session) Board() *Checkerboard    { return s.board }
func (s *Session) Calibrator() *Calibrator { return s.calibrator }

// Updates delivers debounced marker updates. The channel holds the newest
// update only; a slow consumer sees the latest state, not a backlog.
func (s *Session) Updates() <-chan MarkerUpdate {
	return s.updates
}

// Start opens the capture device and runs the capture and detection loops
// until the context is canceled or Stop is called.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("session already running")
	}

	source, err := OpenFrameSource(s.camera.DeviceID, s.camera.CaptureProps())
	if err != nil {
		return err
	}
	s.source = source

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{}, 2)
	s.running = true

	bridge := NewBridge(s.table, s.detector, s.DetectionFrame, s.publish, DetectionInterval, s.clock, s.logger)

	go func() {
		defer func() { s.done <- struct{}{} }()
		s.captureLoop(runCtx)
	}()
	go func() {
		defer func() { s.done <- struct{}{} }()
		bridge.Run(runCtx)
	}()
	return nil
}

// Stop halts both loops and releases the capture device. Safe to call when
// not running.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source != nil {
		if err := s.source.Close(); err != nil {
			s.logger.Warnw("closing capture device", "error", err)
		}
		s.source = nil
	}
}

func (s *Session) captureLoop(ctx context.Context) {
	ticker := s.clock.Ticker(CaptureInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.RLock()
		source := s.source
		s.mu.RUnlock()
		if source == nil {
			continue
		}
		if err := source.Capture(); err != nil {
			continue
		}
	}
}

// LatestFrame returns a copy of the newest raw frame, or ErrNoFrame while
// the device warms up. The caller owns the copy.
func (s *Session) LatestFrame() (gocv.Mat, error) {
	frame, _, err := s.frameWithInfo()
	return frame, err
}

// FrameInfo describes the live feed, e.g. "1920x1080 @ 30fps". Empty until
// the first frame arrives.
func (s *Session) FrameInfo() string {
	frame, info, err := s.frameWithInfo()
	if err != nil {
		return ""
	}
	frame.Close()
	return info
}

func (s *Session) frameWithInfo() (gocv.Mat, string, error) {
	s.mu.RLock()
	source := s.source
	s.mu.RUnlock()
	if source == nil {
		return gocv.Mat{}, "", ErrNoFrame
	}
	return source.GetFrame()
}

// DetectionFrame is what the bridge crops and detects on: the undistorted
// frame when the camera is calibrated, the raw frame otherwise, matching
// what the viewport shows while the table corners are placed.
func (s *Session) DetectionFrame() (gocv.Mat, error) {
	frame, err := s.LatestFrame()
	if err != nil {
		return gocv.Mat{}, err
	}
	if !s.camera.IsCalibrated() {
		return frame, nil
	}
	defer frame.Close()
	return s.camera.Undistort(frame)
}

func (s *Session) publish(update map[string]r2.Point) {
	select {
	case s.updates <- MarkerUpdate(update):
	default:
		select {
		case <-s.updates:
		default:
		}
		select {
		case s.updates <- MarkerUpdate(update):
		default:
		}
	}
}

// Close stops the loops and releases every owned resource.
func (s *Session) Close() error {
	s.Stop()
	s.calibrator.Reset()
	err := s.camera.Close()
	if closer, ok := s.detector.(interface{ Close() error }); ok {
		err = multierr.Combine(err, closer.Close())
	}
	return err
}

// CalibrateCamera solves intrinsics from the calibrator's three committed
// views at the current capture resolution and reports the mean reprojection
// error.
func (s *Session) CalibrateCamera() (float64, error) {
	width, height := s.camera.CaptureProps().Resolution()
	return s.calibrator.Calibrate(s.camera, image.Pt(width, height))
}

// PoseCamera solves the camera's extrinsics against a checkerboard lying
// flat on the table, using the latest raw frame.
func (s *Session) PoseCamera() error {
	frame, err := s.LatestFrame()
	if err != nil {
		return err
	}
	defer frame.Close()

	corners, found := s.board.FindPoseCorners(frame)
	if !found {
		return errors.New("no checkerboard visible for pose")
	}
	return s.camera.Pose(s.board.PoseGrid(), corners)
}

// SetCaptureResolution changes the capture size with the loops stopped, so
// no detection runs against remap tables mid-regeneration, then restarts
// them if they were running.
func (s *Session) SetCaptureResolution(ctx context.Context, width, height int) error {
	s.mu.RLock()
	wasRunning := s.running
	s.mu.RUnlock()

	if wasRunning {
		s.Stop()
	}
	s.camera.SetCaptureResolution(width, height)
	if wasRunning {
		return s.Start(ctx)
	}
	return nil
}

package rig

import (
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"go.viam.com/test"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	camera := newTestCamera(t)
	t.Cleanup(func() { camera.Close() })
	table := newTestTable(t)
	board, err := NewCheckerboard(24, 19, 25.4, 5)
	test.That(t, err, test.ShouldBeNil)
	return NewSession(camera, table, board, &fakeDetector{}, nil, golog.NewTestLogger(t))
}

func TestSessionAccessors(t *testing.T) {
	s := newTestSession(t)
	test.That(t, s.Camera(), test.ShouldNotBeNil)
	test.That(t, s.Table(), test.ShouldNotBeNil)
	test.That(t, s.Board(), test.ShouldNotBeNil)
	test.That(t, s.Calibrator(), test.ShouldNotBeNil)
}

func TestSessionLatestFrameBeforeCapture(t *testing.T) {
	s := newTestSession(t)
	_, err := s.LatestFrame()
	test.That(t, err, test.ShouldBeError, ErrNoFrame)
	_, err = s.DetectionFrame()
	test.That(t, err, test.ShouldBeError, ErrNoFrame)
}

func TestSessionCalibrateCameraWithoutViews(t *testing.T) {
	s := newTestSession(t)
	_, err := s.CalibrateCamera()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "not captured yet")
}

// A slow consumer must see the newest update, not a backlog.
func TestSessionUpdatesLatestWins(t *testing.T) {
	s := newTestSession(t)

	s.publish(map[string]r2.Point{"7": {X: 1, Y: 1}})
	s.publish(map[string]r2.Point{"7": {X: 2, Y: 2}})
	s.publish(map[string]r2.Point{"7": {X: 3, Y: 3}})

	update := <-s.Updates()
	test.That(t, update["7"].X, test.ShouldEqual, 3)

	select {
	case <-s.Updates():
		t.Fatal("expected single buffered update")
	default:
	}
}

func TestSessionStopWhenNotRunning(t *testing.T) {
	s := newTestSession(t)
	s.Stop() // must not hang or panic
}

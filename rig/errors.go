package rig

import "github.com/pkg/errors"

// ErrNotCalibrated is returned by any geometry operation that needs a
// completed calibration. Callers that polled IsCalibrated first never see
// it; everyone else must handle it instead of a nil dereference.
var ErrNotCalibrated = errors.New("not calibrated")

// ErrNotPosed is returned when projecting 3D points before a pose solve.
var ErrNotPosed = errors.New("camera pose is not available")

// ErrNoFrame is returned when the capture device has not produced a frame
// yet. It is transient; callers keep polling and show a waiting indicator.
var ErrNoFrame = errors.New("no frame available")

// ErrUnnamed is returned when saving a camera or table without a name.
var ErrUnnamed = errors.New("cannot save without a name")

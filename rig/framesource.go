package rig

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

const frameRingSize = 3

// FrameSource wraps a capture device, applies the camera's capture
// properties on open, and keeps a small ring of recent frames so readers
// always get the newest complete one while the capture loop writes the
// next.
type FrameSource struct {
	device *gocv.VideoCapture

	mu       sync.RWMutex
	ring     [frameRingSize]gocv.Mat
	next     int
	count    int
	lastRead time.Time
	fps      float64
}

// OpenFrameSource opens the device and pushes every configured property to
// the driver. Drivers silently ignore properties they do not support, so a
// partial application is not an error.
func OpenFrameSource(deviceID int, props CaptureProps) (*FrameSource, error) {
	device, err := gocv.OpenVideoCapture(deviceID)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open capture device %d", deviceID)
	}
	for prop, value := range props {
		device.Set(prop.cvProp(), value)
	}
	return &FrameSource{device: device}, nil
}

// Set pushes one property to the live device.
func (fs *FrameSource) Set(prop CaptureProp, value float64) {
	fs.device.Set(prop.cvProp(), value)
}

// Capture grabs the next frame into the ring. Called from the capture loop
// only.
func (fs *FrameSource) Capture() error {
	frame := gocv.NewMat()
	if ok := fs.device.Read(&frame); !ok || frame.Empty() {
		frame.Close()
		return ErrNoFrame
	}

	now := time.Now()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.lastRead.IsZero() {
		if dt := now.Sub(fs.lastRead).Seconds(); dt > 0 {
			// smoothed so the info string does not flicker
			fs.fps = 0.9*fs.fps + 0.1/dt
		}
	}
	fs.lastRead = now

	if fs.count == frameRingSize {
		fs.ring[fs.next].Close()
	} else {
		fs.count++
	}
	fs.ring[fs.next] = frame
	fs.next = (fs.next + 1) % frameRingSize
	return nil
}

// GetFrame returns a copy of the newest frame plus a "WxH @ FPSfps" info
// string, or ErrNoFrame while the device warms up. The caller owns the
// copy.
func (fs *FrameSource) GetFrame() (gocv.Mat, string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.count == 0 {
		return gocv.Mat{}, "", ErrNoFrame
	}
	newest := fs.ring[(fs.next+frameRingSize-1)%frameRingSize]
	info := fmt.Sprintf("%dx%d @ %.0ffps", newest.Cols(), newest.Rows(), fs.fps)
	return newest.Clone(), info, nil
}

func (fs *FrameSource) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for i := 0; i < fs.count; i++ {
		fs.ring[i].Close()
	}
	fs.count = 0
	return fs.device.Close()
}

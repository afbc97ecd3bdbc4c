package rig

import (
	"runtime"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// CaptureProp is a closed enumeration of the capture-device properties this
// system drives, so a saved properties map can be validated at
// construction instead of passing arbitrary ids to the driver.
type CaptureProp int

const (
	PropFrameWidth CaptureProp = iota
	PropFrameHeight
	PropFPS
	PropAutoFocus
	PropFocus
	PropAutoExposure
	PropExposure
	PropBrightness
	PropContrast
	PropGain
	PropSaturation
	PropSharpness
	PropZoom
)

var capturePropNames = map[CaptureProp]string{
	PropFrameWidth:   "Width",
	PropFrameHeight:  "Height",
	PropFPS:          "FPS",
	PropAutoFocus:    "Auto focus",
	PropFocus:        "Focus",
	PropAutoExposure: "Auto exposure",
	PropExposure:     "Exposure",
	PropBrightness:   "Brightness",
	PropContrast:     "Contrast",
	PropGain:         "Gain",
	PropSaturation:   "Saturation",
	PropSharpness:    "Sharpness",
	PropZoom:         "Zoom",
}

func (p CaptureProp) String() string {
	if name, ok := capturePropNames[p]; ok {
		return name
	}
	return "Unknown"
}

// cvProp maps to the backend property id gocv expects.
func (p CaptureProp) cvProp() gocv.VideoCaptureProperties {
	switch p {
	case PropFrameWidth:
		return gocv.VideoCaptureFrameWidth
	case PropFrameHeight:
		return gocv.VideoCaptureFrameHeight
	case PropFPS:
		return gocv.VideoCaptureFPS
	case PropAutoFocus:
		return gocv.VideoCaptureAutoFocus
	case PropFocus:
		return gocv.VideoCaptureFocus
	case PropAutoExposure:
		return gocv.VideoCaptureAutoExposure
	case PropExposure:
		return gocv.VideoCaptureExposure
	case PropBrightness:
		return gocv.VideoCaptureBrightness
	case PropContrast:
		return gocv.VideoCaptureContrast
	case PropGain:
		return gocv.VideoCaptureGain
	case PropSaturation:
		return gocv.VideoCaptureSaturation
	case PropSharpness:
		return gocv.VideoCaptureSharpness
	case PropZoom:
		return gocv.VideoCaptureZoom
	}
	return gocv.VideoCaptureBrightness
}

// CaptureProps holds the property values applied when the device opens.
type CaptureProps map[CaptureProp]float64

// DefaultCaptureProps returns the per-platform defaults: fixed resolution,
// autofocus and auto-exposure off so the calibration stays valid frame to
// frame. V4L2 has no focus control, so Linux omits it.
func DefaultCaptureProps() CaptureProps {
	props := CaptureProps{
		PropFrameWidth:   1920,
		PropFrameHeight:  1080,
		PropFPS:          30,
		PropAutoFocus:    1, // 1 = off
		PropFocus:        0,
		PropAutoExposure: 1, // 1 = off
		PropExposure:     -5,
		PropBrightness:   128,
		PropContrast:     128,
		PropGain:         128,
		PropSaturation:   128,
		PropSharpness:    128,
		PropZoom:         100,
	}
	if runtime.GOOS == "linux" {
		props[PropExposure] = 250
		delete(props, PropFocus)
	}
	return props
}

// Validate rejects unknown property keys, typically from a hand-edited
// saved file.
func (p CaptureProps) Validate() error {
	for k := range p {
		if _, ok := capturePropNames[k]; !ok {
			return errors.Errorf("unknown capture property id %d", int(k))
		}
	}
	return nil
}

// Clone returns an independent copy.
func (p CaptureProps) Clone() CaptureProps {
	out := make(CaptureProps, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Resolution returns the configured capture width and height.
func (p CaptureProps) Resolution() (int, int) {
	return int(p[PropFrameWidth]), int(p[PropFrameHeight])
}

package rig

import (
	"runtime"
	"testing"

	"go.viam.com/test"
)

func TestDefaultCapturePropsByPlatform(t *testing.T) {
	props := DefaultCaptureProps()
	test.That(t, props.Validate(), test.ShouldBeNil)

	w, h := props.Resolution()
	test.That(t, w, test.ShouldEqual, 1920)
	test.That(t, h, test.ShouldEqual, 1080)
	test.That(t, props[PropFPS], test.ShouldEqual, 30)
	test.That(t, props[PropAutoFocus], test.ShouldEqual, 1)
	test.That(t, props[PropAutoExposure], test.ShouldEqual, 1)

	if runtime.GOOS == "linux" {
		test.That(t, props[PropExposure], test.ShouldEqual, 250)
		_, hasFocus := props[PropFocus]
		test.That(t, hasFocus, test.ShouldBeFalse)
	} else {
		test.That(t, props[PropExposure], test.ShouldEqual, -5)
	}
}

func TestCapturePropsValidateRejectsUnknownIDs(t *testing.T) {
	props := CaptureProps{CaptureProp(999): 1}
	err := props.Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "999")
}

func TestCapturePropsCloneIsIndependent(t *testing.T) {
	props := DefaultCaptureProps()
	clone := props.Clone()
	clone[PropZoom] = 200
	test.That(t, props[PropZoom], test.ShouldEqual, 100)
}

func TestCapturePropString(t *testing.T) {
	test.That(t, PropExposure.String(), test.ShouldEqual, "Exposure")
	test.That(t, CaptureProp(999).String(), test.ShouldEqual, "Unknown")
}

func TestNewCameraRejectsBadProps(t *testing.T) {
	_, err := NewCamera("cam", "", 0, CaptureProps{CaptureProp(999): 1})
	test.That(t, err, test.ShouldNotBeNil)
}

package rig

import (
	"strconv"
	"time"

	"github.com/golang/geo/r2"
	"gocv.io/x/gocv"
)

// Detection is one fiducial marker observation in camera pixel space. The
// bridge consumes these each tick and never stores them past it.
type Detection struct {
	ID        string
	Position  r2.Point
	Timestamp time.Time
}

// Detector finds fiducial markers in a cropped camera frame and reports
// each marker's centroid. Implementations are called synchronously from the
// detection tick and must tolerate empty frames.
type Detector interface {
	Detect(frame gocv.Mat) (map[string]r2.Point, error)
}

// ArucoDetector detects ArUco markers using the 4x4 50-marker dictionary.
type ArucoDetector struct {
	detector gocv.ArucoDetector
}

func NewArucoDetector() *ArucoDetector {
	params := gocv.NewArucoDetectorParameters()
	dict := gocv.GetPredefinedDictionary(gocv.ArucoDict4x4_50)
	return &ArucoDetector{
		detector: gocv.NewArucoDetectorWithParams(dict, params),
	}
}

// Detect returns marker centroids keyed by the marker's numeric id. A frame
// with no markers yields an empty map, not an error.
func (d *ArucoDetector) Detect(frame gocv.Mat) (map[string]r2.Point, error) {
	if frame.Empty() {
		return nil, ErrNoFrame
	}
	corners, ids, _ := d.detector.DetectMarkers(frame)

	found := make(map[string]r2.Point, len(ids))
	for i, id := range ids {
		if i >= len(corners) || len(corners[i]) == 0 {
			continue
		}
		var cx, cy float64
		for _, c := range corners[i] {
			cx += float64(c.X)
			cy += float64(c.Y)
		}
		n := float64(len(corners[i]))
		found[strconv.Itoa(id)] = r2.Point{X: cx / n, Y: cy / n}
	}
	return found, nil
}

func (d *ArucoDetector) Close() error {
	return d.detector.Close()
}

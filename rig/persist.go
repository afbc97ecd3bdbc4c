package rig

import (
	"encoding/json"
	"image"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Persisted camera file. Matrix fields are null until calibrated; pose
// fields are null until posed. Capture property keys are the numeric
// property ids, stringified the way JSON objects force them to be.
type cameraFile struct {
	Name              string             `json:"name"`
	DeviceID          int                `json:"device_id"`
	ModelName         string             `json:"model_name"`
	CaptureProperties map[string]float64 `json:"capture_properties_dict"`
	Mtx               [][]float64        `json:"mtx"`
	Dist              [][]float64        `json:"dist"`
	MtxPrime          [][]float64        `json:"mtx_prime"`
	ROI               []int              `json:"roi"`
	Tvec              [][]float64        `json:"tvec"`
	Rvec              [][]float64        `json:"rvec"`
}

type tableFile struct {
	Name             string      `json:"name"`
	Width            float64     `json:"width"`
	Height           float64     `json:"height"`
	ResolutionFactor float64     `json:"resolution_factor"`
	CameraCorners    [][2]int    `json:"in_camera_corners"`
	ProjectorCorners [][2]int    `json:"in_projector_corners"`
	CameraToGame     [][]float64 `json:"camera_to_game_matrix"`
	GameToProjector  [][]float64 `json:"game_to_projector_matrix"`
	CameraROI        []int       `json:"camera_roi"`
	ProjectorROI     []int       `json:"projector_roi"`
}

// SaveCamera writes the camera's full geometry to path. A nameless camera
// cannot be saved.
func SaveCamera(c *Camera, path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Name == "" {
		return ErrUnnamed
	}

	file := cameraFile{
		Name:              c.Name,
		DeviceID:          c.DeviceID,
		ModelName:         c.ModelName,
		CaptureProperties: make(map[string]float64, len(c.props)),
	}
	for prop, value := range c.props {
		file.CaptureProperties[strconv.Itoa(int(prop))] = value
	}
	if c.calibrated {
		file.Mtx = matRows(c.mtx)
		file.Dist = matRows(c.dist)
		file.MtxPrime = matRows(c.mtxPrime)
		file.ROI = []int{c.roi.Min.X, c.roi.Min.Y, c.roi.Dx(), c.roi.Dy()}
	}
	if c.posed {
		file.Rvec = matRows(c.rvec)
		file.Tvec = matRows(c.tvec)
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return errors.Wrap(err, "unable to encode camera")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "unable to write %s", path)
}

// LoadCamera reads a camera file and builds a fully staged camera; nothing
// is visible to callers until every field decoded and validated, so a
// corrupt file cannot produce a half-calibrated camera.
func LoadCamera(path string) (*Camera, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read %s", path)
	}
	var file cameraFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(err, "unable to decode camera file %s", path)
	}

	props := make(CaptureProps, len(file.CaptureProperties))
	for key, value := range file.CaptureProperties {
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, errors.Wrapf(err, "bad capture property key %q", key)
		}
		props[CaptureProp(id)] = value
	}

	c, err := NewCamera(file.Name, file.ModelName, file.DeviceID, props)
	if err != nil {
		return nil, err
	}

	calibrated := file.Mtx != nil && file.Dist != nil && file.MtxPrime != nil && len(file.ROI) == 4
	if calibrated {
		mtx, err := matFromRows(file.Mtx)
		if err != nil {
			return nil, errors.Wrap(err, "bad intrinsic matrix")
		}
		dist, err := matFromRows(file.Dist)
		if err != nil {
			mtx.Close()
			return nil, errors.Wrap(err, "bad distortion coefficients")
		}
		mtxPrime, err := matFromRows(file.MtxPrime)
		if err != nil {
			mtx.Close()
			dist.Close()
			return nil, errors.Wrap(err, "bad optimal matrix")
		}

		width, height := props.Resolution()
		resolution := image.Pt(width, height)
		mapX, mapY := buildRemapTables(mtx, dist, mtxPrime, resolution)

		c.mtx = mtx
		c.dist = dist
		c.mtxPrime = mtxPrime
		c.roi = image.Rect(file.ROI[0], file.ROI[1], file.ROI[0]+file.ROI[2], file.ROI[1]+file.ROI[3])
		c.mapX = mapX
		c.mapY = mapY
		c.resolution = resolution
		c.calibrated = true
	}

	if calibrated && file.Rvec != nil && file.Tvec != nil {
		rvec, err := matFromRows(file.Rvec)
		if err != nil {
			c.Close()
			return nil, errors.Wrap(err, "bad rotation vector")
		}
		tvec, err := matFromRows(file.Tvec)
		if err != nil {
			rvec.Close()
			c.Close()
			return nil, errors.Wrap(err, "bad translation vector")
		}
		c.rvec = rvec
		c.tvec = tvec
		c.posed = true
	}

	return c, nil
}

// SaveTable writes the table geometry to path.
func SaveTable(t *Table, path string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.Name == "" {
		return ErrUnnamed
	}

	file := tableFile{
		Name:             t.Name,
		Width:            t.WidthMM,
		Height:           t.HeightMM,
		ResolutionFactor: t.ResolutionFactor,
		CameraCorners:    cornerPairs(t.corners[SpaceCamera]),
		ProjectorCorners: cornerPairs(t.corners[SpaceProjector]),
		CameraROI:        roiSlice(t.rois[SpaceCamera]),
		ProjectorROI:     roiSlice(t.rois[SpaceProjector]),
	}
	if t.calibrated {
		file.CameraToGame = homographyRows(t.camToGame)
		file.GameToProjector = homographyRows(t.gameToProj)
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return errors.Wrap(err, "unable to encode table")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "unable to write %s", path)
}

// LoadTable reads a table file, staging everything before anything becomes
// visible.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read %s", path)
	}
	var file tableFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(err, "unable to decode table file %s", path)
	}

	t, err := NewTable(file.Name, file.Width, file.Height, file.ResolutionFactor)
	if err != nil {
		return nil, err
	}

	camCorners, err := cornersFromPairs(file.CameraCorners)
	if err != nil {
		return nil, errors.Wrap(err, "bad camera corners")
	}
	projCorners, err := cornersFromPairs(file.ProjectorCorners)
	if err != nil {
		return nil, errors.Wrap(err, "bad projector corners")
	}
	t.corners[SpaceCamera] = camCorners
	t.corners[SpaceProjector] = projCorners
	t.rois[SpaceCamera] = BoundingROI(camCorners)
	t.rois[SpaceProjector] = BoundingROI(projCorners)

	if file.CameraToGame != nil && file.GameToProjector != nil {
		camToGame, err := homographyFromRows(file.CameraToGame)
		if err != nil {
			return nil, errors.Wrap(err, "bad camera-to-game matrix")
		}
		gameToProj, err := homographyFromRows(file.GameToProjector)
		if err != nil {
			return nil, errors.Wrap(err, "bad game-to-projector matrix")
		}
		gameToCam, err := camToGame.Inverse()
		if err != nil {
			return nil, errors.Wrap(err, "camera-to-game matrix is singular")
		}
		projToGame, err := gameToProj.Inverse()
		if err != nil {
			return nil, errors.Wrap(err, "game-to-projector matrix is singular")
		}
		t.camToGame = camToGame
		t.gameToCam = gameToCam
		t.gameToProj = gameToProj
		t.projToGame = projToGame
		t.calibrated = true
	}

	return t, nil
}

func matRows(m gocv.Mat) [][]float64 {
	rows := make([][]float64, m.Rows())
	for r := 0; r < m.Rows(); r++ {
		row := make([]float64, m.Cols())
		for c := 0; c < m.Cols(); c++ {
			row[c] = m.GetDoubleAt(r, c)
		}
		rows[r] = row
	}
	return rows
}

func matFromRows(rows [][]float64) (gocv.Mat, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return gocv.Mat{}, errors.New("empty matrix")
	}
	cols := len(rows[0])
	m := gocv.NewMatWithSize(len(rows), cols, gocv.MatTypeCV64F)
	for r, row := range rows {
		if len(row) != cols {
			m.Close()
			return gocv.Mat{}, errors.Errorf("ragged matrix: row %d has %d values, want %d", r, len(row), cols)
		}
		for c, v := range row {
			m.SetDoubleAt(r, c, v)
		}
	}
	return m, nil
}

func homographyRows(h Homography) [][]float64 {
	rows := make([][]float64, 3)
	for r := 0; r < 3; r++ {
		rows[r] = []float64{h[r][0], h[r][1], h[r][2]}
	}
	return rows
}

func homographyFromRows(rows [][]float64) (Homography, error) {
	if len(rows) != 3 {
		return Homography{}, errors.Errorf("want 3 rows, got %d", len(rows))
	}
	var h Homography
	for r, row := range rows {
		if len(row) != 3 {
			return Homography{}, errors.Errorf("want 3 columns in row %d, got %d", r, len(row))
		}
		copy(h[r][:], row)
	}
	return h, nil
}

func cornerPairs(c Corners) [][2]int {
	pts := c.List()
	out := make([][2]int, 4)
	for i, p := range pts {
		out[i] = [2]int{p.X, p.Y}
	}
	return out
}

func cornersFromPairs(pairs [][2]int) (Corners, error) {
	if len(pairs) != 4 {
		return Corners{}, errors.Errorf("want 4 corners, got %d", len(pairs))
	}
	var c Corners
	for i, p := range pairs {
		c.Set(CornerIndex(i), image.Pt(p[0], p[1]))
	}
	return c, nil
}

func roiSlice(r ROI) []int {
	return []int{r.MinX, r.MinY, r.MaxX, r.MaxY}
}

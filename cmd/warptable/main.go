package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"os"

	"github.com/edaniels/golog"
	"gocv.io/x/gocv"

	"github.com/protolith/warptable/rig"
)

var (
	deviceID   = flag.Int("device", 0, "capture device id")
	cameraFile = flag.String("camera", "", "camera geometry file to load/save")
	tableFile  = flag.String("table", "", "table geometry file to load/save")

	boardSquaresX = flag.Int("board-squares-x", 24, "checkerboard squares along x")
	boardSquaresY = flag.Int("board-squares-y", 19, "checkerboard squares along y")
	squareMM      = flag.Float64("square-mm", 25.4, "checkerboard square size in mm")
	thicknessMM   = flag.Float64("thickness-mm", 5, "checkerboard backing thickness in mm")

	tableWidthMM  = flag.Float64("table-width", 1220, "table width in mm")
	tableHeightMM = flag.Float64("table-height", 915, "table height in mm")
	resFactor     = flag.Float64("resolution-factor", 1, "game buffer pixels per mm")

	projWidth  = flag.Int("projector-width", 1920, "projector width in pixels")
	projHeight = flag.Int("projector-height", 1080, "projector height in pixels")
)

const cornerStepPx = 5

func main() {
	flag.Parse()
	logger := golog.NewDevelopmentLogger("warptable")
	if err := run(logger); err != nil {
		logger.Fatal(err)
	}
}

func run(logger golog.Logger) error {
	camera, err := loadOrNewCamera()
	if err != nil {
		return err
	}

	table, err := loadOrNewTable()
	if err != nil {
		return err
	}

	board, err := rig.NewCheckerboard(*boardSquaresX, *boardSquaresY, *squareMM, *thicknessMM)
	if err != nil {
		return err
	}

	session := rig.NewSession(camera, table, board, rig.NewArucoDetector(), nil, logger)
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warnw("closing session", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := session.Start(ctx); err != nil {
		return err
	}

	ui := newUI(session, logger)
	defer ui.close()
	return ui.loop(ctx)
}

func loadOrNewCamera() (*rig.Camera, error) {
	if *cameraFile != "" {
		if _, err := os.Stat(*cameraFile); err == nil {
			return rig.LoadCamera(*cameraFile)
		}
	}
	return rig.NewCamera("camera", "", *deviceID, nil)
}

func loadOrNewTable() (*rig.Table, error) {
	if *tableFile != "" {
		if _, err := os.Stat(*tableFile); err == nil {
			return rig.LoadTable(*tableFile)
		}
	}
	return rig.NewTable("table", *tableWidthMM, *tableHeightMM, *resFactor)
}

// ui runs the two windows: the camera debug view with corner handles, and
// the projector output. Corner dragging is keyboard driven: pick a corner,
// nudge it with the arrow keys, tab between camera and projector space.
type ui struct {
	session *rig.Session
	logger  golog.Logger

	debug     *gocv.Window
	projector *gocv.Window

	space   rig.Space
	corner  rig.CornerIndex
	bold    bool
	markers rig.MarkerUpdate
}

func newUI(session *rig.Session, logger golog.Logger) *ui {
	return &ui{
		session:   session,
		logger:    logger,
		debug:     gocv.NewWindow("warptable"),
		projector: gocv.NewWindow("projector"),
	}
}

func (u *ui) close() {
	u.debug.Close()
	u.projector.Close()
}

func (u *ui) loop(ctx context.Context) error {
	canvas := gocv.NewMatWithSize(*projHeight, *projWidth, gocv.MatTypeCV8UC3)
	defer canvas.Close()

	for ctx.Err() == nil {
		select {
		case update := <-u.session.Updates():
			u.markers = update
		default:
		}

		u.renderDebug()
		u.renderProjector(&canvas)

		key := u.debug.WaitKey(int(rig.ProjectorInterval.Milliseconds()))
		if quit := u.handleKey(key); quit {
			return nil
		}
	}
	return ctx.Err()
}

func (u *ui) renderDebug() {
	frame, err := u.session.DetectionFrame()
	if err != nil {
		waiting := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
		defer waiting.Close()
		gocv.PutText(&waiting, "Please wait...", image.Pt(240, 240),
			gocv.FontHersheyPlain, 1.5, rig.HandleColor(rig.CornerBL), 2)
		u.debug.IMShow(waiting)
		return
	}
	defer frame.Close()

	annotated, found := u.session.Calibrator().FindCorners(frame)
	if found {
		frame.Close()
		frame = annotated
	} else {
		annotated.Close()
	}

	blitOverlay(&frame, u.session.Table(), rig.SpaceCamera, u.bold || u.space == rig.SpaceCamera)
	u.drawStatus(&frame)
	u.debug.IMShow(frame)
}

func (u *ui) renderProjector(canvas *gocv.Mat) {
	canvas.SetTo(gocv.NewScalar(0, 0, 0, 0))
	blitOverlay(canvas, u.session.Table(), rig.SpaceProjector, u.bold || u.space == rig.SpaceProjector)

	table := u.session.Table()
	if !table.IsCalibrated() {
		u.projector.IMShow(*canvas)
		return
	}
	roi := table.ROI(rig.SpaceProjector)
	for _, pos := range u.markers {
		projPos, err := table.WarpGameToProjector(pos, true)
		if err != nil {
			break
		}
		center := image.Pt(int(projPos.X)+roi.MinX, int(projPos.Y)+roi.MinY)
		gocv.Circle(canvas, center, 12, rig.HandleColor(rig.CornerTR), 2)
	}
	u.projector.IMShow(*canvas)
}

func (u *ui) drawStatus(frame *gocv.Mat) {
	status := fmt.Sprintf("%s space:%s corner:%d cam:%v table:%v views:%v",
		u.session.FrameInfo(), u.space, u.corner,
		u.session.Camera().IsCalibrated(),
		u.session.Table().IsCalibrated(),
		u.session.Calibrator().Committed())
	gocv.PutText(frame, status, image.Pt(10, 20), gocv.FontHersheyPlain, 1.2, rig.HandleColor(rig.CornerBR), 1)
}

// blitOverlay copies the space's corner overlay onto dst at the overlay's
// padded ROI offset, masked by the overlay's own alpha.
func blitOverlay(dst *gocv.Mat, table *rig.Table, space rig.Space, bold bool) {
	img, roi := table.CornersOverlay(space, bold)
	rgba, ok := img.(*image.RGBA)
	if !ok {
		return
	}
	overlay, err := gocv.ImageToMatRGBA(rgba)
	if err != nil {
		return
	}
	defer overlay.Close()

	rect := roi.Rect().Intersect(image.Rect(0, 0, dst.Cols(), dst.Rows()))
	if rect.Empty() {
		return
	}

	channels := gocv.Split(overlay)
	defer func() {
		for _, ch := range channels {
			ch.Close()
		}
	}()
	if len(channels) != 4 {
		return
	}
	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(overlay, &bgr, gocv.ColorRGBAToBGR)

	src := bgr.Region(rect.Sub(image.Pt(roi.MinX, roi.MinY)))
	defer src.Close()
	mask := channels[3].Region(rect.Sub(image.Pt(roi.MinX, roi.MinY)))
	defer mask.Close()
	region := dst.Region(rect)
	defer region.Close()
	src.CopyToWithMask(&region, mask)
}

func (u *ui) handleKey(key int) bool {
	table := u.session.Table()
	switch key {
	case 27: // esc
		return true
	case '\t':
		if u.space == rig.SpaceCamera {
			u.space = rig.SpaceProjector
		} else {
			u.space = rig.SpaceCamera
		}
	case 'b':
		u.bold = !u.bold
	case 'q':
		u.corner = rig.CornerBL
	case 'w':
		u.corner = rig.CornerTL
	case 'e':
		u.corner = rig.CornerTR
	case 'r':
		u.corner = rig.CornerBR
	case 81, 2424832: // left
		u.nudge(-cornerStepPx, 0)
	case 82, 2490368: // up
		u.nudge(0, -cornerStepPx)
	case 83, 2555904: // right
		u.nudge(cornerStepPx, 0)
	case 84, 2621440: // down
		u.nudge(0, cornerStepPx)
	case '1':
		u.commitView(rig.ViewTop)
	case '2':
		u.commitView(rig.ViewFront)
	case '3':
		u.commitView(rig.ViewSide)
	case 'c':
		meanErr, err := u.session.CalibrateCamera()
		if err != nil {
			u.logger.Warnw("camera calibration failed", "error", err)
			break
		}
		u.logger.Infow("camera calibrated", "mean_reprojection_error_px", meanErr)
	case 'p':
		if err := u.session.PoseCamera(); err != nil {
			u.logger.Warnw("pose failed", "error", err)
		}
	case 't':
		if err := table.Calibrate(); err != nil {
			u.logger.Warnw("table calibration failed", "error", err)
		}
	case 'u':
		table.Uncalibrate()
	case 's':
		u.save()
	}
	return false
}

func (u *ui) nudge(dx, dy int) {
	table := u.session.Table()
	pt := table.Corners(u.space).At(u.corner)
	table.SetCorner(u.space, u.corner, pt.Add(image.Pt(dx, dy)))
}

func (u *ui) commitView(name string) {
	if err := u.session.Calibrator().CommitView(name); err != nil {
		u.logger.Warnw("commit view", "view", name, "error", err)
		return
	}
	u.logger.Infow("view committed", "view", name)
}

func (u *ui) save() {
	if *cameraFile != "" {
		if err := rig.SaveCamera(u.session.Camera(), *cameraFile); err != nil {
			u.logger.Warnw("saving camera", "error", err)
		}
	}
	if *tableFile != "" {
		if err := rig.SaveTable(u.session.Table(), *tableFile); err != nil {
			u.logger.Warnw("saving table", "error", err)
		}
	}
}

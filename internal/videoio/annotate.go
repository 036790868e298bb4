package videoio

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/rdcounter/rdcounter/internal/model"
)

// classPalette cycles a small fixed set of colors by class id so boxes
// of different classes are visually distinguishable without needing a
// full class-name/color config surface.
var classPalette = []color.RGBA{
	{R: 0, G: 200, B: 0, A: 0},
	{R: 220, G: 160, B: 0, A: 0},
	{R: 0, G: 120, B: 220, A: 0},
	{R: 200, G: 0, B: 160, A: 0},
}

// Annotator draws track boxes, the counting line, and count overlays
// onto a frame's pixel buffer, mutating it in place.
type Annotator struct{}

// AnnotateArgs bundles everything Annotate needs for one frame.
type AnnotateArgs struct {
	Tracks     []model.Track
	Line       model.Line
	EntryCount int64
	ExitCount  int64
	FrameIndex int64
}

// Annotate draws onto frame.Pix and returns the mutated frame.
func (Annotator) Annotate(frame model.Frame, args AnnotateArgs) (model.Frame, error) {
	mat, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Pix)
	if err != nil {
		return frame, fmt.Errorf("annotate: frame %d to mat: %w", frame.Index, err)
	}
	defer mat.Close()

	for _, tr := range args.Tracks {
		c := classPalette[int(tr.ClassID)%len(classPalette)]
		rect := image.Rect(tr.Box.X1, tr.Box.Y1, tr.Box.X2, tr.Box.Y2)
		gocv.Rectangle(&mat, rect, c, 2)
		label := fmt.Sprintf("#%d", tr.ID)
		gocv.PutText(&mat, label, image.Pt(tr.Box.X1, tr.Box.Y1-6), gocv.FontHersheySimplex, 0.5, c, 1)
	}

	lx1, ly1, lx2, ly2 := args.Line.ResolvePixels(frame.Width, frame.Height)
	gocv.Line(&mat, image.Pt(int(lx1), int(ly1)), image.Pt(int(lx2), int(ly2)), color.RGBA{R: 255, G: 0, B: 0, A: 0}, 2)

	overlay := fmt.Sprintf("in:%d out:%d frame:%d", args.EntryCount, args.ExitCount, args.FrameIndex)
	gocv.PutText(&mat, overlay, image.Pt(8, 20), gocv.FontHersheySimplex, 0.6, color.RGBA{R: 255, G: 255, B: 255, A: 0}, 2)

	frame.Pix = append(frame.Pix[:0], mat.ToBytes()...)
	return frame, nil
}

// CVJPEGEncoder implements JPEGEncoder via gocv.IMEncode.
type CVJPEGEncoder struct{}

func (CVJPEGEncoder) Encode(frame model.Frame, quality int) ([]byte, error) {
	mat, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Pix)
	if err != nil {
		return nil, fmt.Errorf("jpeg encode: frame %d to mat: %w", frame.Index, err)
	}
	defer mat.Close()

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}

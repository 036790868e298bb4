package videoio

import (
	"context"
	"fmt"
	"time"

	"gocv.io/x/gocv"

	"github.com/rdcounter/rdcounter/internal/model"
)

// FileDecoder decodes a FILE_VIDEO source via gocv's VideoCapture,
// opened against a file path rather than a live device index.
type FileDecoder struct {
	cap   *gocv.VideoCapture
	mat   gocv.Mat
	props model.StreamProperties
	total int64
	index int64
}

// OpenFile opens path for frame-by-frame decode.
func OpenFile(path string) (*FileDecoder, error) {
	cap, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("videoio: open %q: %w", path, err)
	}
	d := &FileDecoder{
		cap: cap,
		mat: gocv.NewMat(),
		props: model.StreamProperties{
			Width:  int(cap.Get(gocv.VideoCaptureFrameWidth)),
			Height: int(cap.Get(gocv.VideoCaptureFrameHeight)),
			FPS:    cap.Get(gocv.VideoCaptureFPS),
		},
		total: int64(cap.Get(gocv.VideoCaptureFrameCount)),
	}
	return d, nil
}

func (d *FileDecoder) Properties() model.StreamProperties { return d.props }
func (d *FileDecoder) TotalFrames() int64                 { return d.total }

func (d *FileDecoder) Read(ctx context.Context) (model.Frame, error) {
	if err := ctx.Err(); err != nil {
		return model.Frame{}, err
	}
	if ok := d.cap.Read(&d.mat); !ok || d.mat.Empty() {
		return model.Frame{}, ErrEOF
	}
	frame := model.Frame{
		Index:      d.index,
		Width:      d.mat.Cols(),
		Height:     d.mat.Rows(),
		CapturedAt: time.Now(),
		Pix:        append([]byte(nil), d.mat.ToBytes()...), // copy out of the reused Mat buffer
	}
	d.index++
	return frame, nil
}

// Seek repositions the decoder by deltaFrames relative to its current
// position, clamped to [0, total-1].
func (d *FileDecoder) Seek(deltaFrames int64) error {
	target := d.index + deltaFrames
	if target < 0 {
		target = 0
	}
	if d.total > 0 && target >= d.total {
		target = d.total - 1
	}
	if !d.cap.Set(gocv.VideoCapturePosFrames, float64(target)) {
		return fmt.Errorf("videoio: seek to frame %d failed", target)
	}
	d.index = target
	return nil
}

func (d *FileDecoder) Close() error {
	d.mat.Close()
	return d.cap.Close()
}

// FileEncoder appends annotated frames to an output video file via
// gocv's VideoWriter.
type FileEncoder struct {
	writer *gocv.VideoWriter
}

// NewFileEncoder opens path for writing at the given geometry and fps.
func NewFileEncoder(path string, width, height int, fps float64) (*FileEncoder, error) {
	if fps <= 0 {
		fps = 25
	}
	w, err := gocv.VideoWriterFile(path, "mp4v", fps, width, height, true)
	if err != nil {
		return nil, fmt.Errorf("videoio: open writer %q: %w", path, err)
	}
	return &FileEncoder{writer: w}, nil
}

func (e *FileEncoder) Write(frame model.Frame) error {
	mat, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Pix)
	if err != nil {
		return fmt.Errorf("videoio: frame %d to mat: %w", frame.Index, err)
	}
	defer mat.Close()
	return e.writer.Write(mat)
}

// Flush is a no-op for gocv's VideoWriter, which has no separate flush
// step; Close finalizes the container.
func (e *FileEncoder) Flush() error { return nil }

func (e *FileEncoder) Close() error { return e.writer.Close() }

// StillImageDecoder wraps a single still image as a one-frame source,
// used for the uploaded-still-image ingest path.
type StillImageDecoder struct {
	frame model.Frame
	read  bool
	props model.StreamProperties
}

// OpenStillImage decodes a single image file into a one-frame Decoder.
func OpenStillImage(path string) (*StillImageDecoder, error) {
	mat := gocv.IMRead(path, gocv.IMReadColor)
	if mat.Empty() {
		return nil, fmt.Errorf("videoio: failed to decode image %q", path)
	}
	defer mat.Close()
	frame := model.Frame{
		Index:      0,
		Width:      mat.Cols(),
		Height:     mat.Rows(),
		CapturedAt: time.Now(),
		Pix:        append([]byte(nil), mat.ToBytes()...),
	}
	return &StillImageDecoder{
		frame: frame,
		props: model.StreamProperties{Width: frame.Width, Height: frame.Height, FPS: 0},
	}, nil
}

func (d *StillImageDecoder) Properties() model.StreamProperties { return d.props }
func (d *StillImageDecoder) TotalFrames() int64                 { return 1 }
func (d *StillImageDecoder) Seek(int64) error                   { return fmt.Errorf("videoio: seek not supported on a still image") }
func (d *StillImageDecoder) Close() error                       { return nil }

func (d *StillImageDecoder) Read(ctx context.Context) (model.Frame, error) {
	if err := ctx.Err(); err != nil {
		return model.Frame{}, err
	}
	if d.read {
		return model.Frame{}, ErrEOF
	}
	d.read = true
	return d.frame, nil
}

// Package videoio defines the decoder/encoder capabilities a JobWorker
// drives: pulling frames from a FILE_VIDEO or RTSP_STREAM source, and
// (FILE_VIDEO only) writing annotated frames back out to a video file.
package videoio

import (
	"context"
	"errors"

	"github.com/rdcounter/rdcounter/internal/model"
)

// ErrEOF is returned by Decoder.Read once a FILE_VIDEO source is
// exhausted. RTSP_STREAM decoders never return it.
var ErrEOF = errors.New("videoio: end of stream")

// Decoder pulls successive frames from a video source. Close releases
// the underlying OS/socket/decoder resource and must be safe to call
// more than once.
type Decoder interface {
	Read(ctx context.Context) (model.Frame, error)
	// Properties returns the source's geometry once known (after the
	// first successful Read at the latest).
	Properties() model.StreamProperties
	// TotalFrames returns the decoder's frame count if known (FILE_VIDEO),
	// or 0 if undefined (RTSP_STREAM).
	TotalFrames() int64
	// Seek repositions a FILE_VIDEO decoder by deltaFrames relative to
	// its current position; RTSP_STREAM decoders return an error.
	Seek(deltaFrames int64) error
	Close() error
}

// Encoder appends annotated frames to an output video file. Flush must
// be called before Close to guarantee the container trailer is written.
type Encoder interface {
	Write(frame model.Frame) error
	Flush() error
	Close() error
}

// JPEGEncoder compresses a single annotated frame to JPEG bytes at the
// configured quality, used for the FrameBroadcaster payload.
type JPEGEncoder interface {
	Encode(frame model.Frame, quality int) ([]byte, error)
}

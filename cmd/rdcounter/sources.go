package main

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/rdcounter/rdcounter/internal/videoio"
	"github.com/rdcounter/rdcounter/internal/videoio/rtsp"
)

var stillImageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
}

// fileSourceOpener implements job.SourceOpener against the gocv-backed
// file decoder/encoder and the gortsplib-backed RTSP decoder, the
// concrete wiring the job package's interface exists to keep out of
// internal/job itself.
type fileSourceOpener struct{}

func (fileSourceOpener) OpenFileVideo(ctx context.Context, path string) (videoio.Decoder, error) {
	if stillImageExts[strings.ToLower(filepath.Ext(path))] {
		return videoio.OpenStillImage(path)
	}
	return videoio.OpenFile(path)
}

func (fileSourceOpener) OpenRTSP(ctx context.Context, url string) (videoio.Decoder, error) {
	return rtsp.Dial(ctx, url)
}

func (fileSourceOpener) NewOutputEncoder(path string, width, height int, fps float64) (videoio.Encoder, error) {
	return videoio.NewFileEncoder(path, width, height, fps)
}

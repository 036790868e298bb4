// Package rtsp implements the RTSP_STREAM source kind: dial, describe,
// play, and depacketize an MJPEG-over-RTP media stream into frames
// using gortsplib's client and mediacommon's MJPEG depacketizer. H.264
// sources are out of scope for this first cut (see DESIGN.md); cameras
// that only offer H.264 need an external MJPEG-remuxing hop (e.g.
// ffmpeg) in front of this reader.
package rtsp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/mediacommon/pkg/codecs/mjpeg"
	"github.com/pion/rtp"

	"gocv.io/x/gocv"

	"github.com/rdcounter/rdcounter/internal/model"
	"github.com/rdcounter/rdcounter/internal/videoio"
)

// Decoder reads frames from a live RTSP camera. It implements
// videoio.Decoder; Seek always fails since live streams have no
// addressable frame offset.
type Decoder struct {
	client *gortsplib.Client
	medi   *description.Media
	forma  *format.MJPEG
	depk   *mjpeg.Decoder

	mu      sync.Mutex
	pending chan decodedFrame
	props   model.StreamProperties
	index   int64
	closed  bool
}

type decodedFrame struct {
	jpeg []byte
	pts  time.Duration
}

// Dial connects to url and sets up the first MJPEG media found in the
// SDP description, matching the "single MJPEG track" assumption this
// service makes about camera sources.
func Dial(ctx context.Context, url string) (*Decoder, error) {
	client := &gortsplib.Client{}
	if err := client.Start2(url); err != nil {
		return nil, fmt.Errorf("rtsp: connect %q: %w", url, err)
	}

	desc, err := client.Describe2(url)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("rtsp: describe %q: %w", url, err)
	}

	var forma *format.MJPEG
	medi := desc.FindFormat(&forma)
	if medi == nil {
		client.Close()
		return nil, fmt.Errorf("rtsp: %q has no MJPEG media track", url)
	}

	if _, err := client.Setup2(desc.BaseURL, medi); err != nil {
		client.Close()
		return nil, fmt.Errorf("rtsp: setup %q: %w", url, err)
	}

	d := &Decoder{
		client:  client,
		medi:    medi,
		forma:   forma,
		depk:    &mjpeg.Decoder{},
		pending: make(chan decodedFrame, 4),
	}
	d.depk.Init()

	client.OnPacketRTP(medi, forma, func(pkt *rtp.Packet) {
		frames, err := d.depk.Decode(pkt)
		if err != nil {
			return
		}
		for _, f := range frames {
			select {
			case d.pending <- decodedFrame{jpeg: f}:
			default:
				// drop oldest-style backpressure: a slow consumer must
				// not stall the RTP receive loop.
				select {
				case <-d.pending:
				default:
				}
				d.pending <- decodedFrame{jpeg: f}
			}
		}
	})

	if _, err := client.Play(nil); err != nil {
		client.Close()
		return nil, fmt.Errorf("rtsp: play %q: %w", url, err)
	}

	return d, nil
}

func (d *Decoder) Properties() model.StreamProperties {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.props
}

// TotalFrames is always 0: a live stream has no defined length.
func (d *Decoder) TotalFrames() int64 { return 0 }

// Seek is never supported on a live stream.
func (d *Decoder) Seek(int64) error {
	return fmt.Errorf("rtsp: seek is not supported on a live stream")
}

func (d *Decoder) Read(ctx context.Context) (model.Frame, error) {
	select {
	case df, ok := <-d.pending:
		if !ok {
			return model.Frame{}, videoio.ErrEOF
		}
		mat, err := gocv.IMDecode(df.jpeg, gocv.IMReadColor)
		if err != nil {
			return model.Frame{}, fmt.Errorf("rtsp: decode mjpeg payload: %w", err)
		}
		defer mat.Close()

		frame := model.Frame{
			Index:      d.index,
			Width:      mat.Cols(),
			Height:     mat.Rows(),
			CapturedAt: time.Now(),
			Pix:        append([]byte(nil), mat.ToBytes()...),
		}
		d.index++

		d.mu.Lock()
		if d.props.Width == 0 {
			d.props = model.StreamProperties{Width: frame.Width, Height: frame.Height}
		}
		d.mu.Unlock()

		return frame, nil
	case <-ctx.Done():
		return model.Frame{}, ctx.Err()
	}
}

func (d *Decoder) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	d.client.Close()
	return nil
}

// Probe performs the POST /rtsp/test pre-flight check: dial, read one
// frame to establish geometry, then disconnect.
func Probe(ctx context.Context, url string, timeout time.Duration) (model.StreamProperties, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dec, err := Dial(dialCtx, url)
	if err != nil {
		return model.StreamProperties{}, err
	}
	defer dec.Close()

	readCtx, cancel2 := context.WithTimeout(ctx, timeout)
	defer cancel2()
	frame, err := dec.Read(readCtx)
	if err != nil {
		return model.StreamProperties{}, fmt.Errorf("rtsp: probe read: %w", err)
	}
	return model.StreamProperties{Width: frame.Width, Height: frame.Height}, nil
}

package detector

import (
	"context"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/rdcounter/rdcounter/internal/model"
)

// DNNDetector runs a pretrained OpenCV DNN network (ONNX/Darknet/
// Caffe — whatever gocv.ReadNet accepts) over each frame. It is the
// concrete Detector this service ships with; model architecture and
// training remain entirely out of scope, this is only the inference
// glue. gocv's net handle is not safe for concurrent Forward calls, so
// callers should wrap a DNNDetector in a SerializingDetector.
type DNNDetector struct {
	net           gocv.Net
	inputSize     int
	scaleFactor   float64
	mean          gocv.Scalar
	swapRB        bool
	outputClasses int
}

// DNNConfig configures how frames are preprocessed for the network.
type DNNConfig struct {
	ModelPath   string
	ConfigPath  string // empty for single-file formats (ONNX)
	InputSize   int     // square blob side, e.g. 640
	ScaleFactor float64 // e.g. 1/255.0
	SwapRB      bool
}

// NewDNNDetector loads the network from disk. The network runs on the
// default backend with a CPU target; DNNDetector exposes no way to
// change either.
func NewDNNDetector(cfg DNNConfig) (*DNNDetector, error) {
	net := gocv.ReadNet(cfg.ModelPath, cfg.ConfigPath)
	if net.Empty() {
		return nil, fmt.Errorf("detector: failed to load network from %q", cfg.ModelPath)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	size := cfg.InputSize
	if size == 0 {
		size = 640
	}
	scale := cfg.ScaleFactor
	if scale == 0 {
		scale = 1.0 / 255.0
	}
	return &DNNDetector{
		net:         net,
		inputSize:   size,
		scaleFactor: scale,
		mean:        gocv.NewScalar(0, 0, 0, 0),
		swapRB:      cfg.SwapRB,
	}, nil
}

// Close releases the network's native resources.
func (d *DNNDetector) Close() error { return d.net.Close() }

// Detect converts the frame to a gocv.Mat, runs it through the network
// as a blob, and decodes raw bounding boxes back to pixel coordinates.
// class_id filtering and confidence thresholding are left to the
// caller (detector.Filter), matching the contract in detector.go.
func (d *DNNDetector) Detect(ctx context.Context, frame model.Frame) ([]model.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if frame.Width == 0 || frame.Height == 0 || len(frame.Pix) == 0 {
		return nil, fmt.Errorf("detector: empty frame at index %d", frame.Index)
	}

	mat, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Pix)
	if err != nil {
		return nil, fmt.Errorf("detector: frame %d to mat: %w", frame.Index, err)
	}
	defer mat.Close()

	blob := gocv.BlobFromImage(mat, d.scaleFactor, image.Pt(d.inputSize, d.inputSize), d.mean, d.swapRB, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	return decodeDetections(out, frame.Width, frame.Height), nil
}

// decodeDetections interprets a standard SSD-style [1,1,N,7] output
// tensor: each row is [batchID, classID, confidence, x1, y1, x2, y2] in
// normalized [0,1] coordinates, which is the shape most OpenCV-zoo
// detection exports (MobileNet-SSD, YOLO-exported-to-ONNX-with-NMS)
// produce. Detectors with a different output layout need their own
// decode step; this one covers the common case.
func decodeDetections(out gocv.Mat, width, height int) []model.Detection {
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil
	}
	rows := len(data) / 7

	dets := make([]model.Detection, 0, rows)
	for i := 0; i < rows; i++ {
		base := i * 7
		if base+6 >= len(data) {
			break
		}
		classID := int(data[base+1])
		conf := float64(data[base+2])
		x1 := int(data[base+3] * float32(width))
		y1 := int(data[base+4] * float32(height))
		x2 := int(data[base+5] * float32(width))
		y2 := int(data[base+6] * float32(height))
		box := model.Bbox{X1: x1, Y1: y1, X2: x2, Y2: y2}
		if !box.Valid() {
			continue
		}
		dets = append(dets, model.Detection{Box: box, Confidence: conf, ClassID: classID})
	}
	return dets
}

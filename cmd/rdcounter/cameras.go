package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/rdcounter/rdcounter/internal/model"
)

// cameraPresets is an optional TOML file listing named RTSP sources so
// operators can POST /jobs/rtsp from a short name instead of retyping
// a full camera_id/rtsp_url/line triple.
//
//	[[camera]]
//	name = "front-door"
//	camera_id = "cam-1"
//	rtsp_url = "rtsp://192.0.2.10/stream1"
//	count_enabled = true
//	[camera.line]
//	x1 = 50.0
//	y1 = 0.0
//	x2 = 50.0
//	y2 = 100.0
type cameraPresets struct {
	Camera []cameraPreset `toml:"camera"`
}

type cameraPreset struct {
	Name         string         `toml:"name"`
	CameraID     string         `toml:"camera_id"`
	RTSPUrl      string         `toml:"rtsp_url"`
	CountEnabled bool           `toml:"count_enabled"`
	Line         cameraLineToml `toml:"line"`
}

type cameraLineToml struct {
	X1        float64 `toml:"x1"`
	Y1        float64 `toml:"y1"`
	X2        float64 `toml:"x2"`
	Y2        float64 `toml:"y2"`
	Threshold float64 `toml:"threshold"`
}

// loadCameraPresets reads path if it exists; a missing path is not an
// error.
func loadCameraPresets(path string) (*cameraPresets, error) {
	presets := &cameraPresets{}
	if path == "" {
		return presets, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return presets, nil
	}
	if _, err := toml.DecodeFile(path, presets); err != nil {
		return nil, fmt.Errorf("parsing camera presets %q: %w", path, err)
	}
	for _, c := range presets.Camera {
		if c.Name == "" || c.CameraID == "" || c.RTSPUrl == "" {
			return nil, fmt.Errorf("camera preset missing name/camera_id/rtsp_url: %+v", c)
		}
	}
	return presets, nil
}

func (p *cameraPresets) find(name string) (cameraPreset, bool) {
	for _, c := range p.Camera {
		if c.Name == name {
			return c, true
		}
	}
	return cameraPreset{}, false
}

// presetToDescriptor converts a camera preset into the job descriptor
// Manager.Submit expects.
func presetToDescriptor(c cameraPreset) model.JobDescriptor {
	var line model.Line
	if c.CountEnabled {
		line = model.Line{
			ID:                c.CameraID,
			X1:                c.Line.X1,
			Y1:                c.Line.Y1,
			X2:                c.Line.X2,
			Y2:                c.Line.Y2,
			CrossingThreshold: c.Line.Threshold,
		}
	}
	return model.JobDescriptor{
		Kind:         model.KindRTSP,
		Source:       c.RTSPUrl,
		CameraID:     c.CameraID,
		CountEnabled: c.CountEnabled,
		Line:         line,
	}
}

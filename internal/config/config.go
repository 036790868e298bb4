// Package config loads and validates the process configuration
// envelope: every field is a pointer and optional, missing fields fall
// back to documented defaults, and a loaded file is validated before
// any job may use it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rdcounter/rdcounter/internal/model"
)

// Config is the root process configuration envelope.
type Config struct {
	MaxConcurrentJobs     *int     `json:"max_concurrent_jobs,omitempty"`
	RTSPReconnectAttempts *int     `json:"rtsp_reconnect_attempts,omitempty"`
	RTSPReconnectDelayS   *float64 `json:"rtsp_reconnect_delay_s,omitempty"`
	RTSPFPSCap            *float64 `json:"rtsp_fps_cap,omitempty"`
	JPEGQuality           *int     `json:"jpeg_quality,omitempty"`
	TrackIoUMin           *float64 `json:"track_iou_min,omitempty"`
	TrackMissMax          *int     `json:"track_miss_max,omitempty"`
	TrackHistoryLen       *int     `json:"track_history_len,omitempty"`
	CrossingThresholdPx   *float64 `json:"crossing_threshold_px,omitempty"`
	MinDetConf            *float64 `json:"min_det_conf,omitempty"`
	JobRetentionMinutes   *float64 `json:"job_retention_minutes,omitempty"`
	ControlQueueCap       *int     `json:"control_queue_cap,omitempty"`
	ReversalPolicy        *string  `json:"reversal_policy,omitempty"`
	GracePeriodS          *float64 `json:"grace_period_s,omitempty"`
	DrainPeriodS          *float64 `json:"drain_period_s,omitempty"`
}

func ptrInt(v int) *int         { return &v }
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string   { return &v }

// Empty returns a Config with every field nil; use Load to populate
// from a file or Default for the documented defaults.
func Empty() *Config { return &Config{} }

// Default returns the documented default configuration.
func Default() *Config {
	return &Config{
		MaxConcurrentJobs:     ptrInt(4),
		RTSPReconnectAttempts: ptrInt(3),
		RTSPReconnectDelayS:   ptrFloat64(5),
		RTSPFPSCap:            ptrFloat64(0),
		JPEGQuality:           ptrInt(85),
		TrackIoUMin:           ptrFloat64(0.3),
		TrackMissMax:          ptrInt(30),
		TrackHistoryLen:       ptrInt(30),
		CrossingThresholdPx:   ptrFloat64(5),
		MinDetConf:            ptrFloat64(0.3),
		JobRetentionMinutes:   ptrFloat64(30),
		ControlQueueCap:       ptrInt(8),
		ReversalPolicy:        ptrString(string(model.FirstOnly)),
		GracePeriodS:          ptrFloat64(10),
		DrainPeriodS:          ptrFloat64(15),
	}
}

// Load reads a JSON config file, validates it, and merges it over the
// documented defaults (fields absent from the file keep their default).
// An empty path returns Default() unchanged.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate rejects out-of-range values. Fields left nil are not checked
// here; Get* accessors supply their defaults lazily.
func (c *Config) Validate() error {
	if c.MaxConcurrentJobs != nil && *c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("max_concurrent_jobs must be >= 1, got %d", *c.MaxConcurrentJobs)
	}
	if c.RTSPReconnectAttempts != nil && *c.RTSPReconnectAttempts < 0 {
		return fmt.Errorf("rtsp_reconnect_attempts must be >= 0, got %d", *c.RTSPReconnectAttempts)
	}
	if c.JPEGQuality != nil && (*c.JPEGQuality < 1 || *c.JPEGQuality > 100) {
		return fmt.Errorf("jpeg_quality must be in [1,100], got %d", *c.JPEGQuality)
	}
	if c.TrackIoUMin != nil && (*c.TrackIoUMin < 0 || *c.TrackIoUMin > 1) {
		return fmt.Errorf("track_iou_min must be in [0,1], got %f", *c.TrackIoUMin)
	}
	if c.TrackMissMax != nil && *c.TrackMissMax < 1 {
		return fmt.Errorf("track_miss_max must be >= 1, got %d", *c.TrackMissMax)
	}
	if c.MinDetConf != nil && (*c.MinDetConf < 0 || *c.MinDetConf > 1) {
		return fmt.Errorf("min_det_conf must be in [0,1], got %f", *c.MinDetConf)
	}
	if c.ControlQueueCap != nil && *c.ControlQueueCap < 1 {
		return fmt.Errorf("control_queue_cap must be >= 1, got %d", *c.ControlQueueCap)
	}
	if c.ReversalPolicy != nil {
		switch model.ReversalPolicy(*c.ReversalPolicy) {
		case model.AllowReversal, model.FirstOnly:
		default:
			return fmt.Errorf("reversal_policy must be ALLOW_REVERSAL or FIRST_ONLY, got %q", *c.ReversalPolicy)
		}
	}
	return nil
}

func (c *Config) GetMaxConcurrentJobs() int {
	if c.MaxConcurrentJobs == nil {
		return 4
	}
	return *c.MaxConcurrentJobs
}

func (c *Config) GetRTSPReconnectAttempts() int {
	if c.RTSPReconnectAttempts == nil {
		return 3
	}
	return *c.RTSPReconnectAttempts
}

func (c *Config) GetRTSPReconnectDelayS() float64 {
	if c.RTSPReconnectDelayS == nil {
		return 5
	}
	return *c.RTSPReconnectDelayS
}

func (c *Config) GetJPEGQuality() int {
	if c.JPEGQuality == nil {
		return 85
	}
	return *c.JPEGQuality
}

func (c *Config) GetRTSPFPSCap() float64 {
	if c.RTSPFPSCap == nil {
		return 0
	}
	return *c.RTSPFPSCap
}

func (c *Config) GetTrackIoUMin() float64 {
	if c.TrackIoUMin == nil {
		return 0.3
	}
	return *c.TrackIoUMin
}

func (c *Config) GetTrackMissMax() int {
	if c.TrackMissMax == nil {
		return 30
	}
	return *c.TrackMissMax
}

func (c *Config) GetTrackHistoryLen() int {
	if c.TrackHistoryLen == nil {
		return 30
	}
	return *c.TrackHistoryLen
}

func (c *Config) GetCrossingThresholdPx() float64 {
	if c.CrossingThresholdPx == nil {
		return 5
	}
	return *c.CrossingThresholdPx
}

func (c *Config) GetMinDetConf() float64 {
	if c.MinDetConf == nil {
		return 0.3
	}
	return *c.MinDetConf
}

func (c *Config) GetJobRetentionMinutes() float64 {
	if c.JobRetentionMinutes == nil {
		return 30
	}
	return *c.JobRetentionMinutes
}

func (c *Config) GetControlQueueCap() int {
	if c.ControlQueueCap == nil {
		return 8
	}
	return *c.ControlQueueCap
}

func (c *Config) GetReversalPolicy() model.ReversalPolicy {
	if c.ReversalPolicy == nil {
		return model.FirstOnly
	}
	return model.ReversalPolicy(*c.ReversalPolicy)
}

func (c *Config) GetGracePeriodS() float64 {
	if c.GracePeriodS == nil {
		return 10
	}
	return *c.GracePeriodS
}

func (c *Config) GetDrainPeriodS() float64 {
	if c.DrainPeriodS == nil {
		return 15
	}
	return *c.DrainPeriodS
}

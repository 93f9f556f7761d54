// Package config loads the census tuning configuration.
//
// The schema matches the /api/config endpoint so the same JSON can be used
// for startup configuration and for inspecting the running values. Fields
// omitted from the JSON file retain their documented defaults; invalid
// values are rejected at load time, never clamped.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config represents the root tuning configuration for the census pipeline.
type Config struct {
	// Detector cascade params
	PersonConfidence *float64 `json:"person_confidence,omitempty"`
	FaceConfidence   *float64 `json:"face_confidence,omitempty"`
	GenderConfidence *float64 `json:"gender_confidence,omitempty"`
	OverlapIoU       *float64 `json:"overlap_iou,omitempty"`

	// Tracker params
	MatchDistance  *float64 `json:"match_distance,omitempty"`
	MaxDisappeared *int     `json:"max_disappeared,omitempty"`
	VoteWindow     *int     `json:"vote_window,omitempty"`

	// Producer loop params
	FrameSkip          *int    `json:"frame_skip,omitempty"`
	CaptureTimeout     *string `json:"capture_timeout,omitempty"` // duration string like "2s"
	MaxCaptureFailures *int    `json:"max_capture_failures,omitempty"`

	// Ad-trigger gate params
	AdDwell       *string `json:"ad_dwell,omitempty"`        // duration string like "2s"
	AdMinInterval *string `json:"ad_min_interval,omitempty"` // duration string like "15s"

	// Analytics / broadcast params
	HistoryWindow     *int    `json:"history_window,omitempty"`
	BroadcastInterval *string `json:"broadcast_interval,omitempty"`

	// Annotated stream params
	JPEGQuality *int `json:"jpeg_quality,omitempty"`

	// Capture params
	CameraWidth  *int     `json:"camera_width,omitempty"`
	CameraHeight *int     `json:"camera_height,omitempty"`
	TargetFPS    *float64 `json:"target_fps,omitempty"`
}

// Empty returns a Config with all fields unset so every Get* accessor
// falls back to its default.
func Empty() *Config {
	return &Config{}
}

// Load reads a Config from a JSON file. Partial configs are safe: omitted
// fields keep their defaults. The file must have a .json extension and be
// under the max file size.
func Load(path string) (*Config, error) {
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

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that configured values are usable. Bad values are an
// error, not a clamp: a census run with a silently corrected threshold is
// worse than one that refuses to start.
func (c *Config) Validate() error {
	checkUnit := func(name string, v *float64) error {
		if v != nil && (*v < 0 || *v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, *v)
		}
		return nil
	}
	if err := checkUnit("person_confidence", c.PersonConfidence); err != nil {
		return err
	}
	if err := checkUnit("face_confidence", c.FaceConfidence); err != nil {
		return err
	}
	if err := checkUnit("gender_confidence", c.GenderConfidence); err != nil {
		return err
	}
	if err := checkUnit("overlap_iou", c.OverlapIoU); err != nil {
		return err
	}

	if c.MatchDistance != nil && *c.MatchDistance <= 0 {
		return fmt.Errorf("match_distance must be positive, got %f", *c.MatchDistance)
	}
	if c.MaxDisappeared != nil && *c.MaxDisappeared < 0 {
		return fmt.Errorf("max_disappeared must be non-negative, got %d", *c.MaxDisappeared)
	}
	if c.VoteWindow != nil && *c.VoteWindow < 1 {
		return fmt.Errorf("vote_window must be >= 1, got %d", *c.VoteWindow)
	}
	if c.FrameSkip != nil && *c.FrameSkip < 1 {
		return fmt.Errorf("frame_skip must be >= 1, got %d", *c.FrameSkip)
	}
	if c.MaxCaptureFailures != nil && *c.MaxCaptureFailures < 1 {
		return fmt.Errorf("max_capture_failures must be >= 1, got %d", *c.MaxCaptureFailures)
	}
	if c.HistoryWindow != nil && *c.HistoryWindow < 1 {
		return fmt.Errorf("history_window must be >= 1, got %d", *c.HistoryWindow)
	}
	if c.JPEGQuality != nil && (*c.JPEGQuality < 1 || *c.JPEGQuality > 100) {
		return fmt.Errorf("jpeg_quality must be between 1 and 100, got %d", *c.JPEGQuality)
	}
	if c.CameraWidth != nil && *c.CameraWidth < 1 {
		return fmt.Errorf("camera_width must be positive, got %d", *c.CameraWidth)
	}
	if c.CameraHeight != nil && *c.CameraHeight < 1 {
		return fmt.Errorf("camera_height must be positive, got %d", *c.CameraHeight)
	}
	if c.TargetFPS != nil && *c.TargetFPS <= 0 {
		return fmt.Errorf("target_fps must be positive, got %f", *c.TargetFPS)
	}

	for name, v := range map[string]*string{
		"capture_timeout":    c.CaptureTimeout,
		"ad_dwell":           c.AdDwell,
		"ad_min_interval":    c.AdMinInterval,
		"broadcast_interval": c.BroadcastInterval,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}

	return nil
}

// GetPersonConfidence returns the person detection threshold or the default.
func (c *Config) GetPersonConfidence() float64 {
	if c.PersonConfidence == nil {
		return 0.75
	}
	return *c.PersonConfidence
}

// GetFaceConfidence returns the face detection threshold or the default.
func (c *Config) GetFaceConfidence() float64 {
	if c.FaceConfidence == nil {
		return 0.60
	}
	return *c.FaceConfidence
}

// GetGenderConfidence returns the gender classification threshold or the default.
func (c *Config) GetGenderConfidence() float64 {
	if c.GenderConfidence == nil {
		return 0.75
	}
	return *c.GenderConfidence
}

// GetOverlapIoU returns the duplicate-suppression IoU limit or the default.
func (c *Config) GetOverlapIoU() float64 {
	if c.OverlapIoU == nil {
		return 0.4
	}
	return *c.OverlapIoU
}

// GetMatchDistance returns the association distance threshold in pixels.
func (c *Config) GetMatchDistance() float64 {
	if c.MatchDistance == nil {
		return 150
	}
	return *c.MatchDistance
}

// GetMaxDisappeared returns the disappearance grace period in cycles.
func (c *Config) GetMaxDisappeared() int {
	if c.MaxDisappeared == nil {
		return 50
	}
	return *c.MaxDisappeared
}

// GetVoteWindow returns the gender vote window size.
func (c *Config) GetVoteWindow() int {
	if c.VoteWindow == nil {
		return 20
	}
	return *c.VoteWindow
}

// GetFrameSkip returns the detection frame-skip interval. A value of n
// means every n-th captured frame runs the cascade.
func (c *Config) GetFrameSkip() int {
	if c.FrameSkip == nil {
		return 2
	}
	return *c.FrameSkip
}

// GetCaptureTimeout returns the per-frame capture deadline.
func (c *Config) GetCaptureTimeout() time.Duration {
	return c.duration(c.CaptureTimeout, 2*time.Second)
}

// GetMaxCaptureFailures returns the consecutive capture failure budget.
func (c *Config) GetMaxCaptureFailures() int {
	if c.MaxCaptureFailures == nil {
		return 30
	}
	return *c.MaxCaptureFailures
}

// GetAdDwell returns how long a dominant gender must hold before a trigger.
func (c *Config) GetAdDwell() time.Duration {
	return c.duration(c.AdDwell, 2*time.Second)
}

// GetAdMinInterval returns the minimum spacing between trigger signals.
func (c *Config) GetAdMinInterval() time.Duration {
	return c.duration(c.AdMinInterval, 15*time.Second)
}

// GetHistoryWindow returns the bounded count-history length.
func (c *Config) GetHistoryWindow() int {
	if c.HistoryWindow == nil {
		return 300
	}
	return *c.HistoryWindow
}

// GetBroadcastInterval returns the count broadcast cadence.
func (c *Config) GetBroadcastInterval() time.Duration {
	return c.duration(c.BroadcastInterval, time.Second)
}

// GetJPEGQuality returns the annotated stream JPEG quality.
func (c *Config) GetJPEGQuality() int {
	if c.JPEGQuality == nil {
		return 80
	}
	return *c.JPEGQuality
}

// GetCameraWidth returns the capture width in pixels.
func (c *Config) GetCameraWidth() int {
	if c.CameraWidth == nil {
		return 1280
	}
	return *c.CameraWidth
}

// GetCameraHeight returns the capture height in pixels.
func (c *Config) GetCameraHeight() int {
	if c.CameraHeight == nil {
		return 720
	}
	return *c.CameraHeight
}

// GetTargetFPS returns the capture frame rate.
func (c *Config) GetTargetFPS() float64 {
	if c.TargetFPS == nil {
		return 15
	}
	return *c.TargetFPS
}

func (c *Config) duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

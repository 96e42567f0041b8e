package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical analytics defaults file.
const DefaultConfigPath = "config/analytics.defaults.json"

// AnalyticsConfig holds the crowd analytics and job service settings.
// Every field is optional; the Get* methods supply defaults for fields
// left out of the JSON file.
type AnalyticsConfig struct {
	// Social distance
	SocialDistanceCheck *bool    `json:"social_distance_check,omitempty"`
	SocialDistance      *float64 `json:"social_distance,omitempty"` // pixels
	HighCamera          *bool    `json:"high_camera,omitempty"`

	// Abnormal activity
	AbnormalCheck     *bool    `json:"abnormal_check,omitempty"`
	AbnormalEnergy    *float64 `json:"abnormal_energy,omitempty"`
	AbnormalThreshold *float64 `json:"abnormal_thresh,omitempty"`
	AbnormalMinPeople *int     `json:"abnormal_min_people,omitempty"`

	// Restricted entry window, "HH:MM" or "HH:MM:SS"
	RestrictedCheck *bool   `json:"restricted_check,omitempty"`
	RestrictedStart *string `json:"restricted_start,omitempty"`
	RestrictedEnd   *string `json:"restricted_end,omitempty"`

	// Overlay
	ShowDetect         *bool `json:"show_detect,omitempty"`
	ShowViolationCount *bool `json:"show_violation_count,omitempty"`
	ShowTrackingID     *bool `json:"show_tracking_id,omitempty"`

	// Recording
	DataRecordRate *float64 `json:"data_record_rate,omitempty"` // samples per second
	FrameSize      *int     `json:"frame_size,omitempty"`
	TrackMaxAge    *int     `json:"track_max_age,omitempty"`
	MovementWindow *int     `json:"movement_window,omitempty"`

	// Job service
	Workers       *int    `json:"workers,omitempty"`
	QueueSize     *int    `json:"queue_size,omitempty"`
	UploadLimitMB *int64  `json:"upload_limit_mb,omitempty"`
	PreviewEvery  *int    `json:"preview_every,omitempty"`
	JobTimeout    *string `json:"job_timeout,omitempty"` // duration string, empty for none
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyAnalyticsConfig returns a config with every field unset.
func EmptyAnalyticsConfig() *AnalyticsConfig {
	return &AnalyticsConfig{}
}

// LoadAnalyticsConfig loads and validates a JSON config file. The file
// must have a .json extension and be under 1MB.
func LoadAnalyticsConfig(path string) (*AnalyticsConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyAnalyticsConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the working directory
// or one of its parents. Intended for tests; panics when not found.
func MustLoadDefaultConfig() *AnalyticsConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadAnalyticsConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the set fields.
func (c *AnalyticsConfig) Validate() error {
	if c.SocialDistance != nil && *c.SocialDistance < 0 {
		return fmt.Errorf("social_distance must be non-negative, got %f", *c.SocialDistance)
	}
	if c.AbnormalEnergy != nil && *c.AbnormalEnergy < 0 {
		return fmt.Errorf("abnormal_energy must be non-negative, got %f", *c.AbnormalEnergy)
	}
	if c.AbnormalThreshold != nil && (*c.AbnormalThreshold < 0 || *c.AbnormalThreshold > 1) {
		return fmt.Errorf("abnormal_thresh must be between 0 and 1, got %f", *c.AbnormalThreshold)
	}
	if c.AbnormalMinPeople != nil && *c.AbnormalMinPeople < 0 {
		return fmt.Errorf("abnormal_min_people must be non-negative, got %d", *c.AbnormalMinPeople)
	}
	for name, v := range map[string]*string{"restricted_start": c.RestrictedStart, "restricted_end": c.RestrictedEnd} {
		if v == nil {
			continue
		}
		if _, err := parseClock(*v); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, *v, err)
		}
	}
	if c.DataRecordRate != nil && *c.DataRecordRate <= 0 {
		return fmt.Errorf("data_record_rate must be positive, got %f", *c.DataRecordRate)
	}
	if c.FrameSize != nil && (*c.FrameSize < 480 || *c.FrameSize > 1920) {
		return fmt.Errorf("frame_size must be between 480 and 1920, got %d", *c.FrameSize)
	}
	if c.TrackMaxAge != nil && *c.TrackMaxAge < 1 {
		return fmt.Errorf("track_max_age must be at least 1, got %d", *c.TrackMaxAge)
	}
	if c.MovementWindow != nil && *c.MovementWindow < 1 {
		return fmt.Errorf("movement_window must be at least 1, got %d", *c.MovementWindow)
	}
	if c.Workers != nil && *c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", *c.Workers)
	}
	if c.QueueSize != nil && *c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", *c.QueueSize)
	}
	if c.UploadLimitMB != nil && *c.UploadLimitMB < 1 {
		return fmt.Errorf("upload_limit_mb must be at least 1, got %d", *c.UploadLimitMB)
	}
	if c.JobTimeout != nil && *c.JobTimeout != "" {
		if _, err := time.ParseDuration(*c.JobTimeout); err != nil {
			return fmt.Errorf("invalid job_timeout '%s': %w", *c.JobTimeout, err)
		}
	}
	return nil
}

func parseClock(s string) (time.Time, error) {
	t, err := time.Parse("15:04:05", s)
	if err == nil {
		return t, nil
	}
	return time.Parse("15:04", s)
}

// GetSocialDistanceCheck returns social_distance_check or the default.
func (c *AnalyticsConfig) GetSocialDistanceCheck() bool {
	if c.SocialDistanceCheck == nil {
		return true
	}
	return *c.SocialDistanceCheck
}

// GetSocialDistance returns social_distance or the default.
func (c *AnalyticsConfig) GetSocialDistance() float64 {
	if c.SocialDistance == nil {
		return 50
	}
	return *c.SocialDistance
}

// GetHighCamera returns high_camera or the default.
func (c *AnalyticsConfig) GetHighCamera() bool {
	if c.HighCamera == nil {
		return false
	}
	return *c.HighCamera
}

// GetAbnormalCheck returns abnormal_check or the default.
func (c *AnalyticsConfig) GetAbnormalCheck() bool {
	if c.AbnormalCheck == nil {
		return true
	}
	return *c.AbnormalCheck
}

// GetAbnormalEnergy returns abnormal_energy or the default.
func (c *AnalyticsConfig) GetAbnormalEnergy() float64 {
	if c.AbnormalEnergy == nil {
		return 1866
	}
	return *c.AbnormalEnergy
}

// GetAbnormalThreshold returns abnormal_thresh or the default.
func (c *AnalyticsConfig) GetAbnormalThreshold() float64 {
	if c.AbnormalThreshold == nil {
		return 0.66
	}
	return *c.AbnormalThreshold
}

// GetAbnormalMinPeople returns abnormal_min_people or the default.
func (c *AnalyticsConfig) GetAbnormalMinPeople() int {
	if c.AbnormalMinPeople == nil {
		return 5
	}
	return *c.AbnormalMinPeople
}

// GetRestrictedCheck returns restricted_check or the default.
func (c *AnalyticsConfig) GetRestrictedCheck() bool {
	if c.RestrictedCheck == nil {
		return false
	}
	return *c.RestrictedCheck
}

// GetRestrictedStart returns restricted_start or the default.
func (c *AnalyticsConfig) GetRestrictedStart() string {
	if c.RestrictedStart == nil || *c.RestrictedStart == "" {
		return "00:00"
	}
	return *c.RestrictedStart
}

// GetRestrictedEnd returns restricted_end or the default.
func (c *AnalyticsConfig) GetRestrictedEnd() string {
	if c.RestrictedEnd == nil || *c.RestrictedEnd == "" {
		return "23:00"
	}
	return *c.RestrictedEnd
}

// GetShowDetect returns show_detect or the default.
func (c *AnalyticsConfig) GetShowDetect() bool {
	if c.ShowDetect == nil {
		return true
	}
	return *c.ShowDetect
}

// GetShowViolationCount returns show_violation_count or the default.
func (c *AnalyticsConfig) GetShowViolationCount() bool {
	if c.ShowViolationCount == nil {
		return false
	}
	return *c.ShowViolationCount
}

// GetShowTrackingID returns show_tracking_id or the default.
func (c *AnalyticsConfig) GetShowTrackingID() bool {
	if c.ShowTrackingID == nil {
		return false
	}
	return *c.ShowTrackingID
}

// GetDataRecordRate returns data_record_rate or the default.
func (c *AnalyticsConfig) GetDataRecordRate() float64 {
	if c.DataRecordRate == nil {
		return 5
	}
	return *c.DataRecordRate
}

// GetFrameSize returns frame_size or the default.
func (c *AnalyticsConfig) GetFrameSize() int {
	if c.FrameSize == nil {
		return 1080
	}
	return *c.FrameSize
}

// GetTrackMaxAge returns track_max_age or the default.
func (c *AnalyticsConfig) GetTrackMaxAge() int {
	if c.TrackMaxAge == nil {
		return 3
	}
	return *c.TrackMaxAge
}

// GetMovementWindow returns movement_window or the default.
func (c *AnalyticsConfig) GetMovementWindow() int {
	if c.MovementWindow == nil {
		return 10
	}
	return *c.MovementWindow
}

// GetWorkers returns workers or the default.
func (c *AnalyticsConfig) GetWorkers() int {
	if c.Workers == nil {
		return 2
	}
	return *c.Workers
}

// GetQueueSize returns queue_size or the default.
func (c *AnalyticsConfig) GetQueueSize() int {
	if c.QueueSize == nil {
		return 16
	}
	return *c.QueueSize
}

// GetUploadLimit returns upload_limit_mb in bytes.
func (c *AnalyticsConfig) GetUploadLimit() int64 {
	mb := int64(500)
	if c.UploadLimitMB != nil {
		mb = *c.UploadLimitMB
	}
	return mb << 20
}

// GetPreviewEvery returns preview_every or the default.
func (c *AnalyticsConfig) GetPreviewEvery() int {
	if c.PreviewEvery == nil || *c.PreviewEvery < 1 {
		return 5
	}
	return *c.PreviewEvery
}

// GetJobTimeout parses job_timeout. Zero means no timeout.
func (c *AnalyticsConfig) GetJobTimeout() time.Duration {
	if c.JobTimeout == nil || *c.JobTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(*c.JobTimeout)
	if err != nil {
		return 0
	}
	return d
}

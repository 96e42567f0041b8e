package pipeline

import (
	"fmt"

	"github.com/banshee-data/crowdwatch/internal/config"
	"github.com/banshee-data/crowdwatch/internal/crowd"
	"github.com/banshee-data/crowdwatch/internal/overlay"
)

// OptionsFromConfig returns the per-job toggles a request gets when it
// does not set them.
func OptionsFromConfig(cfg *config.AnalyticsConfig) Options {
	return Options{
		SocialDistance:    cfg.GetSocialDistanceCheck(),
		AbnormalDetection: cfg.GetAbnormalCheck(),
		RestrictedEntry:   cfg.GetRestrictedCheck(),
	}
}

// defaultFPS is assumed for files whose container reports no frame rate.
const defaultFPS = 25

// EngineSettings combines the service configuration with the per-job
// toggles, which decide alone whether each check runs. timeStep is 1/fps
// for files and 1 for live sources.
func EngineSettings(cfg *config.AnalyticsConfig, o Options, timeStep float64) (crowd.Settings, error) {
	start, err := crowd.ParseTimeOfDay(cfg.GetRestrictedStart())
	if err != nil {
		return crowd.Settings{}, fmt.Errorf("restricted start: %w", err)
	}
	end, err := crowd.ParseTimeOfDay(cfg.GetRestrictedEnd())
	if err != nil {
		return crowd.Settings{}, fmt.Errorf("restricted end: %w", err)
	}
	return crowd.Settings{
		SocialDistanceCheck: o.SocialDistance,
		SocialDistance:      cfg.GetSocialDistance(),
		HighCamera:          cfg.GetHighCamera(),
		AbnormalCheck:       o.AbnormalDetection,
		Abnormal: crowd.AbnormalParams{
			EnergyThreshold: cfg.GetAbnormalEnergy(),
			RatioThreshold:  cfg.GetAbnormalThreshold(),
			MinPeople:       cfg.GetAbnormalMinPeople(),
		},
		RestrictedCheck: o.RestrictedEntry,
		Restricted:      crowd.RestrictedWindow{Start: start, End: end},
		ShowDetections:  cfg.GetShowDetect(),
		TimeStep:        timeStep,
	}, nil
}

func overlayOptions(cfg *config.AnalyticsConfig) overlay.Options {
	return overlay.Options{
		ShowViolationCount: cfg.GetShowViolationCount(),
		ShowTrackingID:     cfg.GetShowTrackingID(),
	}
}

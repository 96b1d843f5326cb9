package estimator

import (
	"log/slog"

	"timeflow/internal/config"
)

// FromConfig assembles the locator chain: the landmark service first when a
// socket is configured, then the pigo cascades when both files load. A
// detector that cannot be set up is logged and left out.
func FromConfig(cfg *config.Config, log *slog.Logger) *Estimator {
	if log == nil {
		log = slog.Default()
	}
	var (
		locators []EyeLocator
		pose     PoseDetector
	)

	if cfg.Estimator.LandmarkSocket != "" {
		timeout, _ := cfg.LandmarkTimeout()
		client := NewLandmarkClient(cfg.Estimator.LandmarkSocket, timeout)
		locators = append(locators, client)
		pose = client
		log.Debug("landmark service configured", "socket", cfg.Estimator.LandmarkSocket)
	}

	if cfg.Estimator.FaceCascade != "" && cfg.Estimator.PuplocCascade != "" {
		pc, err := LoadPupilCascade(cfg.Estimator.FaceCascade, cfg.Estimator.PuplocCascade,
			cfg.Estimator.MinFaceSize, cfg.Estimator.QualityThreshold)
		if err != nil {
			log.Warn("pupil cascade unavailable", "error", err)
		} else {
			locators = append(locators, pc)
		}
	}

	if len(locators) == 0 {
		log.Warn("no face detectors configured, auto-align will skip every photo")
	}
	return New(log, pose, locators...)
}

package stages

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/policy-crawler/internal/browser"
	"github.com/JakeFAU/policy-crawler/internal/config"
	"github.com/JakeFAU/policy-crawler/internal/headless/detector"
	"github.com/JakeFAU/policy-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/policy-crawler/internal/worker"
)

// Workers derives the pool configuration: one Chrome-backed session per
// worker, built from the driver section.
func Workers(cfg config.Config, logger *zap.Logger) (worker.Config, error) {
	factory, err := SessionFactory(cfg.Driver)
	if err != nil {
		return worker.Config{}, err
	}
	return worker.Config{
		Workers:    cfg.Workers(),
		NewSession: factory,
		Logger:     logger,
	}, nil
}

// SessionFactory validates the driver settings once and returns a factory
// building a session per worker. All sessions share one per-host limiter.
func SessionFactory(drv config.DriverConfig) (worker.SessionFactory, error) {
	abandon := make([]browser.Cause, 0, len(drv.AbandonOn))
	for _, name := range drv.AbandonOn {
		c, err := browser.ParseCause(name)
		if err != nil {
			return nil, fmt.Errorf("driver.abandon_on: %w", err)
		}
		abandon = append(abandon, c)
	}
	chrome := browser.ChromeOptions{
		Headless:        drv.Headless,
		NoSandbox:       drv.NoSandbox,
		Private:         drv.Private,
		DisableCache:    drv.DisableCache,
		Stealth:         drv.Stealth,
		ExecPath:        drv.ExecPath,
		PageLoadTimeout: drv.PageLoadTimeout,
		UserAgents:      drv.UserAgents,
		Proxies:         drv.Proxies,
		Detector:        detector.NewChallenge(drv.ChallengeMarkers),
	}
	limits := browser.Limits{
		Network:   drv.MaxNetworkAttempts,
		Timeout:   drv.MaxTimeoutAttempts,
		Challenge: drv.MaxChallengeAttempts,
	}
	cooldown := browser.Cooldown{Fixed: drv.Cooldown, Random: drv.RandomCooldown}
	var throttle browser.Throttle
	if limiter := ratelimit.New(ratelimit.Config{RPS: drv.HostRPS, Burst: drv.HostBurst}); limiter != nil {
		throttle = limiter
	}

	return func(_ int, logger *zap.Logger) (*browser.Session, error) {
		return browser.NewSession(browser.Options{
			Launcher:  browser.NewChromeLauncher(chrome, logger),
			Limits:    limits,
			Cooldown:  cooldown,
			Throttle:  throttle,
			AbandonOn: abandon,
			Logger:    logger,
		})
	}, nil
}

// Package browser drives one scripted browser per worker and absorbs
// navigation failures with a bounded respawn-and-retry state machine.
package browser

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/policy-crawler/internal/metrics"
)

// Driver is one live browser instance.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	DismissDialogs(ctx context.Context) error
	HasChallenge(ctx context.Context) (bool, error)
	Content(ctx context.Context) (string, error)
	Sanitize(ctx context.Context) error
	Close() error
}

// Launcher starts a fresh browser instance.
type Launcher func(ctx context.Context) (Driver, error)

// State is the position of a Session in its navigation state machine.
type State int

// Session states.
const (
	StateIdle State = iota
	StateNavigating
	StateAlertCheck
	StateCaptchaCheck
	StateReady
	StateRespawning
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNavigating:
		return "navigating"
	case StateAlertCheck:
		return "alert_check"
	case StateCaptchaCheck:
		return "captcha_check"
	case StateReady:
		return "ready"
	case StateRespawning:
		return "respawning"
	case StateAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Limits bounds each failure counter for a single Navigate call.
type Limits struct {
	Network   int
	Timeout   int
	Challenge int
}

func (l Limits) max(c Counter) int {
	switch c {
	case CounterNetwork:
		return l.Network
	case CounterTimeout:
		return l.Timeout
	default:
		return l.Challenge
	}
}

// Throttle delays a navigation until its host may be contacted. It is shared
// by every session in the process.
type Throttle interface {
	Wait(ctx context.Context, url string) error
}

// Options configures a Session.
type Options struct {
	Launcher Launcher
	Limits   Limits
	Cooldown Cooldown
	// Throttle is optional.
	Throttle Throttle
	// AbandonOn lists causes that end the call on first occurrence.
	AbandonOn []Cause
	Logger    *zap.Logger
}

// Session owns one browser instance for its whole life and is used by a single
// worker only. It is not safe for concurrent use.
type Session struct {
	launch    Launcher
	limits    Limits
	cooldown  Cooldown
	throttle  Throttle
	abandonOn map[Cause]bool
	logger    *zap.Logger

	driver Driver
	state  State
}

// NewSession builds a session. The browser is launched on first navigation.
func NewSession(opts Options) (*Session, error) {
	if opts.Launcher == nil {
		return nil, errors.New("browser session requires a launcher")
	}
	if opts.Limits.Network <= 0 || opts.Limits.Timeout <= 0 || opts.Limits.Challenge <= 0 {
		return nil, fmt.Errorf("browser session limits must be > 0, got %+v", opts.Limits)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	abandon := make(map[Cause]bool, len(opts.AbandonOn))
	for _, c := range opts.AbandonOn {
		abandon[c] = true
	}
	return &Session{
		launch:    opts.Launcher,
		limits:    opts.Limits,
		cooldown:  opts.Cooldown,
		throttle:  opts.Throttle,
		abandonOn: abandon,
		logger:    logger,
	}, nil
}

// State reports the current state.
func (s *Session) State() State {
	return s.state
}

// Navigate loads url, retrying through fresh browser instances while all three
// failure counters are under their limits. It returns nil once the page is
// ready, an error matching ErrAbandoned when a budget ran out, or ctx's error.
func (s *Session) Navigate(ctx context.Context, url string) error {
	var (
		counts [numCounters]int
		last   Cause
	)
	for s.withinLimits(counts) {
		waited, err := s.cooldown.Wait(ctx)
		if err != nil {
			return err
		}
		metrics.ObserveCooldown(waited)
		if s.throttle != nil {
			if err := s.throttle.Wait(ctx, url); err != nil {
				return err
			}
		}

		err = s.attempt(ctx, url)
		if err == nil {
			s.state = StateReady
			metrics.ObserveNavigation(StateReady.String())
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.respawn()
			s.state = StateIdle
			return ctxErr
		}

		last = Classify(err)
		counter := last.Counter()
		counts[counter]++
		metrics.ObserveNavigation(last.String())
		s.logger.Warn("navigation failed",
			zap.String("url", url),
			zap.String("site", metrics.SanitizeSite(url)),
			zap.Stringer("cause", last),
			zap.Stringer("counter", counter),
			zap.Int("attempt", counts[counter]),
			zap.Int("max", s.limits.max(counter)),
			zap.Error(err),
		)
		s.respawn()
		if s.abandonOn[last] {
			break
		}
	}

	s.state = StateAbandoned
	metrics.ObserveAbandoned(last.String())
	abandoned := &AbandonedError{URL: url, LastCause: last, Attempts: counts}
	s.logger.Error("navigation abandoned", zap.Error(abandoned))
	return abandoned
}

func (s *Session) withinLimits(counts [numCounters]int) bool {
	for c := Counter(0); c < numCounters; c++ {
		if counts[c] >= s.limits.max(c) {
			return false
		}
	}
	return true
}

// attempt runs one pass of Navigating, AlertCheck and CaptchaCheck.
func (s *Session) attempt(ctx context.Context, url string) error {
	if s.driver == nil {
		d, err := s.launch(ctx)
		if err != nil {
			return &NavError{Cause: CauseDriverCrash, Err: fmt.Errorf("launch browser: %w", err)}
		}
		s.driver = d
	}

	s.state = StateNavigating
	if err := s.driver.Navigate(ctx, url); err != nil {
		return err
	}

	s.state = StateAlertCheck
	if err := s.driver.DismissDialogs(ctx); err != nil {
		return err
	}

	s.state = StateCaptchaCheck
	found, err := s.driver.HasChallenge(ctx)
	if err != nil {
		return err
	}
	if found {
		return &NavError{Cause: CauseChallenge, Err: fmt.Errorf("challenge marker on %s", url)}
	}
	return nil
}

// respawn discards the current browser; the next attempt launches a new one.
func (s *Session) respawn() {
	s.state = StateRespawning
	if s.driver == nil {
		return
	}
	if err := s.driver.Close(); err != nil {
		s.logger.Debug("close discarded browser", zap.Error(err))
	}
	s.driver = nil
	metrics.ObserveRespawn()
}

// Content returns the markup of the loaded page.
func (s *Session) Content(ctx context.Context) (string, error) {
	if s.state != StateReady || s.driver == nil {
		return "", ErrNotReady
	}
	html, err := s.driver.Content(ctx)
	if err != nil {
		return "", fmt.Errorf("page content: %w", err)
	}
	return html, nil
}

// Sanitize strips non-visible elements from the loaded page.
func (s *Session) Sanitize(ctx context.Context) error {
	if s.state != StateReady || s.driver == nil {
		return ErrNotReady
	}
	if err := s.driver.Sanitize(ctx); err != nil {
		return fmt.Errorf("sanitize page: %w", err)
	}
	return nil
}

// Close shuts the browser down. The session may be reused afterwards and will
// launch a new browser on demand.
func (s *Session) Close() error {
	s.state = StateIdle
	if s.driver == nil {
		return nil
	}
	err := s.driver.Close()
	s.driver = nil
	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

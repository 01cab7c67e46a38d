package browser

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"

	"github.com/JakeFAU/policy-crawler/internal/headless/detector"
)

//go:embed sanitize.js
var sanitizeJS string

const (
	defaultPageLoadTimeout = 30 * time.Second
	actionTimeout          = 10 * time.Second
)

// ChromeOptions controls how each Chrome process is launched.
type ChromeOptions struct {
	Headless        bool
	NoSandbox       bool
	Private         bool
	DisableCache    bool
	Stealth         bool
	ExecPath        string
	PageLoadTimeout time.Duration
	UserAgents      []string
	Proxies         []string
	Detector        *detector.Challenge
}

// ChromeDriver is a Driver backed by a dedicated Chrome process.
type ChromeDriver struct {
	opts          ChromeOptions
	logger        *zap.Logger
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	dialogs       atomic.Int64
}

// NewChromeLauncher returns a Launcher that starts a fresh ChromeDriver per call.
func NewChromeLauncher(opts ChromeOptions, logger *zap.Logger) Launcher {
	return func(ctx context.Context) (Driver, error) {
		return LaunchChrome(ctx, opts, logger)
	}
}

// LaunchChrome starts Chrome with a randomly chosen user agent and proxy and
// waits until the first tab is usable.
func LaunchChrome(ctx context.Context, opts ChromeOptions, logger *zap.Logger) (*ChromeDriver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PageLoadTimeout <= 0 {
		opts.PageLoadTimeout = defaultPageLoadTimeout
	}
	if opts.Detector == nil {
		opts.Detector = detector.NewChallenge(nil)
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if opts.NoSandbox {
		allocOpts = append(allocOpts, chromedp.NoSandbox)
	}
	if opts.Private {
		allocOpts = append(allocOpts, chromedp.Flag("incognito", true))
	}
	if opts.DisableCache {
		allocOpts = append(allocOpts, chromedp.Flag("disk-cache-size", "0"))
	}
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	userAgent := randomPick(opts.UserAgents)
	if userAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(userAgent))
	}
	proxy := randomPick(opts.Proxies)
	if proxy != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(proxy))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	d := &ChromeDriver{
		opts:          opts,
		logger:        logger,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}
	chromedp.ListenTarget(browserCtx, d.onEvent)

	stopForward := forwardCancel(ctx, browserCancel)
	err := chromedp.Run(browserCtx, d.setupAction())
	stopForward()
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	logger.Debug("browser launched",
		zap.String("user_agent", userAgent),
		zap.String("proxy", proxy),
		zap.Bool("stealth", opts.Stealth),
	)
	return d, nil
}

func (d *ChromeDriver) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if d.opts.DisableCache {
			if err := network.SetCacheDisabled(true).Do(ctx); err != nil {
				return fmt.Errorf("disable cache: %w", err)
			}
		}
		if d.opts.Stealth {
			if _, err := page.AddScriptToEvaluateOnNewDocument(stealth.JS).Do(ctx); err != nil {
				return fmt.Errorf("install stealth script: %w", err)
			}
		}
		return nil
	})
}

// onEvent accepts every JavaScript dialog as soon as it opens. The handler
// must not block the event loop, so the CDP call runs on its own goroutine.
func (d *ChromeDriver) onEvent(ev any) {
	if _, ok := ev.(*page.EventJavascriptDialogOpening); !ok {
		return
	}
	d.dialogs.Add(1)
	go func() {
		if err := chromedp.Run(d.browserCtx, page.HandleJavaScriptDialog(true)); err != nil {
			d.logger.Debug("dismiss dialog", zap.Error(err))
		}
	}()
}

// Navigate loads url and waits for the body within the page-load deadline.
func (d *ChromeDriver) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(d.browserCtx, d.opts.PageLoadTimeout)
	defer cancel()
	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()

	err := chromedp.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if d.browserCtx.Err() != nil {
		return &NavError{Cause: CauseDriverCrash, Err: err}
	}
	if errors.Is(navCtx.Err(), context.DeadlineExceeded) {
		return &NavError{Cause: CauseDeadlineExceeded, Err: err}
	}
	return fmt.Errorf("navigate %s: %w", url, err)
}

// DismissDialogs accepts a dialog still showing after load. The event
// listener normally gets there first, in which case there is nothing to do.
func (d *ChromeDriver) DismissDialogs(ctx context.Context) error {
	err := d.run(ctx, page.HandleJavaScriptDialog(true))
	if err == nil {
		d.logger.Debug("dismissed dialog after load")
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if strings.Contains(err.Error(), "No dialog is showing") {
		return nil
	}
	return fmt.Errorf("dismiss dialog: %w", err)
}

// HasChallenge reports whether the loaded document carries a challenge marker.
func (d *ChromeDriver) HasChallenge(ctx context.Context) (bool, error) {
	html, err := d.Content(ctx)
	if err != nil {
		return false, err
	}
	return d.opts.Detector.DetectHTML(html)
}

// Content returns the outer HTML of the document.
func (d *ChromeDriver) Content(ctx context.Context) (string, error) {
	var html string
	if err := d.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("outer html: %w", err)
	}
	return html, nil
}

// Sanitize removes elements the user cannot see.
func (d *ChromeDriver) Sanitize(ctx context.Context) error {
	var removed int
	if err := d.run(ctx, chromedp.Evaluate(sanitizeJS, &removed)); err != nil {
		return fmt.Errorf("evaluate sanitize script: %w", err)
	}
	d.logger.Debug("sanitized page", zap.Int("removed", removed))
	return nil
}

// Close shuts the browser down and reaps the Chrome process.
func (d *ChromeDriver) Close() error {
	defer d.allocCancel()
	defer d.browserCancel()
	if err := chromedp.Cancel(d.browserCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("cancel browser: %w", err)
	}
	return nil
}

// Dialogs returns how many JavaScript dialogs have been auto-accepted.
func (d *ChromeDriver) Dialogs() int64 {
	return d.dialogs.Load()
}

func (d *ChromeDriver) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(d.browserCtx, actionTimeout)
	defer cancel()
	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()
	return chromedp.Run(runCtx, actions...)
}

// forwardCancel cancels a browser-scoped context when the caller's context ends.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

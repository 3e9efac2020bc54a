package traverse

import (
	"fmt"
	"log/slog"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
)

// BrowserConfig configures the Chrome instance behind a StorySurface.
type BrowserConfig struct {
	// RemoteURL is the WebSocket URL of an external Chrome. Empty = launch
	// a local one via the rod launcher.
	RemoteURL string

	// UserDataDir is the Chrome profile directory carrying the logged-in
	// session cookies. The login producer populates it; this code only
	// reads it.
	UserDataDir string

	// Headless runs Chrome without a window. Default: true.
	Headless *bool

	Logger *slog.Logger
}

func (c *BrowserConfig) defaults() {
	if c.Headless == nil {
		t := true
		c.Headless = &t
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// browserHandle owns one Chrome lifecycle for the duration of a run. Unlike
// a long-lived daemon there is no recycle loop: a traversal launches, runs,
// and tears down.
type browserHandle struct {
	cfg     BrowserConfig
	browser *rod.Browser
	lnch    *launcher.Launcher
}

func newBrowserHandle(cfg BrowserConfig) *browserHandle {
	cfg.defaults()
	return &browserHandle{cfg: cfg}
}

// start launches (or connects to) Chrome and opens a stealth page.
func (h *browserHandle) start() (*rod.Page, error) {
	log := h.cfg.Logger

	var wsURL string
	if h.cfg.RemoteURL != "" {
		wsURL = h.cfg.RemoteURL
		log.Info("traverse: connecting to remote chrome", "url", wsURL)
	} else {
		l := launcher.New().Headless(*h.cfg.Headless)
		if h.cfg.UserDataDir != "" {
			l = l.UserDataDir(h.cfg.UserDataDir)
		}
		// Anti-detection flags.
		l = l.Set("disable-blink-features", "AutomationControlled")

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("traverse: launch chrome: %w", err)
		}
		wsURL = u
		h.lnch = l
		log.Info("traverse: launched local chrome", "headless", *h.cfg.Headless)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		h.cleanup()
		return nil, fmt.Errorf("traverse: connect chrome: %w", err)
	}
	h.browser = b

	page, err := stealth.Page(b)
	if err != nil {
		h.cleanup()
		return nil, fmt.Errorf("traverse: create stealth page: %w", err)
	}
	return page, nil
}

func (h *browserHandle) cleanup() {
	if h.browser != nil {
		h.browser.Close()
		h.browser = nil
	}
	if h.lnch != nil {
		h.lnch.Cleanup()
		h.lnch = nil
	}
}

package traverse

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

// Feed surface selectors and geometry. The feed UI is outside our control;
// these constants are the single place to adjust when it shifts.
const (
	storyPathPrefix = "/stories/"

	// firstStorySelector is the first unopened story ring on the home feed.
	firstStorySelector = `[aria-label^="Story by"]`

	// nextAccountSelector is the chevron that jumps past the current
	// account's remaining items — the stuck-recovery interaction.
	nextAccountSelector = `button[aria-label="Next"]`

	// accountHeaderSelector is the secondary account extraction strategy:
	// the header link inside the open story.
	accountHeaderSelector = `header a[role="link"]`
)

// FeedConfig configures the rod-backed story surface.
type FeedConfig struct {
	// BaseURL of the feed. Default: "https://www.instagram.com".
	BaseURL string

	// SessionFile is the artifact whose existence means "logged in". Its
	// content is opaque; the login producer owns it.
	SessionFile string

	// ContentWidth is the fixed width in CSS pixels of the story content
	// column, captured full-height and centred in the viewport. Default: 480.
	ContentWidth float64

	// NavTimeout bounds each navigation or element lookup. Default: 30s.
	NavTimeout time.Duration

	Browser BrowserConfig
}

func (c *FeedConfig) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://www.instagram.com"
	}
	if c.ContentWidth <= 0 {
		c.ContentWidth = 480
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	c.Browser.defaults()
}

// StorySurface drives the story feed through a stealth Chrome page. It
// implements Surface.
type StorySurface struct {
	cfg    FeedConfig
	handle *browserHandle
	page   *rod.Page
}

// NewStorySurface creates a surface. Chrome is not launched until Open.
func NewStorySurface(cfg FeedConfig) *StorySurface {
	cfg.defaults()
	return &StorySurface{cfg: cfg}
}

// Open checks the session precondition, launches Chrome, loads the feed,
// and enters the first story.
func (s *StorySurface) Open(ctx context.Context) error {
	if s.cfg.SessionFile != "" {
		if _, err := os.Stat(s.cfg.SessionFile); err != nil {
			return ErrNoSession
		}
	}

	s.handle = newBrowserHandle(s.cfg.Browser)
	page, err := s.handle.start()
	if err != nil {
		return err
	}
	s.page = page

	navCtx, cancel := context.WithTimeout(ctx, s.cfg.NavTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(s.cfg.BaseURL); err != nil {
		return fmt.Errorf("traverse: navigate feed: %w", err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		s.cfg.Browser.Logger.Warn("traverse: feed load timeout", "error", err)
	}

	ring, err := page.Context(navCtx).Element(firstStorySelector)
	if err != nil {
		return fmt.Errorf("traverse: no story ring on feed: %w", ErrEndOfFeed)
	}
	if err := ring.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("traverse: open first story: %w", err)
	}
	if err := s.waitInStories(navCtx); err != nil {
		return err
	}
	return nil
}

// waitInStories polls until the location enters the story surface.
func (s *StorySurface) waitInStories(ctx context.Context) error {
	deadline := time.Now().Add(10 * time.Second)
	for {
		loc, err := s.Location(ctx)
		if err != nil {
			return err
		}
		if inStories(loc) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("traverse: story view did not open (at %s)", loc)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// Location returns the page URL.
func (s *StorySurface) Location(ctx context.Context) (string, error) {
	info, err := s.page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("traverse: page info: %w", err)
	}
	return info.URL, nil
}

// Account resolves the current account handle: primary from the story URL
// path, secondary from the story header link.
func (s *StorySurface) Account(ctx context.Context) (string, error) {
	loc, err := s.Location(ctx)
	if err != nil {
		return "", err
	}
	if handle := accountFromLocation(loc); handle != "" {
		return handle, nil
	}

	elCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	el, err := s.page.Context(elCtx).Element(accountHeaderSelector)
	if err != nil {
		return "", fmt.Errorf("traverse: resolve account: %w", err)
	}
	text, err := el.Text()
	if err != nil {
		return "", fmt.Errorf("traverse: account header text: %w", err)
	}
	handle := strings.TrimSpace(text)
	if handle == "" {
		return "", fmt.Errorf("traverse: empty account header")
	}
	return handle, nil
}

// accountFromLocation extracts the handle from /stories/<handle>/<item>.
func accountFromLocation(loc string) string {
	u, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	rest, ok := strings.CutPrefix(u.Path, storyPathPrefix)
	if !ok {
		return ""
	}
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		rest = rest[:idx]
	}
	return rest
}

// Frame screenshots only the centre content column: the fixed content
// width centred in the viewport, full height, so neighbouring story
// previews never leak into the evidence.
func (s *StorySurface) Frame(ctx context.Context) ([]byte, error) {
	clip := s.contentClip(ctx)
	frame, err := s.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
		Clip:   &clip,
	})
	if err != nil {
		return nil, fmt.Errorf("traverse: screenshot: %w", err)
	}
	return frame, nil
}

// contentClip computes the proportional centre crop, falling back to a
// hardcoded clip when viewport geometry is unavailable.
func (s *StorySurface) contentClip(ctx context.Context) proto.PageViewport {
	res, err := s.page.Context(ctx).Eval(`() => ({w: window.innerWidth, h: window.innerHeight})`)
	if err != nil {
		return proto.PageViewport{X: 400, Y: 0, Width: s.cfg.ContentWidth, Height: 850, Scale: 1}
	}
	vw := float64(res.Value.Get("w").Int())
	vh := float64(res.Value.Get("h").Int())
	if vw <= 0 || vh <= 0 {
		return proto.PageViewport{X: 400, Y: 0, Width: s.cfg.ContentWidth, Height: 850, Scale: 1}
	}
	width := s.cfg.ContentWidth
	if width > vw {
		width = vw
	}
	return proto.PageViewport{
		X:      (vw - width) / 2,
		Y:      0,
		Width:  width,
		Height: vh,
		Scale:  1,
	}
}

// Advance moves to the next story. Any failure, or leaving the story
// surface, is end-of-feed.
func (s *StorySurface) Advance(ctx context.Context) error {
	if err := s.page.Context(ctx).Keyboard.Press(input.ArrowRight); err != nil {
		return fmt.Errorf("%w: advance key: %v", ErrEndOfFeed, err)
	}
	loc, err := s.Location(ctx)
	if err != nil {
		return fmt.Errorf("%w: location after advance: %v", ErrEndOfFeed, err)
	}
	if !inStories(loc) {
		return ErrEndOfFeed
	}
	return nil
}

// SkipAccount clicks the next-account chevron, jumping past the current
// account's remaining items.
func (s *StorySurface) SkipAccount(ctx context.Context) error {
	elCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	el, err := s.page.Context(elCtx).Element(nextAccountSelector)
	if err != nil {
		return fmt.Errorf("traverse: skip chevron not found: %w", err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("traverse: skip click: %w", err)
	}
	return nil
}

// Close tears down the page and Chrome. Safe after a failed Open.
func (s *StorySurface) Close() error {
	if s.page != nil {
		s.page.Close()
		s.page = nil
	}
	if s.handle != nil {
		s.handle.cleanup()
		s.handle = nil
	}
	return nil
}

func inStories(loc string) bool {
	u, err := url.Parse(loc)
	if err != nil {
		return false
	}
	return strings.HasPrefix(u.Path, storyPathPrefix)
}

// internal/browser/session.go
package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/airport/api/schemas"
	"github.com/xkilldash9x/airport/internal/config"
)

const inputTimeout = 10 * time.Second

// Session is the web surface: a single Chrome tab driven over CDP.
type Session struct {
	driver Driver
	cfg    config.BrowserConfig
	logger *zap.Logger
}

var _ schemas.Surface = (*Session)(nil)

// Launch starts Chrome, sizes the viewport, and opens cfg.StartURL.
func Launch(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Session, error) {
	logger = logger.Named("browser")
	drv, err := startChrome(ctx, DefaultAllocatorOptions(cfg), logger)
	if err != nil {
		return nil, err
	}
	s := NewSession(drv, cfg, logger)

	setup := []chromedp.Action{}
	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		setup = append(setup, chromedp.EmulateViewport(int64(cfg.ViewportWidth), int64(cfg.ViewportHeight)))
	}
	if err := drv.Run(ctx, setup...); err != nil {
		drv.Close()
		return nil, fmt.Errorf("failed to configure viewport: %w", err)
	}
	if cfg.StartURL != "" {
		if err := s.Navigate(ctx, cfg.StartURL); err != nil {
			drv.Close()
			return nil, err
		}
	}
	logger.Info("Browser session ready",
		zap.Bool("headless", cfg.Headless),
		zap.Int("viewport_width", cfg.ViewportWidth),
		zap.Int("viewport_height", cfg.ViewportHeight))
	return s, nil
}

// NewSession wraps an existing driver.
func NewSession(d Driver, cfg config.BrowserConfig, logger *zap.Logger) *Session {
	return &Session{driver: d, cfg: cfg, logger: logger}
}

func (s *Session) Capture(ctx context.Context) ([]byte, error) {
	buf, err := s.driver.Screenshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to capture page: %w", err)
	}
	return buf, nil
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	timeout := s.cfg.NavigationTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.driver.Run(navCtx, chromedp.Navigate(url)); err != nil {
		if navCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return fmt.Errorf("navigation to %s timed out after %v", url, timeout)
		}
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	s.logger.Debug("Navigated", zap.String("url", url))
	return nil
}

// Click presses and releases the left button at (x, y) count times.
func (s *Session) Click(ctx context.Context, x, y float64, count int) error {
	if count < 1 {
		count = 1
	}
	actions := []chromedp.Action{
		input.DispatchMouseEvent(input.MouseMoved, x, y),
	}
	for i := 1; i <= count; i++ {
		actions = append(actions,
			input.DispatchMouseEvent(input.MousePressed, x, y).
				WithButton(input.Left).WithButtons(1).WithClickCount(int64(i)),
			input.DispatchMouseEvent(input.MouseReleased, x, y).
				WithButton(input.Left).WithClickCount(int64(i)),
		)
	}
	return s.runInput(ctx, "click", actions...)
}

// Type inserts text into the focused element.
func (s *Session) Type(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	return s.runInput(ctx, "type", input.InsertText(text))
}

// PressKey presses a named key or chord such as "Enter" or "Control+a".
func (s *Session) PressKey(ctx context.Context, key string) error {
	events, err := keyEvents(key)
	if err != nil {
		return err
	}
	actions := make([]chromedp.Action, len(events))
	for i, ev := range events {
		actions[i] = ev
	}
	return s.runInput(ctx, "key", actions...)
}

// Scroll dispatches a wheel event at the viewport center.
func (s *Session) Scroll(ctx context.Context, dx, dy float64) error {
	cx, cy := s.center()
	return s.runInput(ctx, "scroll",
		input.DispatchMouseEvent(input.MouseWheel, cx, cy).WithDeltaX(dx).WithDeltaY(dy))
}

func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	url, err := s.driver.Location(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read page URL: %w", err)
	}
	return url, nil
}

func (s *Session) Close() error {
	return s.driver.Close()
}

func (s *Session) center() (float64, float64) {
	w, h := s.cfg.ViewportWidth, s.cfg.ViewportHeight
	if w <= 0 || h <= 0 {
		w, h = 1280, 720
	}
	return float64(w) / 2, float64(h) / 2
}

func (s *Session) runInput(ctx context.Context, what string, actions ...chromedp.Action) error {
	opCtx, cancel := context.WithTimeout(ctx, inputTimeout)
	defer cancel()
	if err := s.driver.Run(opCtx, actions...); err != nil {
		if opCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return fmt.Errorf("%s timed out after %v", what, inputTimeout)
		}
		return fmt.Errorf("%s failed: %w", what, err)
	}
	return nil
}

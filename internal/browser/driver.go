// internal/browser/driver.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Driver is the CDP boundary of a Session. It allows the session to be
// tested without a browser.
type Driver interface {
	// Run executes actions against the tab, bounded by ctx.
	Run(ctx context.Context, actions ...chromedp.Action) error
	Screenshot(ctx context.Context) ([]byte, error)
	Location(ctx context.Context) (string, error)
	Close() error
}

var errTabClosed = errors.New("browser tab is closed")

// cdpDriver owns one Chrome process with a single tab.
type cdpDriver struct {
	logger      *zap.Logger
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc

	closeOnce sync.Once
}

// startChrome launches Chrome and opens its first tab. The process lives
// until Close, independent of ctx, which only bounds the startup.
func startChrome(ctx context.Context, opts []chromedp.ExecAllocatorOption, logger *zap.Logger) (*cdpDriver, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(logger.Sugar().Errorf),
		chromedp.WithLogf(logger.Sugar().Debugf),
	)

	d := &cdpDriver{
		logger:      logger,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
	}

	// The first Run starts the process and attaches the tab target.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(tabCtx) }()
	select {
	case err := <-started:
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("failed to start browser: %w", err)
		}
	case <-ctx.Done():
		d.Close()
		return nil, ctx.Err()
	}
	return d, nil
}

func (d *cdpDriver) Run(ctx context.Context, actions ...chromedp.Action) error {
	if err := d.tabCtx.Err(); err != nil {
		return errTabClosed
	}
	c := chromedp.FromContext(d.tabCtx)
	if c == nil || c.Target == nil {
		return errTabClosed
	}
	// Run on the tab's target while honouring the caller's deadline.
	return chromedp.Tasks(actions).Do(cdp.WithExecutor(ctx, c.Target))
}

func (d *cdpDriver) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := d.Run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *cdpDriver) Location(ctx context.Context) (string, error) {
	var url string
	if err := d.Run(ctx, chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

func (d *cdpDriver) Close() error {
	d.closeOnce.Do(func() {
		d.logger.Debug("Closing browser")
		// Cancelling the tab context closes the tab and lets Chrome exit.
		d.tabCancel()
		d.allocCancel()
	})
	return nil
}

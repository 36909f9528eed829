// internal/desktop/desktop.go
package desktop

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/airport/api/schemas"
	"github.com/xkilldash9x/airport/internal/config"
)

// ErrNoLocator is returned by the description based actions when no vision
// locator is configured.
var ErrNoLocator = errors.New("no vision locator configured")

var errNoURL = errors.New("the desktop has no URL")

// Commander runs the X11 helper binaries.
type Commander interface {
	// Output runs name to completion and returns its combined output.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	// Start runs name detached from the caller.
	Start(name string, args ...string) error
}

// Controller is the desktop surface. Input goes through xdotool, capture
// through scrot, and element lookup through a vision Locator.
type Controller struct {
	cmd     Commander
	locator schemas.Locator
	cfg     config.DesktopConfig
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

var _ schemas.DesktopSurface = (*Controller)(nil)

// requiredTools must be on PATH for the desktop surface to work.
var requiredTools = []string{"xdotool", "scrot"}

// CheckTools reports whether the helper binaries are installed.
func CheckTools() error {
	for _, tool := range requiredTools {
		if _, err := exec.LookPath(tool); err != nil {
			return fmt.Errorf("desktop surface unavailable: %s not found: %w", tool, err)
		}
	}
	return nil
}

// New creates a Controller on the display named in cfg.
func New(cfg config.DesktopConfig, locator schemas.Locator, logger *zap.Logger) *Controller {
	logger = logger.Named("desktop")
	return NewWithCommander(cfg, locator, logger, &execCommander{display: cfg.Display, logger: logger})
}

// NewWithCommander creates a Controller around cmd.
func NewWithCommander(cfg config.DesktopConfig, locator schemas.Locator, logger *zap.Logger, cmd Commander) *Controller {
	return &Controller{
		cmd:     cmd,
		locator: locator,
		cfg:     cfg,
		logger:  logger,
		sleep:   sleepContext,
	}
}

// Capture grabs the whole screen as PNG.
func (c *Controller) Capture(ctx context.Context) ([]byte, error) {
	f, err := os.CreateTemp("", "airport-desktop-*.png")
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file: %w", err)
	}
	path := f.Name()
	f.Close()
	defer os.Remove(path)

	if out, err := c.cmd.Output(ctx, "scrot", "--overwrite", path); err != nil {
		return nil, fmt.Errorf("scrot failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture: %w", err)
	}
	if len(buf) == 0 {
		return nil, fmt.Errorf("scrot produced an empty capture")
	}
	return buf, nil
}

// Navigate opens url with the desktop's default handler.
func (c *Controller) Navigate(ctx context.Context, url string) error {
	return c.Launch(ctx, "xdg-open "+strconv.Quote(url))
}

func (c *Controller) Click(ctx context.Context, x, y float64, count int) error {
	if count < 1 {
		count = 1
	}
	return c.xdotool(ctx, "mousemove", "--sync", coord(x), coord(y),
		"click", "--repeat", strconv.Itoa(count), "1")
}

func (c *Controller) Type(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	delay := c.cfg.TypeDelayMs
	if delay <= 0 {
		delay = 12
	}
	return c.xdotool(ctx, "type", "--delay", strconv.Itoa(delay), "--", text)
}

func (c *Controller) PressKey(ctx context.Context, key string) error {
	keys := strings.Split(key, "+")
	if key == "+" {
		keys = []string{"+"}
	}
	return c.PressHotkey(ctx, keys...)
}

// Scroll turns the wheel one notch per 100px of delta, at least once per
// non-zero axis.
func (c *Controller) Scroll(ctx context.Context, dx, dy float64) error {
	if dy != 0 {
		button := "5"
		if dy < 0 {
			button = "4"
		}
		if err := c.xdotool(ctx, "click", "--repeat", strconv.Itoa(notches(dy)), button); err != nil {
			return err
		}
	}
	if dx != 0 {
		button := "7"
		if dx < 0 {
			button = "6"
		}
		return c.xdotool(ctx, "click", "--repeat", strconv.Itoa(notches(dx)), button)
	}
	return nil
}

// CurrentURL is not meaningful on the desktop.
func (c *Controller) CurrentURL(ctx context.Context) (string, error) {
	return "", errNoURL
}

func (c *Controller) Close() error { return nil }

// Launch starts command through the shell and waits for its window to
// appear.
func (c *Controller) Launch(ctx context.Context, command string) error {
	c.logger.Info("Launching app", zap.String("command", command))
	if err := c.cmd.Start("sh", "-c", command); err != nil {
		return fmt.Errorf("failed to launch %q: %w", command, err)
	}
	return c.sleep(ctx, c.cfg.LaunchWait)
}

// ClickByDescription captures the screen, asks the locator for the
// described element, and clicks its center.
func (c *Controller) ClickByDescription(ctx context.Context, instruction string) (bool, error) {
	if c.locator == nil {
		return false, ErrNoLocator
	}
	shot, err := c.Capture(ctx)
	if err != nil {
		return false, err
	}
	x, y, conf, err := c.locator.Locate(ctx, shot, instruction)
	if err != nil {
		return false, err
	}
	if conf <= 0 {
		c.logger.Info("Vision failed to find target", zap.String("instruction", instruction))
		return false, nil
	}
	c.logger.Info("Vision click",
		zap.String("instruction", instruction),
		zap.Float64("x", x), zap.Float64("y", y), zap.Float64("confidence", conf))
	if err := c.Click(ctx, x, y, 1); err != nil {
		return false, err
	}
	return true, c.sleep(ctx, time.Second)
}

// TypeByDescription focuses the described field and types text into it.
func (c *Controller) TypeByDescription(ctx context.Context, instruction, text string) (bool, error) {
	found, err := c.ClickByDescription(ctx, instruction)
	if err != nil || !found {
		return found, err
	}
	if err := c.sleep(ctx, 500*time.Millisecond); err != nil {
		return true, err
	}
	return true, c.Type(ctx, text)
}

// PressHotkey presses keys together, e.g. ("ctrl", "p").
func (c *Controller) PressHotkey(ctx context.Context, keys ...string) error {
	syms := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		syms = append(syms, keysym(k))
	}
	if len(syms) == 0 {
		return fmt.Errorf("no keys given")
	}
	return c.xdotool(ctx, "key", "--clearmodifiers", strings.Join(syms, "+"))
}

func (c *Controller) xdotool(ctx context.Context, args ...string) error {
	out, err := c.cmd.Output(ctx, "xdotool", args...)
	if err != nil {
		return fmt.Errorf("xdotool %s failed: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// keysyms maps common key names to X keysym names.
var keysyms = map[string]string{
	"enter":      "Return",
	"return":     "Return",
	"esc":        "Escape",
	"escape":     "Escape",
	"tab":        "Tab",
	"backspace":  "BackSpace",
	"delete":     "Delete",
	"space":      "space",
	"up":         "Up",
	"down":       "Down",
	"left":       "Left",
	"right":      "Right",
	"arrowup":    "Up",
	"arrowdown":  "Down",
	"arrowleft":  "Left",
	"arrowright": "Right",
	"home":       "Home",
	"end":        "End",
	"pageup":     "Prior",
	"pagedown":   "Next",
	"ctrl":       "ctrl",
	"control":    "ctrl",
	"shift":      "shift",
	"alt":        "alt",
	"meta":       "super",
	"win":        "super",
	"cmd":        "super",
	"super":      "super",
	"+":          "plus",
}

func keysym(name string) string {
	if s, ok := keysyms[strings.ToLower(name)]; ok {
		return s
	}
	return name
}

func notches(delta float64) int {
	n := int(math.Ceil(math.Abs(delta) / 100))
	if n < 1 {
		n = 1
	}
	return n
}

func coord(v float64) string {
	return strconv.Itoa(int(math.Round(v)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execCommander runs binaries with DISPLAY pointed at the configured display.
type execCommander struct {
	display string
	logger  *zap.Logger
}

func (e *execCommander) env() []string {
	env := os.Environ()
	if e.display != "" {
		env = append(env, "DISPLAY="+e.display)
	}
	return env
}

func (e *execCommander) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = e.env()
	return cmd.CombinedOutput()
}

func (e *execCommander) Start(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Env = e.env()
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			e.logger.Debug("Launched process exited", zap.String("command", strings.Join(args, " ")), zap.Error(err))
		}
	}()
	return nil
}

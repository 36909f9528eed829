package schemas

import "context"

// SurfaceMode selects which surface the loop observes and drives.
type SurfaceMode string

const (
	ModeWeb     SurfaceMode = "web"
	ModeDesktop SurfaceMode = "desktop"
)

// Surface is the minimal screen driver shared by the web page and the
// desktop. Coordinates are in screenshot pixels with (0,0) at the top left.
type Surface interface {
	// Capture returns a PNG of the current surface.
	Capture(ctx context.Context) ([]byte, error)
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, x, y float64, count int) error
	// Type sends text to whatever currently holds focus.
	Type(ctx context.Context, text string) error
	PressKey(ctx context.Context, key string) error
	// Scroll moves the viewport by a signed delta; negative dy scrolls up.
	Scroll(ctx context.Context, dx, dy float64) error
	CurrentURL(ctx context.Context) (string, error)
	Close() error
}

// DesktopSurface extends Surface with application launching and
// instruction driven interaction resolved by a vision model.
type DesktopSurface interface {
	Surface
	Launch(ctx context.Context, command string) error
	// ClickByDescription locates the described element and clicks it. It
	// returns false when the element could not be found.
	ClickByDescription(ctx context.Context, instruction string) (bool, error)
	TypeByDescription(ctx context.Context, instruction, text string) (bool, error)
	PressHotkey(ctx context.Context, keys ...string) error
}

// Locator resolves a natural language description to a point on an image.
type Locator interface {
	Locate(ctx context.Context, image []byte, instruction string) (x, y, confidence float64, err error)
}

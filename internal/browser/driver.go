// internal/browser/driver.go
package browser

import (
	"context"
	"errors"
	"time"

	"github.com/xkilldash9x/cartographer/api/schemas"
)

// ElementRef is an opaque, backend specific handle to a DOM element. It is
// only valid for the document it was found in.
type ElementRef string

// Errors every backend maps its protocol failures onto.
var (
	ErrNoSuchElement = errors.New("no such element")
	ErrStaleElement  = errors.New("stale element reference")
	ErrNoSuchWindow  = errors.New("no such window")
	ErrTimeout       = errors.New("browser operation timed out")
)

// Driver is the probe surface the rest of the system uses to drive a browser.
// All in-page JavaScript goes through Probe so scripts live in one place.
type Driver interface {
	SessionID() string

	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	PageSource(ctx context.Context) (string, error)
	Back(ctx context.Context) error
	Refresh(ctx context.Context) error

	WindowHandles(ctx context.Context) ([]string, error)
	CurrentWindow(ctx context.Context) (string, error)
	SwitchWindow(ctx context.Context, handle string) error
	// CloseWindow closes the current window. The caller must switch to
	// another handle afterwards.
	CloseWindow(ctx context.Context) error

	FindElements(ctx context.Context, loc schemas.Locator) ([]ElementRef, error)
	FindElementsFrom(ctx context.Context, parent ElementRef, loc schemas.Locator) ([]ElementRef, error)

	TagName(ctx context.Context, el ElementRef) (string, error)
	Text(ctx context.Context, el ElementRef) (string, error)
	// Attribute returns "" when the attribute is absent.
	Attribute(ctx context.Context, el ElementRef, name string) (string, error)
	CSSValue(ctx context.Context, el ElementRef, property string) (string, error)
	Rect(ctx context.Context, el ElementRef) (schemas.Rect, error)
	IsDisplayed(ctx context.Context, el ElementRef) (bool, error)
	IsEnabled(ctx context.Context, el ElementRef) (bool, error)
	IsSelected(ctx context.Context, el ElementRef) (bool, error)

	Click(ctx context.Context, el ElementRef) error
	Clear(ctx context.Context, el ElementRef) error
	SendKeys(ctx context.Context, el ElementRef, text string) error

	// ElementScreenshot and Screenshot return PNG bytes.
	ElementScreenshot(ctx context.Context, el ElementRef) ([]byte, error)
	Screenshot(ctx context.Context) ([]byte, error)

	Cookies(ctx context.Context) ([]schemas.Cookie, error)
	AddCookie(ctx context.Context, c schemas.Cookie) error

	// Probe runs a named in-page script and decodes its JSON result into out.
	// el is "" for document level probes.
	Probe(ctx context.Context, name ProbeName, el ElementRef, out interface{}) error

	Quit(ctx context.Context) error
}

// Viewport is the window size requested at launch.
type Viewport struct {
	Width  int
	Height int
}

// LaunchSpec describes the session a Launcher should create.
type LaunchSpec struct {
	Kind     schemas.BrowserKind
	Headless bool
	Viewport Viewport
	Args     []string
	ExecPath string
	Timeout  time.Duration
	// Degraded asks for the most conservative launch the backend supports:
	// no extra arguments, no window sizing.
	Degraded bool
}

// Launcher creates browser sessions for one backend.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Driver, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context, spec LaunchSpec) (Driver, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, spec LaunchSpec) (Driver, error) {
	return f(ctx, spec)
}

// DefaultArgs are the chromium flags used for a full launch, mostly needed
// inside containers.
var DefaultArgs = []string{
	"--disable-gpu",
	"--no-sandbox",
	"--disable-dev-shm-usage",
	"--disable-extensions",
}

// DegradedArgs is the minimal set used for the retry launch.
var DegradedArgs = []string{
	"--no-sandbox",
	"--disable-gpu",
}

// EffectiveArgs merges defaults and user arguments for spec.
func (s LaunchSpec) EffectiveArgs() []string {
	if s.Degraded {
		return append([]string(nil), DegradedArgs...)
	}
	args := append([]string(nil), DefaultArgs...)
	return append(args, s.Args...)
}

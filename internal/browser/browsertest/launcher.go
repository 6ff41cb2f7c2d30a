// internal/browser/browsertest/launcher.go
package browsertest

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/xkilldash9x/cartographer/internal/browser"
)

// ErrLaunch is the failure injected by Launcher.
var ErrLaunch = errors.New("browsertest: launch refused")

// Launcher creates Browsers over one Site. FailFull rejects full launches
// and FailAll rejects every launch.
type Launcher struct {
	Site     *Site
	FailFull bool
	FailAll  bool

	mu       sync.Mutex
	browsers []*Browser
	specs    []browser.LaunchSpec
}

var _ browser.Launcher = (*Launcher)(nil)

// NewLauncher returns a launcher for site.
func NewLauncher(site *Site) *Launcher {
	return &Launcher{Site: site}
}

func (l *Launcher) Launch(ctx context.Context, spec browser.LaunchSpec) (browser.Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.specs = append(l.specs, spec)
	if l.FailAll || (l.FailFull && !spec.Degraded) {
		return nil, ErrLaunch
	}
	b := NewBrowser("fake-"+strconv.Itoa(len(l.browsers)+1), l.Site)
	l.browsers = append(l.browsers, b)
	return b, nil
}

// Browsers returns every browser launched so far.
func (l *Launcher) Browsers() []*Browser {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Browser(nil), l.browsers...)
}

// Specs returns every launch request, successful or not.
func (l *Launcher) Specs() []browser.LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]browser.LaunchSpec(nil), l.specs...)
}

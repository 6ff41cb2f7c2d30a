// internal/discovery/errors.go
package discovery

import (
	"errors"
	"fmt"

	"github.com/xkilldash9x/cartographer/api/schemas"
)

var (
	// ErrNavigationTimeout marks a page load that outlived its budget. The
	// crawl carries on with whatever the page rendered.
	ErrNavigationTimeout = errors.New("navigation timed out")
	// ErrAuthentication is logged when the configured login fails.
	ErrAuthentication = errors.New("authentication failed")
	// ErrNoSessions is returned when no browser session could be obtained
	// and nothing was visited.
	ErrNoSessions = errors.New("no browser session could be obtained")
)

// InteractionError describes a failed action on one element. It is logged
// and the element is skipped.
type InteractionError struct {
	Locator schemas.Locator
	Action  Action
	Err     error
}

func (e *InteractionError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Action, e.Locator, e.Err)
}

func (e *InteractionError) Unwrap() error { return e.Err }

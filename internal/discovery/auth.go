// internal/discovery/auth.go
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/browser"
	"github.com/xkilldash9x/cartographer/internal/config"
)

const lower = "translate(normalize-space(.),'ABCDEFGHIJKLMNOPQRSTUVWXYZ','abcdefghijklmnopqrstuvwxyz')"

// submitFinder proposes the login submit control.
type submitFinder func(ctx context.Context, d browser.Driver, password browser.ElementRef) (browser.ElementRef, bool)

// Authenticator performs the configured form login and hands back the
// session cookies for replay into other sessions.
type Authenticator struct {
	cfg     config.AuthConfig
	finders []submitFinder
	logger  *zap.Logger
	settle  time.Duration
}

// NewAuthenticator creates an authenticator for cfg.
func NewAuthenticator(cfg config.AuthConfig, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Authenticator{cfg: cfg, logger: logger.Named("Authenticator"), settle: 500 * time.Millisecond}
	a.finders = []submitFinder{a.configuredSubmit, sameFormSubmit, labelledSubmit}
	return a
}

// Login signs in on d. Cookies held afterwards are returned.
func (a *Authenticator) Login(ctx context.Context, d browser.Driver) ([]schemas.Cookie, error) {
	if err := d.Navigate(ctx, a.cfg.LoginURL); err != nil {
		return nil, fmt.Errorf("%w: open login page: %v", ErrAuthentication, err)
	}

	user, err := first(ctx, d, schemas.Locator(a.cfg.UsernameSelector))
	if err != nil {
		return nil, fmt.Errorf("%w: username field: %v", ErrAuthentication, err)
	}
	pass, err := first(ctx, d, schemas.Locator(a.cfg.PasswordSelector))
	if err != nil {
		return nil, fmt.Errorf("%w: password field: %v", ErrAuthentication, err)
	}
	if err := fill(ctx, d, user, a.cfg.Username); err != nil {
		return nil, fmt.Errorf("%w: type username: %v", ErrAuthentication, err)
	}
	if err := fill(ctx, d, pass, a.cfg.Password); err != nil {
		return nil, fmt.Errorf("%w: type password: %v", ErrAuthentication, err)
	}

	var submit browser.ElementRef
	for _, find := range a.finders {
		if el, ok := find(ctx, d, pass); ok {
			submit = el
			break
		}
	}
	if submit == "" {
		return nil, fmt.Errorf("%w: no submit control found", ErrAuthentication)
	}
	if err := d.Click(ctx, submit); err != nil {
		return nil, fmt.Errorf("%w: submit: %v", ErrAuthentication, err)
	}

	if err := a.verify(ctx, d); err != nil {
		return nil, err
	}
	cookies, err := d.Cookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: read cookies: %v", ErrAuthentication, err)
	}
	a.logger.Info("Authenticated.", zap.Int("cookies", len(cookies)))
	return cookies, nil
}

// verify treats a login page that still shows a password field as failure.
func (a *Authenticator) verify(ctx context.Context, d browser.Driver) error {
	select {
	case <-time.After(a.settle):
	case <-ctx.Done():
		return ctx.Err()
	}
	current, err := d.CurrentURL(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if strings.TrimRight(current, "/") != strings.TrimRight(a.cfg.LoginURL, "/") {
		return nil
	}
	refs, err := d.FindElements(ctx, schemas.Locator(a.cfg.PasswordSelector))
	if err != nil {
		return nil
	}
	for _, el := range refs {
		if shown, err := d.IsDisplayed(ctx, el); err == nil && shown {
			return fmt.Errorf("%w: still on the login form", ErrAuthentication)
		}
	}
	return nil
}

func (a *Authenticator) configuredSubmit(ctx context.Context, d browser.Driver, _ browser.ElementRef) (browser.ElementRef, bool) {
	if a.cfg.SubmitSelector == "" {
		return "", false
	}
	el, err := first(ctx, d, schemas.Locator(a.cfg.SubmitSelector))
	return el, err == nil
}

func sameFormSubmit(ctx context.Context, d browser.Driver, password browser.ElementRef) (browser.ElementRef, bool) {
	refs, err := d.FindElementsFrom(ctx, password, schemas.XPath(
		"ancestor::form[1]//*[self::button[not(@type) or @type='submit'] or self::input[@type='submit' or @type='image']]"))
	if err != nil || len(refs) == 0 {
		return "", false
	}
	return refs[0], true
}

func labelledSubmit(ctx context.Context, d browser.Driver, _ browser.ElementRef) (browser.ElementRef, bool) {
	refs, err := d.FindElements(ctx, schemas.XPath(
		"//*[self::button or self::a or @role='button'][contains("+lower+",'log in') or contains("+lower+",'login') or contains("+lower+",'sign in')]"))
	if err != nil || len(refs) == 0 {
		return "", false
	}
	return refs[0], true
}

// ReplayCookies installs cookies captured by Login into d. The driver must
// already be on a page of the cookies' site.
func ReplayCookies(ctx context.Context, d browser.Driver, cookies []schemas.Cookie) error {
	var errs []error
	for _, c := range cookies {
		if err := d.AddCookie(ctx, c); err != nil {
			errs = append(errs, fmt.Errorf("cookie %s: %w", c.Name, err))
		}
	}
	return errors.Join(errs...)
}

func first(ctx context.Context, d browser.Driver, loc schemas.Locator) (browser.ElementRef, error) {
	refs, err := d.FindElements(ctx, loc)
	if err != nil {
		return "", err
	}
	if len(refs) == 0 {
		return "", fmt.Errorf("%w: %s", browser.ErrNoSuchElement, loc)
	}
	return refs[0], nil
}

func fill(ctx context.Context, d browser.Driver, el browser.ElementRef, text string) error {
	if err := d.Clear(ctx, el); err != nil {
		return err
	}
	return d.SendKeys(ctx, el, text)
}

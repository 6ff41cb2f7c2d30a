// internal/browser/webdriver/session.go
package webdriver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/browser"
)

// Session is one WebDriver session. It implements browser.Driver.
type Session struct {
	client *Client
	id     string
	logger *zap.Logger
}

var _ browser.Driver = (*Session)(nil)

// Capabilities is the W3C new-session payload.
type Capabilities struct {
	AlwaysMatch map[string]interface{} `json:"alwaysMatch"`
}

// NewSession opens a session with the given capabilities.
func (c *Client) NewSession(ctx context.Context, caps Capabilities) (*Session, error) {
	var resp struct {
		SessionID    string                 `json:"sessionId"`
		Capabilities map[string]interface{} `json:"capabilities"`
	}
	if err := c.do(ctx, http.MethodPost, "/session", map[string]interface{}{"capabilities": caps}, &resp); err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	if resp.SessionID == "" {
		return nil, errors.New("new session: endpoint returned no session id")
	}
	s := &Session{client: c, id: resp.SessionID}
	s.logger = c.logger.With(zap.String("wd_session", s.id))
	s.logger.Debug("WebDriver session opened.", zap.Any("browser", resp.Capabilities["browserName"]))
	return s, nil
}

func (s *Session) path(format string, args ...interface{}) string {
	return "/session/" + url.PathEscape(s.id) + fmt.Sprintf(format, args...)
}

func (s *Session) elemPath(el browser.ElementRef, suffix string) string {
	return s.path("/element/%s%s", url.PathEscape(string(el)), suffix)
}

// SessionID returns the remote session id.
func (s *Session) SessionID() string { return s.id }

// SetTimeouts configures page load and script timeouts.
func (s *Session) SetTimeouts(ctx context.Context, pageLoadMs, scriptMs int64) error {
	body := map[string]int64{"pageLoad": pageLoadMs, "script": scriptMs, "implicit": 0}
	return s.client.do(ctx, http.MethodPost, s.path("/timeouts"), body, nil)
}

// SetWindowSize resizes the current window.
func (s *Session) SetWindowSize(ctx context.Context, width, height int) error {
	body := map[string]int{"width": width, "height": height}
	return s.client.do(ctx, http.MethodPost, s.path("/window/rect"), body, nil)
}

func (s *Session) Navigate(ctx context.Context, u string) error {
	return s.client.do(ctx, http.MethodPost, s.path("/url"), map[string]string{"url": u}, nil)
}

func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var u string
	err := s.client.do(ctx, http.MethodGet, s.path("/url"), nil, &u)
	return u, err
}

func (s *Session) Title(ctx context.Context) (string, error) {
	var t string
	err := s.client.do(ctx, http.MethodGet, s.path("/title"), nil, &t)
	return t, err
}

func (s *Session) PageSource(ctx context.Context) (string, error) {
	var src string
	err := s.client.do(ctx, http.MethodGet, s.path("/source"), nil, &src)
	return src, err
}

func (s *Session) Back(ctx context.Context) error {
	return s.client.do(ctx, http.MethodPost, s.path("/back"), nil, nil)
}

func (s *Session) Refresh(ctx context.Context) error {
	return s.client.do(ctx, http.MethodPost, s.path("/refresh"), nil, nil)
}

func (s *Session) WindowHandles(ctx context.Context) ([]string, error) {
	var handles []string
	err := s.client.do(ctx, http.MethodGet, s.path("/window/handles"), nil, &handles)
	return handles, err
}

func (s *Session) CurrentWindow(ctx context.Context) (string, error) {
	var h string
	err := s.client.do(ctx, http.MethodGet, s.path("/window"), nil, &h)
	return h, err
}

func (s *Session) SwitchWindow(ctx context.Context, handle string) error {
	return s.client.do(ctx, http.MethodPost, s.path("/window"), map[string]string{"handle": handle}, nil)
}

func (s *Session) CloseWindow(ctx context.Context) error {
	return s.client.do(ctx, http.MethodDelete, s.path("/window"), nil, nil)
}

type elementRef map[string]string

func (r elementRef) ref() browser.ElementRef {
	if id, ok := r[elementKey]; ok {
		return browser.ElementRef(id)
	}
	return browser.ElementRef(r["ELEMENT"])
}

func toRefs(raw []elementRef) []browser.ElementRef {
	out := make([]browser.ElementRef, 0, len(raw))
	for _, r := range raw {
		if ref := r.ref(); ref != "" {
			out = append(out, ref)
		}
	}
	return out
}

func locatorBody(loc schemas.Locator) map[string]string {
	strategy, value := loc.WireForm()
	return map[string]string{"using": string(strategy), "value": value}
}

func (s *Session) FindElements(ctx context.Context, loc schemas.Locator) ([]browser.ElementRef, error) {
	var raw []elementRef
	if err := s.client.do(ctx, http.MethodPost, s.path("/elements"), locatorBody(loc), &raw); err != nil {
		return nil, err
	}
	return toRefs(raw), nil
}

func (s *Session) FindElementsFrom(ctx context.Context, parent browser.ElementRef, loc schemas.Locator) ([]browser.ElementRef, error) {
	var raw []elementRef
	if err := s.client.do(ctx, http.MethodPost, s.elemPath(parent, "/elements"), locatorBody(loc), &raw); err != nil {
		return nil, err
	}
	return toRefs(raw), nil
}

func (s *Session) TagName(ctx context.Context, el browser.ElementRef) (string, error) {
	var v string
	err := s.client.do(ctx, http.MethodGet, s.elemPath(el, "/name"), nil, &v)
	return v, err
}

func (s *Session) Text(ctx context.Context, el browser.ElementRef) (string, error) {
	var v string
	err := s.client.do(ctx, http.MethodGet, s.elemPath(el, "/text"), nil, &v)
	return v, err
}

func (s *Session) Attribute(ctx context.Context, el browser.ElementRef, name string) (string, error) {
	var v *string
	if err := s.client.do(ctx, http.MethodGet, s.elemPath(el, "/attribute/"+url.PathEscape(name)), nil, &v); err != nil {
		return "", err
	}
	if v == nil {
		return "", nil
	}
	return *v, nil
}

func (s *Session) CSSValue(ctx context.Context, el browser.ElementRef, property string) (string, error) {
	var v string
	err := s.client.do(ctx, http.MethodGet, s.elemPath(el, "/css/"+url.PathEscape(property)), nil, &v)
	return v, err
}

func (s *Session) Rect(ctx context.Context, el browser.ElementRef) (schemas.Rect, error) {
	var r schemas.Rect
	err := s.client.do(ctx, http.MethodGet, s.elemPath(el, "/rect"), nil, &r)
	return r, err
}

func (s *Session) boolGet(ctx context.Context, el browser.ElementRef, suffix string) (bool, error) {
	var v bool
	err := s.client.do(ctx, http.MethodGet, s.elemPath(el, suffix), nil, &v)
	return v, err
}

func (s *Session) IsDisplayed(ctx context.Context, el browser.ElementRef) (bool, error) {
	return s.boolGet(ctx, el, "/displayed")
}

func (s *Session) IsEnabled(ctx context.Context, el browser.ElementRef) (bool, error) {
	return s.boolGet(ctx, el, "/enabled")
}

func (s *Session) IsSelected(ctx context.Context, el browser.ElementRef) (bool, error) {
	return s.boolGet(ctx, el, "/selected")
}

func (s *Session) Click(ctx context.Context, el browser.ElementRef) error {
	return s.client.do(ctx, http.MethodPost, s.elemPath(el, "/click"), nil, nil)
}

func (s *Session) Clear(ctx context.Context, el browser.ElementRef) error {
	return s.client.do(ctx, http.MethodPost, s.elemPath(el, "/clear"), nil, nil)
}

func (s *Session) SendKeys(ctx context.Context, el browser.ElementRef, text string) error {
	return s.client.do(ctx, http.MethodPost, s.elemPath(el, "/value"), map[string]string{"text": text}, nil)
}

func (s *Session) decodePNG(ctx context.Context, path string) ([]byte, error) {
	var b64 string
	if err := s.client.do(ctx, http.MethodGet, path, nil, &b64); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return data, nil
}

func (s *Session) ElementScreenshot(ctx context.Context, el browser.ElementRef) ([]byte, error) {
	return s.decodePNG(ctx, s.elemPath(el, "/screenshot"))
}

func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	return s.decodePNG(ctx, s.path("/screenshot"))
}

func (s *Session) Cookies(ctx context.Context) ([]schemas.Cookie, error) {
	var cookies []schemas.Cookie
	err := s.client.do(ctx, http.MethodGet, s.path("/cookie"), nil, &cookies)
	return cookies, err
}

func (s *Session) AddCookie(ctx context.Context, c schemas.Cookie) error {
	return s.client.do(ctx, http.MethodPost, s.path("/cookie"), map[string]schemas.Cookie{"cookie": c}, nil)
}

// ExecuteScript runs a synchronous script. Element refs in args are
// serialized as web element references.
func (s *Session) ExecuteScript(ctx context.Context, script string, args []interface{}, out interface{}) error {
	wireArgs := make([]interface{}, len(args))
	for i, a := range args {
		if ref, ok := a.(browser.ElementRef); ok {
			wireArgs[i] = map[string]string{elementKey: string(ref)}
			continue
		}
		wireArgs[i] = a
	}
	body := map[string]interface{}{"script": script, "args": wireArgs}
	return s.client.do(ctx, http.MethodPost, s.path("/execute/sync"), body, out)
}

// Probe runs a named probe. The probe function is applied to the script
// arguments, so element probes receive the element first.
func (s *Session) Probe(ctx context.Context, name browser.ProbeName, el browser.ElementRef, out interface{}) error {
	fn, err := browser.ProbeScript(name)
	if err != nil {
		return err
	}
	var args []interface{}
	if el != "" {
		args = append(args, el)
	}
	var raw jsoniter.RawMessage
	if err := s.ExecuteScript(ctx, "return ("+fn+").apply(null, arguments);", args, &raw); err != nil {
		return fmt.Errorf("probe %s: %w", name, err)
	}
	if out == nil || len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// Quit deletes the remote session.
func (s *Session) Quit(ctx context.Context) error {
	if err := s.client.do(ctx, http.MethodDelete, s.path(""), nil, nil); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	s.logger.Debug("WebDriver session closed.")
	return nil
}

// Package webtest provides a scripted in-memory web.Session for tests.
package webtest

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"adsync/web"
)

// Session is a scripted fake. Elements are keyed by Selector.String().
// Lookups of unknown selectors fail immediately with a web.TimeoutError.
type Session struct {
	URL string

	Elements map[string]*web.Element
	Lists    map[string][]*web.Element
	// Pages maps a URL to the HTML returned while it is current.
	Pages map[string]string
	// Redirects maps an opened URL to the URL the browser ends up on.
	Redirects map[string]string
	// Responses are keyed by "METHOD URL".
	Responses map[string]*web.Response
	// Scripts maps a script prefix to its result.
	Scripts map[string]any
	OnClick map[string]func(*Session)
	OnOpen  func(s *Session, url string)

	Inputs   map[string]string
	Selects  map[string]string
	Uploads  []string
	Executed []string
	Requests []web.Request
	Calls    []string
}

// New returns an empty session positioned on about:blank.
func New() *Session {
	return &Session{
		URL:       "about:blank",
		Elements:  map[string]*web.Element{},
		Lists:     map[string][]*web.Element{},
		Pages:     map[string]string{},
		Redirects: map[string]string{},
		Responses: map[string]*web.Response{},
		Scripts:   map[string]any{},
		OnClick:   map[string]func(*Session){},
		Inputs:    map[string]string{},
		Selects:   map[string]string{},
	}
}

// Put registers a visible, enabled element.
func (s *Session) Put(sel web.Selector, el *web.Element) *web.Element {
	if el == nil {
		el = &web.Element{}
	}
	el.Displayed, el.Enabled = true, true
	s.Elements[sel.String()] = el
	return el
}

// Remove drops an element.
func (s *Session) Remove(sel web.Selector) {
	delete(s.Elements, sel.String())
}

// Respond registers a response for method and URL.
func (s *Session) Respond(method, url string, status int, content string) {
	s.Responses[method+" "+url] = &web.Response{Status: status, Content: content}
}

// Called reports whether a call with the given prefix was recorded.
func (s *Session) Called(prefix string) bool {
	return slices.ContainsFunc(s.Calls, func(c string) bool { return strings.HasPrefix(c, prefix) })
}

func (s *Session) record(format string, args ...any) {
	s.Calls = append(s.Calls, fmt.Sprintf(format, args...))
}

func (s *Session) lookup(sel web.Selector, timeout time.Duration) (*web.Element, error) {
	if el, ok := s.Elements[sel.String()]; ok {
		return el, nil
	}
	if els := s.Lists[sel.String()]; len(els) > 0 {
		return els[0], nil
	}
	if timeout <= 0 {
		timeout = web.DefaultTimeout
	}
	return nil, &web.TimeoutError{What: sel.String(), After: timeout}
}

func (s *Session) Open(_ context.Context, url string) error {
	s.record("open %s", url)
	s.URL = url
	if to, ok := s.Redirects[url]; ok {
		s.URL = to
	}
	if s.OnOpen != nil {
		s.OnOpen(s, url)
	}
	return nil
}

func (s *Session) Find(_ context.Context, sel web.Selector, timeout time.Duration) (*web.Element, error) {
	return s.lookup(sel, timeout)
}

func (s *Session) FindAll(_ context.Context, sel web.Selector, timeout time.Duration) ([]*web.Element, error) {
	if els := s.Lists[sel.String()]; len(els) > 0 {
		return els, nil
	}
	el, err := s.lookup(sel, timeout)
	if err != nil {
		return nil, err
	}
	return []*web.Element{el}, nil
}

func (s *Session) Click(_ context.Context, sel web.Selector, timeout time.Duration) error {
	if _, err := s.lookup(sel, timeout); err != nil {
		return err
	}
	s.record("click %s", sel)
	if hook := s.OnClick[sel.String()]; hook != nil {
		hook(s)
	}
	return nil
}

func (s *Session) Input(_ context.Context, sel web.Selector, text string, timeout time.Duration) error {
	if _, err := s.lookup(sel, timeout); err != nil {
		return err
	}
	s.record("input %s", sel)
	s.Inputs[sel.String()] = text
	return nil
}

func (s *Session) Select(_ context.Context, sel web.Selector, value string, timeout time.Duration) error {
	if _, err := s.lookup(sel, timeout); err != nil {
		return err
	}
	s.record("select %s", sel)
	s.Selects[sel.String()] = value
	return nil
}

func (s *Session) Upload(_ context.Context, sel web.Selector, files []string, timeout time.Duration) error {
	if _, err := s.lookup(sel, timeout); err != nil {
		return err
	}
	s.record("upload %s", sel)
	s.Uploads = append(s.Uploads, files...)
	return nil
}

// Execute decodes the registered result of the longest matching script prefix into out.
func (s *Session) Execute(_ context.Context, script string, out any) error {
	s.record("execute")
	s.Executed = append(s.Executed, script)

	var result any
	var found bool
	best := -1
	for prefix, v := range s.Scripts {
		if strings.HasPrefix(script, prefix) && len(prefix) > best {
			result, found, best = v, true, len(prefix)
		}
	}
	if out == nil {
		return nil
	}
	if !found {
		return fmt.Errorf("unscripted script: %.60s", script)
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (s *Session) Request(_ context.Context, req web.Request) (*web.Response, error) {
	method := req.Method
	if method == "" {
		method = "GET"
	}
	s.record("request %s %s", method, req.URL)
	s.Requests = append(s.Requests, req)

	resp, ok := s.Responses[method+" "+req.URL]
	if !ok {
		return nil, fmt.Errorf("no response scripted for %s %s", method, req.URL)
	}
	valid := req.ValidCodes
	if len(valid) == 0 {
		valid = []int{200}
	}
	if !slices.Contains(valid, resp.Status) {
		return nil, fmt.Errorf("invalid response code %d for %s %s", resp.Status, method, req.URL)
	}
	return resp, nil
}

func (s *Session) CurrentURL(context.Context) (string, error) {
	return s.URL, nil
}

func (s *Session) HTML(context.Context) (string, error) {
	html, ok := s.Pages[s.URL]
	if !ok {
		return "", fmt.Errorf("no page scripted for %s", s.URL)
	}
	return html, nil
}

func (s *Session) ScrollDown(context.Context) error {
	s.record("scroll")
	return nil
}

func (s *Session) Sleep(context.Context, time.Duration, time.Duration) error {
	return nil
}

var _ web.Session = (*Session)(nil)

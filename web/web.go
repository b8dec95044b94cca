// Package web defines the browser session the publishing, deleting and
// extraction flows drive, plus helpers for optional page elements.
package web

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultTimeout bounds element lookups when a caller passes 0.
const DefaultTimeout = 5 * time.Second

// By selects how a Selector value is interpreted.
type By int

// Selector kinds.
const (
	ByID By = iota
	ByCSS
	ByXPath
	ByClass
	ByText
	ByTag
)

// Selector locates page elements.
type Selector struct {
	By    By
	Value string
}

// ID selects by element id. Ids may contain CSS meta characters.
func ID(id string) Selector { return Selector{By: ByID, Value: id} }

// CSS selects by CSS selector.
func CSS(query string) Selector { return Selector{By: ByCSS, Value: query} }

// XPath selects by XPath expression.
func XPath(expr string) Selector { return Selector{By: ByXPath, Value: expr} }

// Class selects by a single class name.
func Class(name string) Selector { return Selector{By: ByClass, Value: name} }

// Text selects elements whose own text contains s.
func Text(s string) Selector { return Selector{By: ByText, Value: s} }

// Tag selects by element name.
func Tag(name string) Selector { return Selector{By: ByTag, Value: name} }

func (s Selector) String() string {
	switch s.By {
	case ByID:
		return "id=" + s.Value
	case ByCSS:
		return "css=" + s.Value
	case ByXPath:
		return "xpath=" + s.Value
	case ByClass:
		return "class=" + s.Value
	case ByText:
		return "text=" + s.Value
	case ByTag:
		return "tag=" + s.Value
	default:
		return fmt.Sprintf("by(%d)=%s", s.By, s.Value)
	}
}

// Condition is an element state checked by Check.
type Condition int

// Element conditions.
const (
	Displayed Condition = iota
	Selected
	Disabled
	ReadOnly
	Clickable
)

// Element is a snapshot of one page element taken when it was found.
type Element struct {
	Tag       string
	Text      string
	Value     string
	Attrs     map[string]string
	Displayed bool
	Enabled   bool
	Selected  bool // checked radio/checkbox or selected option
	ReadOnly  bool
}

// Attr returns an attribute value and whether it is present.
func (e *Element) Attr(name string) (string, bool) {
	v, ok := e.Attrs[name]
	return v, ok
}

// Is reports whether the element satisfies cond.
func (e *Element) Is(cond Condition) bool {
	switch cond {
	case Displayed:
		return e.Displayed
	case Selected:
		return e.Selected
	case Disabled:
		return !e.Enabled
	case ReadOnly:
		return e.ReadOnly
	case Clickable:
		return e.Displayed && e.Enabled
	default:
		return false
	}
}

// Request is an HTTP request executed inside the browser page, so it carries
// the session's cookies.
type Request struct {
	URL        string
	Method     string // GET when empty
	Headers    map[string]string
	Body       string
	ValidCodes []int // [200] when empty
}

// Response is the result of a Request.
type Response struct {
	Status     int    `json:"status"`
	StatusText string `json:"statusText"`
	Content    string `json:"content"`
}

// Session is a single stateful browser tab. Lookups that do not find their
// element within the timeout fail with an error matching ErrTimeout; a zero
// timeout means DefaultTimeout.
type Session interface {
	Open(ctx context.Context, url string) error
	Find(ctx context.Context, sel Selector, timeout time.Duration) (*Element, error)
	FindAll(ctx context.Context, sel Selector, timeout time.Duration) ([]*Element, error)
	Click(ctx context.Context, sel Selector, timeout time.Duration) error
	Input(ctx context.Context, sel Selector, text string, timeout time.Duration) error
	// Select picks the option whose value or visible text equals value.
	Select(ctx context.Context, sel Selector, value string, timeout time.Duration) error
	Upload(ctx context.Context, sel Selector, files []string, timeout time.Duration) error
	// Execute evaluates script, awaiting promises, and decodes the result into out (may be nil).
	Execute(ctx context.Context, script string, out any) error
	Request(ctx context.Context, req Request) (*Response, error)
	CurrentURL(ctx context.Context) (string, error)
	// HTML returns the outer HTML of the current document.
	HTML(ctx context.Context) (string, error)
	ScrollDown(ctx context.Context) error
	// Sleep pauses for a random duration in [min, max]; zero values use 1s and 2.5s.
	Sleep(ctx context.Context, min, max time.Duration) error
}

// ErrTimeout is matched by every element lookup timeout.
var ErrTimeout = errors.New("timed out")

// TimeoutError reports an element or condition that did not appear in time.
type TimeoutError struct {
	What  string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s not found within %s", e.What, e.After)
}

// Is makes errors.Is(err, ErrTimeout) work.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// IsTimeout checks if an error is an interaction timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// Probe turns a lookup timeout into an absent result: absence of an optional
// element is not an error.
func Probe[T any](v T, err error) (T, bool, error) {
	if err != nil {
		var zero T
		if IsTimeout(err) {
			return zero, false, nil
		}
		return zero, false, err
	}
	return v, true, nil
}

// Skip drops a timeout error and keeps every other error.
func Skip(err error) error {
	if IsTimeout(err) {
		return nil
	}
	return err
}

// TextOf returns the text of the first element matching sel.
func TextOf(ctx context.Context, s Session, sel Selector, timeout time.Duration) (string, error) {
	el, err := s.Find(ctx, sel, timeout)
	if err != nil {
		return "", err
	}
	return el.Text, nil
}

// Check reports whether the first element matching sel satisfies cond.
// A missing element is a timeout error, not false.
func Check(ctx context.Context, s Session, sel Selector, cond Condition, timeout time.Duration) (bool, error) {
	el, err := s.Find(ctx, sel, timeout)
	if err != nil {
		return false, err
	}
	return el.Is(cond), nil
}

// pollInterval is how often Await re-evaluates its condition.
var pollInterval = 500 * time.Millisecond

// Await polls cond until it holds, fails, or timeout elapses.
// Timeout errors from cond count as "not yet".
func Await(ctx context.Context, what string, timeout time.Duration, cond func(ctx context.Context) (bool, error)) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		ok, err := cond(ctx)
		if err != nil && !IsTimeout(err) {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return &TimeoutError{What: what, After: timeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// URLContains returns an Await condition matching the current URL.
func URLContains(s Session, fragment string) func(ctx context.Context) (bool, error) {
	return func(ctx context.Context) (bool, error) {
		u, err := s.CurrentURL(ctx)
		if err != nil {
			return false, err
		}
		return strings.Contains(u, fragment), nil
	}
}

// ElementIs returns an Await condition checking an element state.
func ElementIs(s Session, sel Selector, cond Condition) func(ctx context.Context) (bool, error) {
	return func(ctx context.Context) (bool, error) {
		return Check(ctx, s, sel, cond, 250*time.Millisecond)
	}
}

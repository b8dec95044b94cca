package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/codeGROOVE-dev/retry"
)

const (
	openTimeout   = 30 * time.Second
	queryInterval = 250 * time.Millisecond
)

// ChromeConfig configures the browser process.
type ChromeConfig struct {
	BinaryLocation string   // empty uses the chromedp lookup
	Arguments      []string // extra switches such as "--window-size=1200,900"
	Extensions     []string // unpacked extension directories
	UserDataDir    string
	ProfileName    string
	PrivateWindow  bool
	Headless       bool
}

// ChromeSession drives one Chrome tab through the DevTools protocol.
type ChromeSession struct {
	tab         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	logger      *slog.Logger
}

// NewChromeSession starts a browser and opens a blank tab.
func NewChromeSession(cfg ChromeConfig, logger *slog.Logger) (*ChromeSession, error) {
	opts := append(slices.Clone(chromedp.DefaultExecAllocatorOptions[:]),
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-search-engine-choice-screen", true),
	)
	if cfg.BinaryLocation != "" {
		opts = append(opts, chromedp.ExecPath(cfg.BinaryLocation))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if cfg.ProfileName != "" {
		opts = append(opts, chromedp.Flag("profile-directory", cfg.ProfileName))
	}
	if cfg.PrivateWindow {
		opts = append(opts, chromedp.Flag("incognito", true))
	}
	if len(cfg.Extensions) > 0 {
		opts = append(opts,
			chromedp.Flag("disable-extensions", false),
			chromedp.Flag("load-extension", strings.Join(cfg.Extensions, ",")))
	}
	for _, arg := range cfg.Arguments {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if hasValue {
			opts = append(opts, chromedp.Flag(name, value))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	tab, cancelTab := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...)) }),
		chromedp.WithErrorf(func(format string, args ...any) { logger.Debug("Browser protocol error", "detail", fmt.Sprintf(format, args...)) }),
	)

	// The first Run launches the browser.
	if err := chromedp.Run(tab); err != nil {
		cancelTab()
		cancelAlloc()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	logger.Info("Browser session started", "binary", cfg.BinaryLocation, "headless", cfg.Headless, "user_data_dir", cfg.UserDataDir)

	return &ChromeSession{tab: tab, cancelTab: cancelTab, cancelAlloc: cancelAlloc, logger: logger}, nil
}

// Close shuts the browser down.
func (c *ChromeSession) Close() {
	c.cancelTab()
	c.cancelAlloc()
	c.logger.Info("Browser session closed")
}

// run executes actions on the tab, bounded by timeout and by the caller's ctx.
func (c *ChromeSession) run(ctx context.Context, what string, timeout time.Duration, actions ...chromedp.Action) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(c.tab, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{What: what, After: timeout}
	}
	return fmt.Errorf("%s: %w", what, err)
}

// query maps a Selector to a chromedp query.
func query(sel Selector) (string, chromedp.QueryOption) {
	switch sel.By {
	case ByID:
		return fmt.Sprintf("[id=%q]", sel.Value), chromedp.ByQuery
	case ByCSS:
		return sel.Value, chromedp.ByQuery
	case ByClass:
		return "." + sel.Value, chromedp.ByQuery
	case ByTag:
		return sel.Value, chromedp.ByQuery
	case ByText:
		return fmt.Sprintf("//*[contains(text(), %s)]", xpathLiteral(sel.Value)), chromedp.BySearch
	default:
		return sel.Value, chromedp.BySearch
	}
}

// jsElements returns a script expression evaluating to an array of matches.
func jsElements(sel Selector) string {
	q, _ := query(sel)
	lit, _ := json.Marshal(q)
	if sel.By == ByXPath || sel.By == ByText {
		return fmt.Sprintf(`(() => { const r = document.evaluate(%s, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null); const a = []; for (let i = 0; i < r.snapshotLength; i++) a.push(r.snapshotItem(i)); return a; })()`, lit)
	}
	return fmt.Sprintf(`Array.from(document.querySelectorAll(%s))`, lit)
}

func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	return "concat('" + strings.Join(parts, `', "'", '`) + "')"
}

const snapshotScript = `%s.map(e => ({
	tag: e.localName,
	text: (e.innerText ?? e.textContent ?? "").trim(),
	value: typeof e.value === "string" ? e.value : "",
	attrs: Object.fromEntries(Array.from(e.attributes).map(a => [a.name, a.value])),
	displayed: !!(e.offsetWidth || e.offsetHeight || e.getClientRects().length),
	enabled: !e.disabled,
	selected: !!(e.checked || e.selected),
	readOnly: !!e.readOnly,
}))`

type elementJSON struct {
	Tag       string            `json:"tag"`
	Text      string            `json:"text"`
	Value     string            `json:"value"`
	Attrs     map[string]string `json:"attrs"`
	Displayed bool              `json:"displayed"`
	Enabled   bool              `json:"enabled"`
	Selected  bool              `json:"selected"`
	ReadOnly  bool              `json:"readOnly"`
}

// Open navigates the tab and waits for the load event.
func (c *ChromeSession) Open(ctx context.Context, url string) error {
	c.logger.Debug("Opening page", "url", url)
	return c.run(ctx, "page "+url, openTimeout, chromedp.Navigate(url))
}

// FindAll polls until at least one element matches sel.
func (c *ChromeSession) FindAll(ctx context.Context, sel Selector, timeout time.Duration) ([]*Element, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	script := fmt.Sprintf(snapshotScript, jsElements(sel))
	deadline := time.Now().Add(timeout)
	for {
		var raw []elementJSON
		if err := c.run(ctx, sel.String(), timeout, chromedp.Evaluate(script, &raw)); err != nil && !IsTimeout(err) {
			return nil, err
		}
		if len(raw) > 0 {
			els := make([]*Element, len(raw))
			for i, r := range raw {
				els[i] = &Element{
					Tag: r.Tag, Text: r.Text, Value: r.Value, Attrs: r.Attrs,
					Displayed: r.Displayed, Enabled: r.Enabled, Selected: r.Selected, ReadOnly: r.ReadOnly,
				}
			}
			return els, nil
		}
		if time.Now().After(deadline) {
			return nil, &TimeoutError{What: sel.String(), After: timeout}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(queryInterval):
		}
	}
}

// Find returns the first element matching sel.
func (c *ChromeSession) Find(ctx context.Context, sel Selector, timeout time.Duration) (*Element, error) {
	els, err := c.FindAll(ctx, sel, timeout)
	if err != nil {
		return nil, err
	}
	return els[0], nil
}

// Click waits for the element to be visible and clicks it.
func (c *ChromeSession) Click(ctx context.Context, sel Selector, timeout time.Duration) error {
	q, opt := query(sel)
	return c.run(ctx, sel.String(), timeout, chromedp.Click(q, opt, chromedp.NodeVisible))
}

// Input clears the field and types text.
func (c *ChromeSession) Input(ctx context.Context, sel Selector, text string, timeout time.Duration) error {
	q, opt := query(sel)
	return c.run(ctx, sel.String(), timeout,
		chromedp.WaitVisible(q, opt),
		chromedp.Clear(q, opt),
		chromedp.SendKeys(q, text, opt),
	)
}

// Select picks an option by value or by visible text and fires a change event.
func (c *ChromeSession) Select(ctx context.Context, sel Selector, value string, timeout time.Duration) error {
	if _, err := c.Find(ctx, sel, timeout); err != nil {
		return err
	}
	lit, _ := json.Marshal(value)
	script := fmt.Sprintf(`(() => {
	const el = %s[0];
	const opt = Array.from(el.options).find(o => o.value === %s || o.text.trim() === %s);
	if (!opt) return false;
	el.value = opt.value;
	el.dispatchEvent(new Event("change", {bubbles: true}));
	return true;
})()`, jsElements(sel), lit, lit)
	var ok bool
	if err := c.run(ctx, sel.String(), timeout, chromedp.Evaluate(script, &ok)); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("option %q not available in %s", value, sel)
	}
	return nil
}

// Upload sets the files of a file input.
func (c *ChromeSession) Upload(ctx context.Context, sel Selector, files []string, timeout time.Duration) error {
	q, opt := query(sel)
	return c.run(ctx, sel.String(), timeout, chromedp.SetUploadFiles(q, files, opt))
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

// Execute evaluates a script.
func (c *ChromeSession) Execute(ctx context.Context, script string, out any) error {
	return c.run(ctx, "script", openTimeout, chromedp.Evaluate(script, out, awaitPromise))
}

// Request runs fetch() inside the page. Transport failures are retried;
// an unexpected status code is not.
func (c *ChromeSession) Request(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = "GET"
	}
	valid := req.ValidCodes
	if len(valid) == 0 {
		valid = []int{200}
	}
	init := map[string]any{"method": method, "headers": req.Headers}
	if req.Body != "" {
		init["body"] = req.Body
	}
	urlJSON, err := json.Marshal(req.URL)
	if err != nil {
		return nil, fmt.Errorf("encode url: %w", err)
	}
	initJSON, err := json.Marshal(init)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	script := fmt.Sprintf(`fetch(%s, %s).then(async r => ({status: r.status, statusText: r.statusText, content: await r.text()}))`, urlJSON, initJSON)

	var resp Response
	err = retry.Do(
		func() error {
			c.logger.Debug("Browser request starting", "method", method, "url", req.URL)
			if err := c.run(ctx, "request "+req.URL, openTimeout, chromedp.Evaluate(script, &resp, awaitPromise)); err != nil {
				return err
			}
			if !slices.Contains(valid, resp.Status) {
				return retry.Unrecoverable(fmt.Errorf("invalid response code %d %s for %s %s", resp.Status, resp.StatusText, method, req.URL))
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying browser request after error", "attempt", n, "url", req.URL, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// CurrentURL returns the tab location.
func (c *ChromeSession) CurrentURL(ctx context.Context) (string, error) {
	var u string
	err := c.run(ctx, "location", DefaultTimeout, chromedp.Location(&u))
	return u, err
}

// HTML returns the outer HTML of the document.
func (c *ChromeSession) HTML(ctx context.Context) (string, error) {
	var html string
	err := c.run(ctx, "document", DefaultTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

// ScrollDown scrolls to the bottom in steps so lazy content loads.
func (c *ChromeSession) ScrollDown(ctx context.Context) error {
	const script = `new Promise(done => {
	let y = 0;
	const step = () => {
		y += 400;
		window.scrollTo(0, y);
		if (y >= document.body.scrollHeight) { done(true); } else { setTimeout(step, 100); }
	};
	step();
})`
	return c.run(ctx, "scroll", openTimeout, chromedp.Evaluate(script, nil, awaitPromise))
}

// Sleep pauses for a random duration in [min, max].
func (c *ChromeSession) Sleep(ctx context.Context, min, max time.Duration) error {
	return sleep(ctx, min, max)
}

func sleep(ctx context.Context, min, max time.Duration) error {
	if min <= 0 {
		min = time.Second
	}
	if max <= 0 {
		max = 2500 * time.Millisecond
	}
	if max < min {
		max = min
	}
	d := min + time.Duration(rand.Int64N(int64(max-min)+1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

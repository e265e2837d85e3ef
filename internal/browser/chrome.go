package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"dsdreports/internal/config"
)

// presencePollInterval is how often WaitPresent re-evaluates the locator.
const presencePollInterval = 250 * time.Millisecond

// resolverJS defines resolve(loc), which finds a Locator's element.
// Scoped lookups descend into the host's shadow root or iframe document.
const resolverJS = `
function resolve(loc) {
	if (!loc) return null;
	if (loc.host) {
		var host = resolve(loc.host);
		if (!host) return null;
		var root = host.shadowRoot || host.contentDocument;
		if (!root) return null;
		return root.querySelector(loc.selector);
	}
	switch (loc.strategy) {
	case "id":
		return document.getElementById(loc.selector);
	case "css":
		return document.querySelector(loc.selector);
	case "xpath":
		return document.evaluate(loc.selector, document, null,
			XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
	}
	return null;
}`

// ChromeSurface drives a Chrome instance through chromedp.
type ChromeSurface struct {
	ctx         context.Context
	cancel      context.CancelFunc
	cancelAlloc context.CancelFunc
	downloadDir string
	pageTimeout time.Duration
	logger      *slog.Logger
}

// NewChromeSurface starts a browser whose downloads land in downloadDir.
func NewChromeSurface(cfg config.BrowserConfig, downloadDir string, logger *slog.Logger) (*ChromeSurface, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	ctx, cancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(format string, args ...any) {
		logger.Debug(fmt.Sprintf(format, args...), slog.String("source", "chromedp"))
	}))

	s := &ChromeSurface{
		ctx:         ctx,
		cancel:      cancel,
		cancelAlloc: cancelAlloc,
		downloadDir: downloadDir,
		pageTimeout: cfg.PageTimeout,
		logger:      logger,
	}

	// The first Run launches the browser.
	err := chromedp.Run(ctx, cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllow).
		WithDownloadPath(downloadDir).
		WithEventsEnabled(true))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	logger.Info("Browser started",
		slog.Bool("headless", cfg.Headless),
		slog.String("download_dir", downloadDir))
	return s, nil
}

// Context returns the browser context, for opening additional tabs with
// chromedp.NewContext.
func (s *ChromeSurface) Context() context.Context { return s.ctx }

// DownloadDir returns the directory downloads are written to.
func (s *ChromeSurface) DownloadDir() string { return s.downloadDir }

// run executes actions on the browser tab, bounded by ctx.
func (s *ChromeSurface) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	if dl, ok := ctx.Deadline(); ok {
		var cancelDl context.CancelFunc
		runCtx, cancelDl = context.WithDeadline(runCtx, dl)
		defer cancelDl()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

// eval runs body with `el` bound to the locator's element (or null).
func (s *ChromeSurface) eval(ctx context.Context, l Locator, body string, out any) error {
	loc, err := json.Marshal(l)
	if err != nil {
		return err
	}
	expr := fmt.Sprintf("(function(loc){%s\nvar el = resolve(loc);\n%s\n})(%s)", resolverJS, body, loc)
	return s.run(ctx, chromedp.Evaluate(expr, out))
}

func (s *ChromeSurface) Navigate(ctx context.Context, url string) error {
	if s.pageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.pageTimeout)
		defer cancel()
	}
	if err := s.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (s *ChromeSurface) Location(ctx context.Context) (string, error) {
	var url string
	err := s.run(ctx, chromedp.Location(&url))
	return url, err
}

func (s *ChromeSurface) WaitPresent(ctx context.Context, l Locator, timeout time.Duration) error {
	loc, err := json.Marshal(l)
	if err != nil {
		return err
	}
	expr := fmt.Sprintf("(function(loc){%s\nreturn resolve(loc) !== null;\n})(%s)", resolverJS, loc)

	var present bool
	err = s.run(ctx, chromedp.Poll(expr, &present,
		chromedp.WithPollingInterval(presencePollInterval),
		chromedp.WithPollingTimeout(timeout)))
	if errors.Is(err, chromedp.ErrPollingTimeout) {
		return fmt.Errorf("%s: %w", l, ErrNotPresent)
	}
	return err
}

type elementState struct {
	Found       bool    `json:"found"`
	Disabled    bool    `json:"disabled"`
	Intercepted bool    `json:"intercepted"`
	By          string  `json:"by"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
}

func (s *ChromeSurface) Disabled(ctx context.Context, l Locator) (bool, error) {
	var st elementState
	err := s.eval(ctx, l, `
if (!el) return {found: false};
var disabled = el.disabled === true ||
	el.getAttribute("aria-disabled") === "true" ||
	el.classList.contains("disabled");
return {found: true, disabled: disabled};`, &st)
	if err != nil {
		return false, err
	}
	if !st.Found {
		return false, fmt.Errorf("%s: %w", l, ErrNotFound)
	}
	return st.Disabled, nil
}

// Click scrolls the element into view, hit-tests its centre and dispatches
// a real mouse click there. Coordinates of elements inside same-origin
// iframes are translated to the top-level viewport.
func (s *ChromeSurface) Click(ctx context.Context, l Locator) error {
	var st elementState
	err := s.eval(ctx, l, `
if (!el) return {found: false};
el.scrollIntoView({block: "center", inline: "center"});
var r = el.getBoundingClientRect();
var x = r.left + r.width / 2, y = r.top + r.height / 2;
var root = el.getRootNode();
var top = (root.elementFromPoint ? root : el.ownerDocument).elementFromPoint(x, y);
if (top && top !== el && !el.contains(top)) {
	var by = top.tagName.toLowerCase() + (top.id ? "#" + top.id : "") +
		(typeof top.className === "string" && top.className ? "." + top.className.trim().split(/\s+/).join(".") : "");
	return {found: true, intercepted: true, by: by};
}
var w = el.ownerDocument.defaultView;
while (w && w.frameElement) {
	var fr = w.frameElement.getBoundingClientRect();
	x += fr.left; y += fr.top;
	w = w.parent;
}
return {found: true, x: x, y: y};`, &st)
	if err != nil {
		return err
	}
	if !st.Found {
		return fmt.Errorf("%s: %w", l, ErrNotFound)
	}
	if st.Intercepted {
		return fmt.Errorf("%s: %w by %s", l, ErrIntercepted, st.By)
	}
	return s.run(ctx, chromedp.MouseClickXY(st.X, st.Y))
}

// ScriptClick invokes the element's click() directly, bypassing hit-testing.
func (s *ChromeSurface) ScriptClick(ctx context.Context, l Locator) error {
	var st elementState
	err := s.eval(ctx, l, `
if (!el) return {found: false};
el.scrollIntoView({block: "center"});
el.click();
return {found: true};`, &st)
	if err != nil {
		return err
	}
	if !st.Found {
		return fmt.Errorf("%s: %w", l, ErrNotFound)
	}
	return nil
}

// SendKeys focuses the element, clears editable values and types text as
// key events. A trailing "\r" submits like a real Enter key press.
func (s *ChromeSurface) SendKeys(ctx context.Context, l Locator, text string) error {
	var st elementState
	err := s.eval(ctx, l, `
if (!el) return {found: false};
el.scrollIntoView({block: "center"});
el.focus();
if ("value" in el && el.type !== "file") { el.value = ""; }
return {found: true};`, &st)
	if err != nil {
		return err
	}
	if !st.Found {
		return fmt.Errorf("%s: %w", l, ErrNotFound)
	}
	return s.run(ctx, chromedp.KeyEvent(text))
}

// Upload sets the files of a file input, resolved through the same
// locator machinery so scoped inputs work too.
func (s *ChromeSurface) Upload(ctx context.Context, l Locator, path string) error {
	if err := s.WaitPresent(ctx, l, s.pageTimeout); err != nil {
		return err
	}

	loc, err := json.Marshal(l)
	if err != nil {
		return err
	}
	expr := fmt.Sprintf("(function(loc){%s\nreturn resolve(loc);\n})(%s)", resolverJS, loc)

	return s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var obj *runtime.RemoteObject
		if err := chromedp.Evaluate(expr, &obj).Do(ctx); err != nil {
			return err
		}
		if obj == nil || obj.ObjectID == "" {
			return fmt.Errorf("%s: %w", l, ErrNotFound)
		}
		return dom.SetFileInputFiles([]string{path}).WithObjectID(obj.ObjectID).Do(ctx)
	}))
}

// RemoveOverlays detaches every element matching any of selectors.
func (s *ChromeSurface) RemoveOverlays(ctx context.Context, selectors []string) (int, error) {
	if len(selectors) == 0 {
		return 0, nil
	}
	sel, err := json.Marshal(selectors)
	if err != nil {
		return 0, err
	}

	var removed int
	expr := fmt.Sprintf(`(function(sels){
var n = 0;
sels.forEach(function(s) {
	document.querySelectorAll(s).forEach(function(e) { e.remove(); n++; });
});
return n;
})(%s)`, sel)
	if err := s.run(ctx, chromedp.Evaluate(expr, &removed)); err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.DebugContext(ctx, "Removed overlays", slog.Int("count", removed))
	}
	return removed, nil
}

func (s *ChromeSurface) Evaluate(ctx context.Context, script string, out any) error {
	return s.run(ctx, chromedp.Evaluate(script, out))
}

// Close shuts the browser down. It is safe to call more than once.
func (s *ChromeSurface) Close() error {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.cancelAlloc != nil {
		s.cancelAlloc()
		s.cancelAlloc = nil
	}
	return nil
}

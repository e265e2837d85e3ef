// Package browsertest provides a scriptable in-memory browser.Surface.
package browsertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dsdreports/internal/browser"
)

// Element scripts the behavior of one locator on the fake page.
type Element struct {
	// AbsentChecks is the number of WaitPresent calls that fail before the
	// element appears. Negative means never.
	AbsentChecks int
	// DisabledChecks is the number of Disabled calls that report true.
	DisabledChecks int
	// InterceptedClicks is the number of Click calls rejected as intercepted.
	InterceptedClicks int
	// ClickErr, when set, fails every Click and ScriptClick.
	ClickErr error
	// OnClick runs after every successful click of either kind.
	OnClick func()
}

// Surface is a fake browser.Surface. Elements are keyed by Locator.String().
type Surface struct {
	mu sync.Mutex

	Elements map[string]*Element
	URL      string

	// NavigateErr fails navigation to the given URL.
	NavigateErr map[string]error
	// OnNavigate runs after every successful navigation.
	OnNavigate func(url string)
	// OnKeys runs after keys are sent to a locator.
	OnKeys func(l browser.Locator, text string)
	// EvaluateFunc answers Evaluate calls.
	EvaluateFunc func(script string, out any) error

	Calls           []string
	Typed           map[string]string
	Uploaded        map[string]string
	OverlaysRemoved int
	Closed          bool
}

// New returns an empty fake page at url.
func New(url string) *Surface {
	return &Surface{
		URL:         url,
		Elements:    make(map[string]*Element),
		NavigateErr: make(map[string]error),
		Typed:       make(map[string]string),
		Uploaded:    make(map[string]string),
	}
}

// Add registers an element under its locator text and returns it.
func (s *Surface) Add(loc string, e *Element) *Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e == nil {
		e = &Element{}
	}
	s.Elements[loc] = e
	return e
}

// Remove deletes the element, as if the page no longer renders it.
func (s *Surface) Remove(loc string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Elements, loc)
}

// CallLog returns a copy of the recorded calls.
func (s *Surface) CallLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Calls...)
}

func (s *Surface) record(format string, args ...any) {
	s.Calls = append(s.Calls, fmt.Sprintf(format, args...))
}

func (s *Surface) Navigate(ctx context.Context, url string) error {
	s.mu.Lock()
	s.record("navigate %s", url)
	if err := s.NavigateErr[url]; err != nil {
		s.mu.Unlock()
		return err
	}
	s.URL = url
	hook := s.OnNavigate
	s.mu.Unlock()

	if hook != nil {
		hook(url)
	}
	return ctx.Err()
}

func (s *Surface) Location(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.URL, ctx.Err()
}

// SetURL changes the current location without recording a navigation.
func (s *Surface) SetURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.URL = url
}

func (s *Surface) WaitPresent(ctx context.Context, l browser.Locator, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("wait %s", l)

	e, ok := s.Elements[l.String()]
	if !ok || e.AbsentChecks < 0 {
		return fmt.Errorf("%s: %w", l, browser.ErrNotPresent)
	}
	if e.AbsentChecks > 0 {
		e.AbsentChecks--
		return fmt.Errorf("%s: %w", l, browser.ErrNotPresent)
	}
	return ctx.Err()
}

func (s *Surface) lookup(l browser.Locator) (*Element, error) {
	e, ok := s.Elements[l.String()]
	if !ok || e.AbsentChecks != 0 {
		return nil, fmt.Errorf("%s: %w", l, browser.ErrNotFound)
	}
	return e, nil
}

func (s *Surface) Disabled(ctx context.Context, l browser.Locator) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("disabled? %s", l)

	e, err := s.lookup(l)
	if err != nil {
		return false, err
	}
	if e.DisabledChecks > 0 {
		e.DisabledChecks--
		return true, nil
	}
	return false, nil
}

func (s *Surface) Click(ctx context.Context, l browser.Locator) error {
	return s.click(l, "click")
}

func (s *Surface) ScriptClick(ctx context.Context, l browser.Locator) error {
	return s.click(l, "script-click")
}

func (s *Surface) click(l browser.Locator, kind string) error {
	s.mu.Lock()
	s.record("%s %s", kind, l)

	e, err := s.lookup(l)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if e.ClickErr != nil {
		s.mu.Unlock()
		return e.ClickErr
	}
	if kind == "click" && e.InterceptedClicks > 0 {
		e.InterceptedClicks--
		s.mu.Unlock()
		return fmt.Errorf("%s: %w by div.overlay", l, browser.ErrIntercepted)
	}
	hook := e.OnClick
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

func (s *Surface) SendKeys(ctx context.Context, l browser.Locator, text string) error {
	s.mu.Lock()
	s.record("keys %s", l)
	if _, err := s.lookup(l); err != nil {
		s.mu.Unlock()
		return err
	}
	s.Typed[l.String()] += text
	hook := s.OnKeys
	s.mu.Unlock()

	if hook != nil {
		hook(l, text)
	}
	return nil
}

func (s *Surface) Upload(ctx context.Context, l browser.Locator, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("upload %s", l)
	if _, err := s.lookup(l); err != nil {
		return err
	}
	s.Uploaded[l.String()] = path
	return nil
}

func (s *Surface) RemoveOverlays(ctx context.Context, selectors []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("remove-overlays %d", len(selectors))
	s.OverlaysRemoved += len(selectors)
	return len(selectors), nil
}

func (s *Surface) Evaluate(ctx context.Context, script string, out any) error {
	s.mu.Lock()
	fn := s.EvaluateFunc
	s.record("evaluate")
	s.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(script, out)
}

func (s *Surface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

var _ browser.Surface = (*Surface)(nil)

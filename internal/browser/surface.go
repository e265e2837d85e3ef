// Package browser abstracts the remote dashboard's UI behind a Surface and
// provides a chromedp-backed implementation.
package browser

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrIntercepted is returned by Click when another element would
	// receive the click.
	ErrIntercepted = errors.New("click intercepted")
	// ErrNotPresent is returned when an element did not appear in time.
	ErrNotPresent = errors.New("element not present")
	// ErrNotFound is returned when an element is absent at the time of use.
	ErrNotFound = errors.New("element not found")
)

// Surface is the set of UI primitives the retrieval engine drives.
// A Surface is owned by one session and is not safe for concurrent use.
type Surface interface {
	Navigate(ctx context.Context, url string) error
	Location(ctx context.Context) (string, error)
	WaitPresent(ctx context.Context, l Locator, timeout time.Duration) error
	Disabled(ctx context.Context, l Locator) (bool, error)
	Click(ctx context.Context, l Locator) error
	ScriptClick(ctx context.Context, l Locator) error
	SendKeys(ctx context.Context, l Locator, text string) error
	Upload(ctx context.Context, l Locator, path string) error
	RemoveOverlays(ctx context.Context, selectors []string) (int, error)
	Evaluate(ctx context.Context, script string, out any) error
	Close() error
}

package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsdreports/internal/browser"
	"dsdreports/internal/browser/browsertest"
	"dsdreports/internal/clock"
)

func testPolicy() Policy {
	return Policy{
		MaxAttempts:          3,
		InterAttemptDelay:    0,
		PresenceTimeout:      time.Second,
		DisabledPollInterval: time.Second,
		DisabledTimeout:      5 * time.Second,
		OverlaySelectors:     []string{".modal-backdrop"},
		Clock:                clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		Logger:               slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), testPolicy(), "probe", "id:x", func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("not yet")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustion(t *testing.T) {
	p := testPolicy()
	fake := p.Clock.(*clock.Fake)

	calls := 0
	err := p.Run(context.Background(), "export", "id:ActionButtonExport", func(ctx context.Context) error {
		calls++
		fake.Advance(2 * time.Second)
		return errors.New("boom")
	})

	var exhausted *RetryExhausted
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, "id:ActionButtonExport", exhausted.Locator)
	assert.Equal(t, 6*time.Second, exhausted.Elapsed)
	assert.EqualError(t, exhausted.Last, "boom")
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestDoWaitsBetweenAttemptsOnPolicyClock(t *testing.T) {
	p := testPolicy()
	p.InterAttemptDelay = time.Second
	fake := p.Clock.(*clock.Fake)

	started := time.Now()
	err := p.Run(context.Background(), "export", "id:ActionButtonExport", func(ctx context.Context) error {
		return errors.New("boom")
	})

	var exhausted *RetryExhausted
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, 2, fake.Sleeps(), "one wait between each pair of attempts")
	assert.Equal(t, 2*time.Second, exhausted.Elapsed)
	assert.Less(t, time.Since(started), 500*time.Millisecond)
}

func TestDoCancelledDuringInterAttemptWait(t *testing.T) {
	p := testPolicy()
	p.InterAttemptDelay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p.Clock.(*clock.Fake).OnSleep = func(int, time.Time) { cancel() }
	err := p.Run(ctx, "step", "id:x", func(ctx context.Context) error {
		calls++
		return errors.New("fail")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, calls)
}

func TestDoStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := testPolicy().Run(ctx, "step", "id:x", func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)

	var exhausted *RetryExhausted
	assert.False(t, errors.As(err, &exhausted))
}

func TestClickFallsBackThroughLocators(t *testing.T) {
	s := browsertest.New("https://dash.example/report")
	s.Add("id:downloadButton", nil)

	locs := browser.MustParseLocators("id:ActionButtonExport", "id:downloadButton")
	used, err := testPolicy().Click(context.Background(), s, "export", locs)
	require.NoError(t, err)
	assert.Equal(t, "id:downloadButton", used.String())
	assert.Contains(t, s.CallLog(), "click id:downloadButton")
	assert.NotContains(t, s.CallLog(), "click id:ActionButtonExport")
}

func TestClickInterceptedUsesScriptClickOnce(t *testing.T) {
	s := browsertest.New("https://dash.example/report")
	clicked := 0
	s.Add("id:ActionButtonExport", &browsertest.Element{
		InterceptedClicks: 1,
		OnClick:           func() { clicked++ },
	})

	_, err := testPolicy().Click(context.Background(), s, "export", browser.MustParseLocators("id:ActionButtonExport"))
	require.NoError(t, err)

	assert.Equal(t, 1, clicked)
	assert.Equal(t, 1, s.OverlaysRemoved)
	assert.Equal(t, []string{
		"wait id:ActionButtonExport",
		"disabled? id:ActionButtonExport",
		"click id:ActionButtonExport",
		"remove-overlays 1",
		"script-click id:ActionButtonExport",
	}, s.CallLog())
}

func TestClickInterceptedThenHardFailure(t *testing.T) {
	s := browsertest.New("https://dash.example/report")
	e := s.Add("id:ActionButtonExport", &browsertest.Element{InterceptedClicks: 100})

	p := testPolicy()
	p.MaxAttempts = 2
	_, err := p.Click(context.Background(), s, "export", browser.MustParseLocators("id:ActionButtonExport"))
	require.NoError(t, err, "script click path is not intercepted")
	assert.Equal(t, 99, e.InterceptedClicks)

	e.ClickErr = errors.New("detached")
	_, err = p.Click(context.Background(), s, "export", browser.MustParseLocators("id:ActionButtonExport"))
	var exhausted *RetryExhausted
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, exhausted.Attempts)
}

func TestDisabledElementPolledUntilEnabled(t *testing.T) {
	s := browsertest.New("https://dash.example/report")
	s.Add("id:ActionButtonExport", &browsertest.Element{DisabledChecks: 3})

	p := testPolicy()
	fake := p.Clock.(*clock.Fake)

	_, err := p.Click(context.Background(), s, "export", browser.MustParseLocators("id:ActionButtonExport"))
	require.NoError(t, err)
	assert.Equal(t, 3, fake.Sleeps(), "one poll per second while disabled")
}

func TestDisabledPastSubTimeoutRetriesWholeAttempt(t *testing.T) {
	s := browsertest.New("https://dash.example/report")
	// Disabled for the first attempt's six checks (0s..5s), enabled after.
	s.Add("id:ActionButtonExport", &browsertest.Element{DisabledChecks: 6})
	s.Add("id:downloadButton", nil)

	locs := browser.MustParseLocators("id:ActionButtonExport", "id:downloadButton")
	used, err := testPolicy().Click(context.Background(), s, "export", locs)
	require.NoError(t, err)

	// The disabled primary ends the attempt; the fallback is not tried in it.
	assert.Equal(t, "id:ActionButtonExport", used.String())
	assert.NotContains(t, s.CallLog(), "wait id:downloadButton")
}

func TestAbsentEverywhereExhausts(t *testing.T) {
	s := browsertest.New("https://dash.example/report")

	_, err := testPolicy().Type(context.Background(), s, "username",
		browser.MustParseLocators("id:ews-login-username", "id:username"), "alice")

	var exhausted *RetryExhausted
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "id:ews-login-username | id:username", exhausted.Locator)
	assert.ErrorIs(t, err, browser.ErrNotPresent)
}

func TestTypeAndUpload(t *testing.T) {
	s := browsertest.New("https://dash.example/login")
	s.Add("id:username", &browsertest.Element{AbsentChecks: 1})
	s.Add("css:input[type='file']", nil)

	p := testPolicy()
	_, err := p.Type(context.Background(), s, "username", browser.MustParseLocators("id:username"), "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", s.Typed["id:username"])

	_, err = p.Upload(context.Background(), s, "upload", browser.MustParseLocators("css:input[type='file']"), "/tmp/3.csv")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/3.csv", s.Uploaded["css:input[type='file']"])
}

func TestNoLocators(t *testing.T) {
	_, err := testPolicy().Click(context.Background(), browsertest.New(""), "export", nil)
	assert.ErrorContains(t, err, "no locators configured")
}

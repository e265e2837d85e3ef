// Package retry wraps UI interactions in bounded retries with locator
// fallbacks, disabled-state polling and a script-click fallback for
// intercepted clicks.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"dsdreports/internal/browser"
	"dsdreports/internal/clock"
	"dsdreports/internal/config"
	"dsdreports/internal/infrastructure"
)

// ErrStillDisabled is returned when an element stays disabled past the
// disabled sub-timeout.
var ErrStillDisabled = errors.New("element still disabled")

// RetryExhausted reports a step that failed on every attempt.
type RetryExhausted struct {
	Step     string
	Locator  string
	Attempts int
	Elapsed  time.Duration
	Last     error
}

func (e *RetryExhausted) Error() string {
	return fmt.Sprintf("%s: retries exhausted on %s after %d attempts in %s: %v",
		e.Step, e.Locator, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Last)
}

func (e *RetryExhausted) Unwrap() error { return e.Last }

// Policy bounds every interactive step.
type Policy struct {
	MaxAttempts          uint
	InterAttemptDelay    time.Duration
	PresenceTimeout      time.Duration
	DisabledPollInterval time.Duration
	DisabledTimeout      time.Duration
	OverlaySelectors     []string

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *infrastructure.BusinessMetrics
}

// FromConfig builds a Policy from configuration.
func FromConfig(cfg config.RetryConfig, overlays []string, logger *slog.Logger) Policy {
	return Policy{
		MaxAttempts:          cfg.MaxAttempts,
		InterAttemptDelay:    cfg.InterAttemptDelay,
		PresenceTimeout:      cfg.PresenceTimeout,
		DisabledPollInterval: cfg.DisabledPollInterval,
		DisabledTimeout:      cfg.DisabledTimeout,
		OverlaySelectors:     overlays,
		Clock:                clock.Real{},
		Logger:               logger,
	}
}

func (p Policy) clock() clock.Clock {
	if p.Clock == nil {
		return clock.Real{}
	}
	return p.Clock
}

func (p Policy) logger() *slog.Logger {
	if p.Logger == nil {
		return infrastructure.GetLogger()
	}
	return p.Logger
}

// Do runs action until it succeeds or MaxAttempts is reached, waiting
// InterAttemptDelay between attempts. Exhaustion yields *RetryExhausted
// naming target. Context errors end the retries immediately.
func Do[T any](ctx context.Context, p Policy, step, target string, action func(context.Context) (T, error)) (T, error) {
	start := p.clock().Now()
	attempts := 0

	op := func() (T, error) {
		if attempts > 0 && p.InterAttemptDelay > 0 {
			if err := p.clock().Sleep(ctx, p.InterAttemptDelay); err != nil {
				var zero T
				return zero, backoff.Permanent(err)
			}
		}
		attempts++
		res, err := action(ctx)
		if err == nil {
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, backoff.Permanent(ctxErr)
		}
		return res, err
	}

	maxTries := p.MaxAttempts
	if maxTries == 0 {
		maxTries = 1
	}

	res, err := backoff.Retry(ctx, op,
		// The inter-attempt wait runs on p.Clock inside op.
		backoff.WithBackOff(backoff.NewConstantBackOff(0)),
		backoff.WithMaxTries(maxTries),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, _ time.Duration) {
			p.logger().WarnContext(ctx, "Attempt failed, retrying",
				slog.String("step", step),
				slog.String("locator", target),
				slog.Int("attempt", attempts),
				slog.Duration("next_in", p.InterAttemptDelay),
				slog.String("error", err.Error()))
		}),
	)

	p.Metrics.RecordAttempts(ctx, step, attempts, err == nil)

	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return res, err
	}
	return res, &RetryExhausted{
		Step:     step,
		Locator:  target,
		Attempts: attempts,
		Elapsed:  p.clock().Now().Sub(start),
		Last:     err,
	}
}

// Run is Do for actions without a result.
func (p Policy) Run(ctx context.Context, step, target string, action func(context.Context) error) error {
	_, err := Do(ctx, p, step, target, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, action(ctx)
	})
	return err
}

// interaction acts on one resolved locator.
type interaction func(ctx context.Context, l browser.Locator) error

// Click clicks the first usable locator of locs and returns it.
func (p Policy) Click(ctx context.Context, s browser.Surface, step string, locs []browser.Locator) (browser.Locator, error) {
	return p.interact(ctx, s, step, locs, func(ctx context.Context, l browser.Locator) error {
		err := s.Click(ctx, l)
		if !errors.Is(err, browser.ErrIntercepted) {
			return err
		}

		// One script-level retry after clearing known overlays.
		p.logger().InfoContext(ctx, "Click intercepted, removing overlays",
			slog.String("step", step),
			slog.String("locator", l.String()),
			slog.String("error", err.Error()))
		if _, rmErr := s.RemoveOverlays(ctx, p.OverlaySelectors); rmErr != nil {
			p.logger().WarnContext(ctx, "Overlay removal failed", slog.String("error", rmErr.Error()))
		}
		if scriptErr := s.ScriptClick(ctx, l); scriptErr != nil {
			return errors.Join(err, scriptErr)
		}
		return nil
	})
}

// Type sends text to the first usable locator of locs.
func (p Policy) Type(ctx context.Context, s browser.Surface, step string, locs []browser.Locator, text string) (browser.Locator, error) {
	return p.interact(ctx, s, step, locs, func(ctx context.Context, l browser.Locator) error {
		return s.SendKeys(ctx, l, text)
	})
}

// Upload attaches path to the first usable file input of locs.
func (p Policy) Upload(ctx context.Context, s browser.Surface, step string, locs []browser.Locator, path string) (browser.Locator, error) {
	return p.interact(ctx, s, step, locs, func(ctx context.Context, l browser.Locator) error {
		return s.Upload(ctx, l, path)
	})
}

func (p Policy) interact(ctx context.Context, s browser.Surface, step string, locs []browser.Locator, act interaction) (browser.Locator, error) {
	if len(locs) == 0 {
		return browser.Locator{}, fmt.Errorf("%s: no locators configured", step)
	}

	return Do(ctx, p, step, describe(locs), func(ctx context.Context) (browser.Locator, error) {
		var errs []error
		for _, l := range locs {
			err := p.tryLocator(ctx, s, l, act)
			if err == nil {
				return l, nil
			}
			if ctx.Err() != nil {
				return browser.Locator{}, ctx.Err()
			}
			if errors.Is(err, ErrStillDisabled) {
				// Present but disabled: retry the whole attempt later.
				return browser.Locator{}, err
			}
			errs = append(errs, err)
		}
		return browser.Locator{}, errors.Join(errs...)
	})
}

// tryLocator waits for presence, waits out a disabled state and acts.
func (p Policy) tryLocator(ctx context.Context, s browser.Surface, l browser.Locator, act interaction) error {
	if err := s.WaitPresent(ctx, l, p.PresenceTimeout); err != nil {
		return err
	}
	if err := p.waitEnabled(ctx, s, l); err != nil {
		return err
	}
	return act(ctx, l)
}

func (p Policy) waitEnabled(ctx context.Context, s browser.Surface, l browser.Locator) error {
	clk := p.clock()
	deadline := clk.Now().Add(p.DisabledTimeout)
	for {
		disabled, err := s.Disabled(ctx, l)
		if err != nil {
			return err
		}
		if !disabled {
			return nil
		}
		if !clk.Now().Before(deadline) {
			return fmt.Errorf("%s: %w after %s", l, ErrStillDisabled, p.DisabledTimeout)
		}
		if err := clk.Sleep(ctx, p.DisabledPollInterval); err != nil {
			return err
		}
	}
}

func describe(locs []browser.Locator) string {
	parts := make([]string, len(locs))
	for i, l := range locs {
		parts[i] = l.String()
	}
	return strings.Join(parts, " | ")
}

// Package export drives a report page from navigation to a requested
// tabular download.
package export

import (
	"context"
	"fmt"
	"log/slog"

	"dsdreports/internal/browser"
	"dsdreports/internal/config"
	"dsdreports/internal/retry"
)

// State of the export trigger.
type State string

const (
	Navigated        State = "NAVIGATED"
	ExportMenuOpened State = "EXPORT_MENU_OPENED"
	FormatSelected   State = "FORMAT_SELECTED"
	ExportRequested  State = "EXPORT_REQUESTED"
)

// TriggerError reports the state the trigger was stuck in. It is job-fatal.
type TriggerError struct {
	State State
	Cause error
}

func (e *TriggerError) Error() string {
	return fmt.Sprintf("export trigger stuck in %s: %v", e.State, e.Cause)
}

func (e *TriggerError) Unwrap() error { return e.Cause }

// Locators lists the ordered fallbacks for each transition. Format and
// Confirm may be empty when the dashboard exports CSV from the first click.
type Locators struct {
	Export  []browser.Locator
	Format  []browser.Locator
	Confirm []browser.Locator
}

// LocatorsFromConfig parses the dashboard export locators.
func LocatorsFromConfig(cfg config.DashboardConfig) (Locators, error) {
	var (
		l   Locators
		err error
	)
	if l.Export, err = browser.ParseLocators(cfg.ExportLocators); err != nil {
		return Locators{}, fmt.Errorf("export locators: %w", err)
	}
	if l.Format, err = browser.ParseLocators(cfg.FormatLocators); err != nil {
		return Locators{}, fmt.Errorf("format locators: %w", err)
	}
	if l.Confirm, err = browser.ParseLocators(cfg.ConfirmLocators); err != nil {
		return Locators{}, fmt.Errorf("confirm locators: %w", err)
	}
	return l, nil
}

// Trigger walks NAVIGATED → EXPORT_MENU_OPENED → FORMAT_SELECTED →
// EXPORT_REQUESTED, each step under the retry policy.
type Trigger struct {
	locators Locators
	policy   retry.Policy
	logger   *slog.Logger
}

// NewTrigger creates a Trigger.
func NewTrigger(locators Locators, policy retry.Policy, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{locators: locators, policy: policy, logger: logger}
}

type transition struct {
	from, to State
	step     string
	locs     []browser.Locator
	optional bool
}

// Request starts from a navigated report page and returns once the export
// has been requested. It returns the last state reached, which is
// ExportRequested on success.
func (t *Trigger) Request(ctx context.Context, s browser.Surface) (State, error) {
	transitions := []transition{
		{from: Navigated, to: ExportMenuOpened, step: "open-export", locs: t.locators.Export},
		{from: ExportMenuOpened, to: FormatSelected, step: "select-format", locs: t.locators.Format, optional: true},
		{from: FormatSelected, to: ExportRequested, step: "confirm-export", locs: t.locators.Confirm, optional: true},
	}

	state := Navigated
	for _, tr := range transitions {
		if len(tr.locs) == 0 && tr.optional {
			state = tr.to
			continue
		}
		used, err := t.policy.Click(ctx, s, tr.step, tr.locs)
		if err != nil {
			t.logger.WarnContext(ctx, "Export transition failed",
				slog.String("state", string(state)),
				slog.String("step", tr.step),
				slog.String("error", err.Error()))
			return state, &TriggerError{State: state, Cause: err}
		}
		t.logger.DebugContext(ctx, "Export transition",
			slog.String("from", string(tr.from)),
			slog.String("to", string(tr.to)),
			slog.String("locator", used.String()))
		state = tr.to
	}
	return state, nil
}

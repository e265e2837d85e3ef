package export

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsdreports/internal/browser"
	"dsdreports/internal/browser/browsertest"
	"dsdreports/internal/clock"
	"dsdreports/internal/config"
	"dsdreports/internal/retry"
)

func testPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:          2,
		PresenceTimeout:      time.Second,
		DisabledPollInterval: time.Second,
		DisabledTimeout:      2 * time.Second,
		Clock:                clock.NewFake(time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)),
		Logger:               slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
}

func testLocators() Locators {
	return Locators{
		Export:  browser.MustParseLocators("id:ActionButtonExport", "scoped:css:#ReportFrame>>#ActionButtonExport"),
		Format:  browser.MustParseLocators("css:a[data-format='csv']"),
		Confirm: browser.MustParseLocators("id:exportConfirm"),
	}
}

func TestRequestWalksAllStates(t *testing.T) {
	s := browsertest.New("https://dash.example/report")
	s.Add("scoped:css:#ReportFrame>>#ActionButtonExport", &browsertest.Element{
		OnClick: func() { s.Add("css:a[data-format='csv']", nil) },
	})
	s.Add("id:exportConfirm", nil)

	trig := NewTrigger(testLocators(), testPolicy(), nil)
	state, err := trig.Request(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, ExportRequested, state)

	log := s.CallLog()
	assert.Contains(t, log, "click scoped:css:#ReportFrame>>#ActionButtonExport")
	assert.Contains(t, log, "click css:a[data-format='csv']")
	assert.Contains(t, log, "click id:exportConfirm")
}

func TestRequestFailsInState(t *testing.T) {
	tests := []struct {
		name  string
		setup func(s *browsertest.Surface)
		want  State
	}{
		{
			name:  "export control missing",
			setup: func(s *browsertest.Surface) {},
			want:  Navigated,
		},
		{
			name: "format entry missing",
			setup: func(s *browsertest.Surface) {
				s.Add("id:ActionButtonExport", nil)
			},
			want: ExportMenuOpened,
		},
		{
			name: "confirm missing",
			setup: func(s *browsertest.Surface) {
				s.Add("id:ActionButtonExport", nil)
				s.Add("css:a[data-format='csv']", nil)
			},
			want: FormatSelected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := browsertest.New("https://dash.example/report")
			tt.setup(s)

			state, err := NewTrigger(testLocators(), testPolicy(), nil).Request(context.Background(), s)
			assert.Equal(t, tt.want, state)

			var trigErr *TriggerError
			require.ErrorAs(t, err, &trigErr)
			assert.Equal(t, tt.want, trigErr.State)

			var exhausted *retry.RetryExhausted
			assert.ErrorAs(t, err, &exhausted)
		})
	}
}

func TestRequestWithImplicitFormat(t *testing.T) {
	s := browsertest.New("https://dash.example/report")
	s.Add("id:ActionButtonExport", nil)

	locs := Locators{Export: browser.MustParseLocators("id:ActionButtonExport")}
	state, err := NewTrigger(locs, testPolicy(), nil).Request(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, ExportRequested, state)
	assert.Equal(t, []string{
		"wait id:ActionButtonExport",
		"disabled? id:ActionButtonExport",
		"click id:ActionButtonExport",
	}, s.CallLog())
}

func TestLocatorsFromConfig(t *testing.T) {
	l, err := LocatorsFromConfig(config.Default().Dashboard)
	require.NoError(t, err)
	require.NotEmpty(t, l.Export)
	assert.Equal(t, browser.ByScoped, l.Export[len(l.Export)-1].Strategy)

	cfg := config.Default().Dashboard
	cfg.FormatLocators = []string{"nope:x"}
	_, err = LocatorsFromConfig(cfg)
	assert.ErrorContains(t, err, "format locators")
}

// Package session owns the single authenticated dashboard session of a run.
//
// A Manager makes exactly one login attempt. The resulting Session carries
// everything the report jobs share (surface, download directory, run ID)
// and is reused unmodified until Close.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dsdreports/internal/browser"
	"dsdreports/internal/clock"
	"dsdreports/internal/config"
	"dsdreports/internal/infrastructure"
	"dsdreports/internal/retry"
)

// State of the session lifecycle.
type State int

const (
	Unauthenticated State = iota
	Authenticated
	Closed
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "UNAUTHENTICATED"
	case Authenticated:
		return "AUTHENTICATED"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Authentication failure reasons.
const (
	ReasonMissingCredentials = "missing-credentials"
	ReasonEntryUnreachable   = "entry-unreachable"
	ReasonLoginForm          = "login-form"
	ReasonNoPostLoginSignal  = "no-post-login-signal"
)

// ErrAlreadyAttempted is returned by a second Authenticate call.
var ErrAlreadyAttempted = errors.New("authentication already attempted for this run")

// ErrClosed is returned when a closed session is used.
var ErrClosed = errors.New("session closed")

// defaultSignalPoll is how often the post-login signal is checked.
const defaultSignalPoll = 500 * time.Millisecond

// AuthError is run-fatal: no report job can proceed without a session.
type AuthError struct {
	Reason string
	Cause  error
}

func (e *AuthError) Error() string {
	if e.Cause == nil {
		return "authentication failed: " + e.Reason
	}
	return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Cause)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// Credentials for the dashboard login form.
type Credentials struct {
	Username string
	Password string
}

// LogValue keeps the password out of logs.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(slog.String("username", c.Username), slog.String("password", "[REDACTED]"))
}

// Options describe the login page.
type Options struct {
	EntryURL          string
	UsernameLocators  []browser.Locator
	PasswordLocators  []browser.Locator
	SubmitLocators    []browser.Locator
	PostLoginLocators []browser.Locator
	LoginTimeout      time.Duration
	SignalPoll        time.Duration
}

// OptionsFromConfig parses the dashboard locators.
func OptionsFromConfig(cfg config.DashboardConfig) (Options, error) {
	opts := Options{EntryURL: cfg.EntryURL, LoginTimeout: cfg.LoginTimeout}
	var err error
	if opts.UsernameLocators, err = browser.ParseLocators(cfg.UsernameLocators); err != nil {
		return Options{}, fmt.Errorf("username locators: %w", err)
	}
	if opts.PasswordLocators, err = browser.ParseLocators(cfg.PasswordLocators); err != nil {
		return Options{}, fmt.Errorf("password locators: %w", err)
	}
	if opts.SubmitLocators, err = browser.ParseLocators(cfg.SubmitLocators); err != nil {
		return Options{}, fmt.Errorf("submit locators: %w", err)
	}
	if opts.PostLoginLocators, err = browser.ParseLocators(cfg.PostLoginLocators); err != nil {
		return Options{}, fmt.Errorf("post-login locators: %w", err)
	}
	return opts, nil
}

// Session is the per-run context shared by every report job.
type Session struct {
	ID          string
	Surface     browser.Surface
	DownloadDir string
	StartedAt   time.Time

	mgr *Manager
}

// Close ends the session and releases the browser.
func (s *Session) Close() error {
	return s.mgr.close()
}

// Manager drives the login and tracks the session state.
type Manager struct {
	mu        sync.Mutex
	state     State
	attempted bool
	session   *Session

	opts        Options
	surface     browser.Surface
	downloadDir string
	policy      retry.Policy
	clock       clock.Clock
	logger      *slog.Logger
}

// NewManager prepares a login on surface. Downloads land in downloadDir.
func NewManager(opts Options, surface browser.Surface, downloadDir string, policy retry.Policy, logger *slog.Logger) *Manager {
	if opts.SignalPoll <= 0 {
		opts.SignalPoll = defaultSignalPoll
	}
	clk := policy.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{
		opts:        opts,
		surface:     surface,
		downloadDir: downloadDir,
		policy:      policy,
		clock:       clk,
		logger:      infrastructure.WithComponent(logger, "session"),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Authenticate logs in once and returns the run's session. It blocks until
// the page leaves the login URL or a post-login element appears, or fails
// with *AuthError after LoginTimeout. There is no second attempt.
func (m *Manager) Authenticate(ctx context.Context, creds Credentials) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Closed {
		return nil, ErrClosed
	}
	if m.attempted {
		return nil, ErrAlreadyAttempted
	}
	m.attempted = true

	logger := m.logger.With(slog.Any("credentials", creds), slog.String("entry_url", m.opts.EntryURL))
	logger.InfoContext(ctx, "Authenticating")

	if creds.Username == "" || creds.Password == "" {
		return nil, &AuthError{Reason: ReasonMissingCredentials}
	}

	if err := m.policy.Run(ctx, "navigate", m.opts.EntryURL, func(ctx context.Context) error {
		return m.surface.Navigate(ctx, m.opts.EntryURL)
	}); err != nil {
		return nil, &AuthError{Reason: ReasonEntryUnreachable, Cause: err}
	}

	loginURL, err := m.surface.Location(ctx)
	if err != nil {
		return nil, &AuthError{Reason: ReasonEntryUnreachable, Cause: err}
	}

	if _, err := m.policy.Type(ctx, m.surface, "username", m.opts.UsernameLocators, creds.Username); err != nil {
		return nil, &AuthError{Reason: ReasonLoginForm, Cause: err}
	}
	passwordField, err := m.policy.Type(ctx, m.surface, "password", m.opts.PasswordLocators, creds.Password)
	if err != nil {
		return nil, &AuthError{Reason: ReasonLoginForm, Cause: err}
	}
	if err := m.submit(ctx, passwordField); err != nil {
		return nil, &AuthError{Reason: ReasonLoginForm, Cause: err}
	}

	if err := m.awaitPostLogin(ctx, loginURL); err != nil {
		logger.ErrorContext(ctx, "Login not confirmed", slog.String("error", err.Error()))
		return nil, err
	}

	m.state = Authenticated
	id := infrastructure.GetTraceID(ctx)
	if id == "" {
		id = infrastructure.GenerateTraceID()
	}
	m.session = &Session{
		ID:          id,
		Surface:     m.surface,
		DownloadDir: m.downloadDir,
		StartedAt:   m.clock.Now(),
		mgr:         m,
	}
	logger.InfoContext(ctx, "Authenticated", slog.String("session_id", id))
	return m.session, nil
}

// submit clicks the submit button, falling back to pressing Enter in the
// password field.
func (m *Manager) submit(ctx context.Context, passwordField browser.Locator) error {
	if len(m.opts.SubmitLocators) > 0 {
		_, err := m.policy.Click(ctx, m.surface, "submit", m.opts.SubmitLocators)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		m.logger.WarnContext(ctx, "Submit button unusable, pressing Enter", slog.String("error", err.Error()))
	}
	return m.surface.SendKeys(ctx, passwordField, "\r")
}

func (m *Manager) awaitPostLogin(ctx context.Context, loginURL string) error {
	deadline := m.clock.Now().Add(m.opts.LoginTimeout)
	for {
		if ok, signal := m.postLoginSignal(ctx, loginURL); ok {
			m.logger.DebugContext(ctx, "Post-login signal", slog.String("signal", signal))
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !m.clock.Now().Before(deadline) {
			return &AuthError{Reason: ReasonNoPostLoginSignal}
		}
		if err := m.clock.Sleep(ctx, m.opts.SignalPoll); err != nil {
			return err
		}
	}
}

func (m *Manager) postLoginSignal(ctx context.Context, loginURL string) (bool, string) {
	if current, err := m.surface.Location(ctx); err == nil && current != loginURL {
		return true, "url " + current
	}
	for _, l := range m.opts.PostLoginLocators {
		if err := m.surface.WaitPresent(ctx, l, m.opts.SignalPoll); err == nil {
			return true, "element " + l.String()
		}
	}
	return false, ""
}

func (m *Manager) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Closed {
		return nil
	}
	m.state = Closed
	m.logger.Info("Session closed")
	return m.surface.Close()
}

// Close releases the surface whether or not login succeeded.
func (m *Manager) Close() error {
	return m.close()
}

package notify

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"dsdreports/internal/config"
	"dsdreports/internal/files"
	"dsdreports/internal/infrastructure"
)

// Dispatch modes.
const (
	ModeGmail = "gmail"
	ModeLog   = "log"
)

// Dispatcher delivers one message.
type Dispatcher interface {
	Mode() string
	Dispatch(ctx context.Context, msg Message) error
}

// GmailDispatcher sends through the Gmail API as the authorized user.
type GmailDispatcher struct {
	svc    *gmail.Service
	logger *slog.Logger
}

// NewGmailDispatcher reads OAuth credentials JSON from credentialsFile.
func NewGmailDispatcher(ctx context.Context, credentialsFile string, logger *slog.Logger) (*GmailDispatcher, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read gmail credentials: %w", err)
	}
	return NewGmailDispatcherWithOptions(ctx, logger,
		option.WithCredentialsJSON(data),
		option.WithScopes(gmail.GmailSendScope))
}

// NewGmailDispatcherWithOptions builds the Gmail client from raw options.
func NewGmailDispatcherWithOptions(ctx context.Context, logger *slog.Logger, opts ...option.ClientOption) (*GmailDispatcher, error) {
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return &GmailDispatcher{svc: svc, logger: infrastructure.WithComponent(logger, "gmail")}, nil
}

func (d *GmailDispatcher) Mode() string { return ModeGmail }

// Dispatch makes one users.messages.send call.
func (d *GmailDispatcher) Dispatch(ctx context.Context, msg Message) error {
	raw, err := BuildMIME(msg)
	if err != nil {
		return &DispatchError{Mode: ModeGmail, Err: err}
	}
	sent, err := d.svc.Users.Messages.Send("me", &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}).Context(ctx).Do()
	if err != nil {
		return &DispatchError{Mode: ModeGmail, Err: err}
	}
	d.logger.InfoContext(ctx, "Message sent",
		slog.String("message_id", sent.Id),
		slog.Int("size_bytes", len(raw)))
	return nil
}

// LogDispatcher only logs what would be sent.
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher creates a dry-run dispatcher.
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: infrastructure.WithComponent(logger, "notify")}
}

func (d *LogDispatcher) Mode() string { return ModeLog }

func (d *LogDispatcher) Dispatch(ctx context.Context, msg Message) error {
	names := make([]string, len(msg.Attachments))
	for i, a := range msg.Attachments {
		names[i] = filepath.Base(a)
	}
	d.logger.InfoContext(ctx, "Dry-run dispatch",
		slog.String("from", msg.From),
		slog.Any("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.Any("attachments", names))
	return nil
}

// NewDispatcher picks the dispatcher for the configured mode.
func NewDispatcher(ctx context.Context, cfg config.MailConfig, logger *slog.Logger) (Dispatcher, error) {
	switch cfg.Mode {
	case ModeGmail:
		return NewGmailDispatcher(ctx, cfg.CredentialsFile, logger)
	case ModeLog, "":
		return NewLogDispatcher(logger), nil
	default:
		return nil, fmt.Errorf("unsupported mail mode %q", cfg.Mode)
	}
}

// Service attaches only the files that exist and records the outcome.
type Service struct {
	dispatcher Dispatcher
	files      *files.Manager
	metrics    *infrastructure.BusinessMetrics
	logger     *slog.Logger
}

// NewService creates a Service.
func NewService(d Dispatcher, fm *files.Manager, metrics *infrastructure.BusinessMetrics, logger *slog.Logger) *Service {
	if fm == nil {
		fm = files.NewManager(nil, logger)
	}
	return &Service{dispatcher: d, files: fm, metrics: metrics, logger: infrastructure.WithComponent(logger, "notify")}
}

// MessageFromConfig fills the envelope from configuration.
func MessageFromConfig(cfg config.MailConfig, attachments []string) Message {
	return Message{
		From:        cfg.Sender,
		To:          cfg.Recipients,
		Subject:     cfg.Subject,
		Body:        cfg.Body,
		Attachments: attachments,
	}
}

// Send dispatches msg once. Missing attachments are dropped with a warning;
// a message with none left is still sent.
func (s *Service) Send(ctx context.Context, msg Message) error {
	requested := len(msg.Attachments)
	msg.Attachments = s.files.ExistingFiles(msg.Attachments)
	if len(msg.Attachments) == 0 {
		s.logger.WarnContext(ctx, "No attachments available, sending without",
			slog.Int("requested", requested))
	}

	err := s.dispatcher.Dispatch(ctx, msg)
	s.metrics.RecordDispatch(ctx, s.dispatcher.Mode(), err == nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Dispatch failed", slog.String("error", err.Error()))
		return err
	}
	s.logger.InfoContext(ctx, "Dispatched",
		slog.String("mode", s.dispatcher.Mode()),
		slog.Int("recipients", len(msg.To)),
		slog.Int("attachments", len(msg.Attachments)))
	return nil
}

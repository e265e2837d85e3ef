package infrastructure

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"dsdreports/internal/config"
)

var (
	globalLogger     *slog.Logger
	globalLoggerOnce sync.Once

	logFileMu     sync.Mutex
	globalLogFile *os.File
)

// InitializeLogger builds the process logger once and installs it as the
// slog default. Records go to stdout and, when cfg.FileName is set and
// logsDir is not empty, are appended to logsDir/cfg.FileName as well.
func InitializeLogger(cfg config.LoggingConfig, logsDir string) (*slog.Logger, error) {
	var err error
	globalLoggerOnce.Do(func() {
		globalLogger, err = createLogger(cfg, logsDir, os.Stdout)
		if globalLogger != nil {
			slog.SetDefault(globalLogger)
		}
	})
	return globalLogger, err
}

// GetLogger returns the process logger, or slog.Default before
// InitializeLogger has run.
func GetLogger() *slog.Logger {
	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

func createLogger(cfg config.LoggingConfig, logsDir string, stdout io.Writer) (*slog.Logger, error) {
	out := stdout
	if logsDir != "" && cfg.FileName != "" {
		file, err := openLogFile(filepath.Join(logsDir, cfg.FileName))
		if err != nil {
			return nil, err
		}
		logFileMu.Lock()
		globalLogFile = file
		logFileMu.Unlock()
		out = io.MultiWriter(stdout, file)
	}

	opts := &slog.HandlerOptions{
		AddSource: cfg.Source,
		Level:     parseLogLevel(cfg.Level),
	}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(out, opts)
	} else {
		h = slog.NewJSONHandler(out, opts)
	}
	return slog.New(&runHandler{Handler: h}), nil
}

// runHandler stamps each record with the run and job carried by ctx and
// with the active span, so lines from any component can be joined to the
// job that produced them.
type runHandler struct {
	slog.Handler
}

func (h *runHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := GetTraceID(ctx); id != "" {
		r.AddAttrs(slog.String("trace_id", id))
	}
	if job, ok := JobFromContext(ctx); ok {
		r.AddAttrs(slog.Int("sequence", job.Sequence), slog.String("report", job.Report))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(slog.String("span_id", sc.SpanID().String()))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *runHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &runHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *runHandler) WithGroup(name string) slog.Handler {
	return &runHandler{Handler: h.Handler.WithGroup(name)}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// CloseLogFile closes the log file sink, if any.
func CloseLogFile() error {
	logFileMu.Lock()
	defer logFileMu.Unlock()

	if globalLogFile == nil {
		return nil
	}
	err := globalLogFile.Close()
	globalLogFile = nil
	return err
}

// ResetLoggerForTesting lets a test initialize the logger again.
func ResetLoggerForTesting() {
	_ = CloseLogFile()
	globalLogger = nil
	globalLoggerOnce = sync.Once{}
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return f, nil
}

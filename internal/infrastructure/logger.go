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

	"authme/internal/config"
)

// process holds the logger installed by InitializeLogger and the file it
// writes to, if any.
var process struct {
	once   sync.Once
	mu     sync.Mutex
	logger *slog.Logger
	file   *os.File
}

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// InitializeLogger builds the process logger from cfg and makes it the slog
// default. Later calls return the first logger unchanged.
func InitializeLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var err error
	process.once.Do(func() {
		var (
			out  io.Writer
			file *os.File
		)
		out, file, err = openOutput(cfg, os.Stdout)
		if err != nil {
			return
		}
		logger := NewLogger(out, cfg.Level)

		process.mu.Lock()
		process.logger, process.file = logger, file
		process.mu.Unlock()
		slog.SetDefault(logger)
	})
	if err != nil {
		return nil, err
	}
	return GetLogger(), nil
}

// GetLogger returns the process logger, or slog.Default before
// InitializeLogger has run.
func GetLogger() *slog.Logger {
	process.mu.Lock()
	defer process.mu.Unlock()
	if process.logger == nil {
		return slog.Default()
	}
	return process.logger
}

// NewLogger builds a JSON logger at level writing to w. Records logged with
// a context carry its correlation and span ids.
func NewLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(&contextHandler{Handler: slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: true,
		Level:     parseLogLevel(level),
	})})
}

// openOutput resolves cfg.Output to a writer. The returned file is nil for
// stdout.
func openOutput(cfg config.LoggingConfig, stdout io.Writer) (io.Writer, *os.File, error) {
	mode := strings.ToLower(cfg.Output)
	if mode != "file" && mode != "both" {
		return stdout, nil, nil
	}

	dir := filepath.Dir(cfg.FilePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.FilePath, err)
	}
	if mode == "both" {
		return io.MultiWriter(stdout, file), file, nil
	}
	return file, file, nil
}

type contextHandler struct {
	slog.Handler
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := CorrelationID(ctx); id != "" {
		r.AddAttrs(slog.String("correlation_id", id))
	}
	if traceID, spanID := SpanIDs(ctx); traceID != "" {
		r.AddAttrs(slog.String("trace_id", traceID), slog.String("span_id", spanID))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}

// parseLogLevel maps a configured level name to slog; unknown names are
// info.
func parseLogLevel(level string) slog.Level {
	if l, ok := levels[strings.ToLower(strings.TrimSpace(level))]; ok {
		return l
	}
	return slog.LevelInfo
}

// CloseLogFile closes the process log file, if one is open.
func CloseLogFile() error {
	process.mu.Lock()
	defer process.mu.Unlock()
	if process.file == nil {
		return nil
	}
	err := process.file.Close()
	process.file = nil
	return err
}

// ResetLoggerForTesting closes the log file and forgets the process logger
// so the next InitializeLogger builds a new one.
func ResetLoggerForTesting() {
	_ = CloseLogFile()
	process.mu.Lock()
	process.logger = nil
	process.mu.Unlock()
	process.once = sync.Once{}
}

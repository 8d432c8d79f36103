// Package logger provides the process-wide structured logger shared by
// boxctld and the boxctl CLI: file output with rotation, and an optional
// OpenTelemetry bridge for shipping logs to a collector.
package logger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/bridges/otelzerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Log is the global logger instance. It is a nop logger until Init/NewLogger runs.
	Log zerolog.Logger

	fileWriter     *lumberjack.Logger
	loggerProvider *sdklog.LoggerProvider

	logContext   logContextData
	logContextMu sync.RWMutex
)

// logContextData holds optional project/container context attached to every entry.
type logContextData struct {
	Project   string
	Container string
}

// SetContext sets the project/container context for all subsequent log entries.
// Pass empty strings to clear. Safe for concurrent use.
func SetContext(project, container string) {
	logContextMu.Lock()
	defer logContextMu.Unlock()
	logContext = logContextData{Project: project, Container: container}
}

// ClearContext clears the project/container context.
func ClearContext() {
	SetContext("", "")
}

func getContext() logContextData {
	logContextMu.RLock()
	defer logContextMu.RUnlock()
	return logContext
}

func addContext(event *zerolog.Event) *zerolog.Event {
	ctx := getContext()
	if ctx.Project != "" {
		event = event.Str("project", ctx.Project)
	}
	if ctx.Container != "" {
		event = event.Str("container", ctx.Container)
	}
	return event
}

// FileConfig holds file-rotation settings, mirroring hostconfig's Logging section.
type FileConfig struct {
	Enabled    *bool
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
	Compress   *bool
}

// IsEnabled reports whether file logging is on; defaults to true.
func (c *FileConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// IsCompressEnabled reports whether rotated files are compressed; defaults to true.
func (c *FileConfig) IsCompressEnabled() bool {
	return c.Compress == nil || *c.Compress
}

// GetMaxSizeMB returns the configured rotation size, defaulting to 50MB.
func (c *FileConfig) GetMaxSizeMB() int {
	if c.MaxSizeMB <= 0 {
		return 50
	}
	return c.MaxSizeMB
}

// GetMaxAgeDays returns the configured retention window, defaulting to 7 days.
func (c *FileConfig) GetMaxAgeDays() int {
	if c.MaxAgeDays <= 0 {
		return 7
	}
	return c.MaxAgeDays
}

// GetMaxBackups returns the configured backup count, defaulting to 3.
func (c *FileConfig) GetMaxBackups() int {
	if c.MaxBackups <= 0 {
		return 3
	}
	return c.MaxBackups
}

// OtelConfig configures the OTEL zerolog bridge. A zero-value Endpoint disables it.
type OtelConfig struct {
	Endpoint       string
	Insecure       bool
	Timeout        time.Duration
	MaxQueueSize   int
	ExportInterval time.Duration
}

// Options configures NewLogger.
type Options struct {
	LogsDir    string
	FileConfig *FileConfig
	OtelConfig *OtelConfig // nil disables the bridge
}

// Init sets the global logger to a no-op logger. Used before configuration is available.
func Init() {
	Log = zerolog.Nop()
}

// NewLogger initializes the global logger with file output and, optionally, an
// OTEL log bridge. A nil opts, empty LogsDir, or disabled FileConfig yields a nop logger.
func NewLogger(opts *Options) error {
	if opts == nil || opts.LogsDir == "" || opts.FileConfig == nil || !opts.FileConfig.IsEnabled() {
		Log = zerolog.Nop()
		return nil
	}

	if err := os.MkdirAll(opts.LogsDir, 0o755); err != nil {
		return fmt.Errorf("create logs directory: %w", err)
	}

	fileWriter = &lumberjack.Logger{
		Filename:   filepath.Join(opts.LogsDir, "boxctld.log"),
		MaxSize:    opts.FileConfig.GetMaxSizeMB(),
		MaxAge:     opts.FileConfig.GetMaxAgeDays(),
		MaxBackups: opts.FileConfig.GetMaxBackups(),
		LocalTime:  true,
		Compress:   opts.FileConfig.IsCompressEnabled(),
	}

	built := zerolog.New(fileWriter).Level(zerolog.DebugLevel).With().Timestamp().Logger()

	if opts.OtelConfig != nil {
		provider, err := createOtelProvider(opts.OtelConfig)
		if err != nil {
			built.Warn().Err(err).Msg("otel log bridge unavailable, continuing with file-only logging")
		} else {
			loggerProvider = provider
			built = built.Hook(otelzerolog.NewHook("boxctld", otelzerolog.WithLoggerProvider(provider)))
		}
	}

	Log = built
	return nil
}

func createOtelProvider(cfg *OtelConfig) (*sdklog.LoggerProvider, error) {
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		Log.Warn().Err(err).Msg("otel sdk error")
	}))

	opts := []otlploghttp.Option{otlploghttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlploghttp.WithInsecure())
	}
	if cfg.Timeout > 0 {
		opts = append(opts, otlploghttp.WithTimeout(cfg.Timeout))
	}

	exporter, err := otlploghttp.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP log exporter: %w", err)
	}

	var procOpts []sdklog.BatchProcessorOption
	if cfg.MaxQueueSize > 0 {
		procOpts = append(procOpts, sdklog.WithMaxQueueSize(cfg.MaxQueueSize))
	}
	if cfg.ExportInterval > 0 {
		procOpts = append(procOpts, sdklog.WithExportInterval(cfg.ExportInterval))
	}

	processor := sdklog.NewBatchProcessor(exporter, procOpts...)
	return sdklog.NewLoggerProvider(sdklog.WithProcessor(processor)), nil
}

// Close shuts down the OTEL provider (flushing pending batches) and the file writer.
func Close() error {
	var firstErr error

	if loggerProvider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := loggerProvider.Shutdown(ctx); err != nil {
			firstErr = fmt.Errorf("shutdown otel provider: %w", err)
		}
		loggerProvider = nil
	}

	if fileWriter != nil {
		if err := fileWriter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		fileWriter = nil
	}

	return firstErr
}

// GetLogFilePath returns the active log file path, or "" if file logging is disabled.
func GetLogFilePath() string {
	if fileWriter != nil {
		return fileWriter.Filename
	}
	return ""
}

// Debug starts a debug-level event with ambient context attached.
func Debug() *zerolog.Event { return addContext(Log.Debug()) }

// Info starts an info-level event with ambient context attached.
func Info() *zerolog.Event { return addContext(Log.Info()) }

// Warn starts a warn-level event with ambient context attached.
func Warn() *zerolog.Event { return addContext(Log.Warn()) }

// Error starts an error-level event with ambient context attached.
func Error() *zerolog.Event { return addContext(Log.Error()) }

// WithField returns a derived logger carrying one additional structured field.
func WithField(key string, value any) zerolog.Logger {
	return Log.With().Interface(key, value).Logger()
}

package log

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/warden/pkg/metrics"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger

	// ErrorCount counts error-level lines since start; exposed through
	// telemetry and used by debug mode to fail fast.
	ErrorCount atomic.Uint64

	mu      sync.Mutex
	logPath string
	logFile *os.File
	debug   atomic.Bool
	crashFn func(msg string)
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Path       string // log to this file instead of stdout
	Debug      bool   // promote the first error to a crash
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) error {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	debug.Store(cfg.Debug)

	mu.Lock()
	defer mu.Unlock()

	output := cfg.Output
	logPath = cfg.Path
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		if logFile != nil {
			logFile.Close()
		}
		logFile = f
		output = f
	}
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput || logPath != "" {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
	return nil
}

// Reopen closes and reopens the log file. Called on SIGUSR1 after an
// external rotate moved the file away. No-op for stdout logging.
func Reopen() error {
	mu.Lock()
	defer mu.Unlock()
	if logPath == "" {
		return nil
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	old := logFile
	logFile = f
	Logger = zerolog.New(f).With().Timestamp().Logger()
	if old != nil {
		old.Close()
	}
	return nil
}

// SetCrashHandler installs the function invoked when debug mode
// promotes the first error to a crash.
func SetCrashHandler(fn func(msg string)) {
	crashFn = fn
}

// WithComponent creates a child logger with component field
func WithComponent(component string) *zerolog.Logger {
	l := Logger.With().Str("component", component).Logger()
	return &l
}

// WithContainer creates a child logger with container field
func WithContainer(name string) *zerolog.Logger {
	l := Logger.With().Str("container", name).Logger()
	return &l
}

// WithVolume creates a child logger with volume field
func WithVolume(path string) *zerolog.Logger {
	l := Logger.With().Str("volume", path).Logger()
	return &l
}

func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

// Error logs at error level, counts the line, and in debug mode hands
// the first one to the crash handler.
func Error(err error, msg string) {
	Logger.Error().Err(err).Msg(msg)
	metrics.Errors.Inc()
	if ErrorCount.Add(1) == 1 && debug.Load() && crashFn != nil {
		crashFn(msg)
	}
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}

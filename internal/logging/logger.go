// Package logging builds the zap-backed logr.Logger used by the proxy
// binaries. Console output always goes to stderr: the worker's stdout carries
// the IPC stream and must never receive log lines.
package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var levelStrings = map[string]zapcore.Level{
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
}

// Logger couples a logr.Logger with control over its zap backend.
type Logger struct {
	logr.Logger
	atomicLevel zap.AtomicLevel
	flush       func()
	// LogFile is the diagnostics file being written, if any.
	LogFile string
}

// Options configures New.
type Options struct {
	// Level is a named level or a positive verbosity integer.
	Level string
	// Dir enables a JSON log file named <name>-<pid>.log when set.
	Dir string
}

// New creates a logger named name. A failure to open the log file is
// reported on the logger itself and does not prevent console logging.
func New(name string, opts Options) *Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	level, levelErr := ParseLevel(opts.Level, zapcore.InfoLevel)
	atomicLevel := zap.NewAtomicLevelAt(level)

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(os.Stderr), atomicLevel),
	}

	var fileErr error
	var logFile string
	var file *os.File
	if opts.Dir != "" {
		file, fileErr = openLogFile(opts.Dir, name)
		if fileErr == nil {
			logFile = file.Name()
			cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(file), atomicLevel))
		}
	}

	zapLogger := zap.New(zapcore.NewTee(cores...))
	log := zapr.NewLogger(zapLogger).WithName(name)

	if levelErr != nil {
		log.Error(levelErr, "Invalid log level, using info", "level", opts.Level)
	}
	if fileErr != nil {
		log.Error(fileErr, "Failed to enable log file output", "dir", opts.Dir)
	}

	return &Logger{
		Logger:      log,
		atomicLevel: atomicLevel,
		LogFile:     logFile,
		flush: func() {
			_ = zapLogger.Sync()
			if file != nil {
				_ = file.Close()
			}
		},
	}
}

// SetLevel changes the level of every output.
func (l *Logger) SetLevel(level zapcore.Level) {
	l.atomicLevel.SetLevel(level)
}

// Flush writes buffered entries and closes the log file.
func (l *Logger) Flush() {
	l.flush()
}

// ParseLevel accepts debug, info, warn, error or a positive verbosity where
// higher numbers enable more V(n) output.
func ParseLevel(value string, defaultLevel zapcore.Level) (zapcore.Level, error) {
	if value == "" {
		return defaultLevel, nil
	}
	if level, ok := levelStrings[strings.ToLower(value)]; ok {
		return level, nil
	}

	verbosity, err := strconv.Atoi(value)
	if err != nil || verbosity <= 0 {
		return defaultLevel, fmt.Errorf("invalid log level %q", value)
	}
	// zap levels run the other way
	return zapcore.Level(int8(-verbosity)), nil
}

func openLogFile(dir, name string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Another process may have used the same name; retry with a suffix.
	attempt := 0
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(20*time.Millisecond), 4)
	return backoff.RetryWithData(func() (*os.File, error) {
		fileName := fmt.Sprintf("%s-%d.log", name, os.Getpid())
		if attempt > 0 {
			fileName = fmt.Sprintf("%s-%d-%d.log", name, os.Getpid(), attempt)
		}
		attempt++
		return os.OpenFile(filepath.Join(dir, fileName), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	}, backoff.WithContext(b, context.Background()))
}

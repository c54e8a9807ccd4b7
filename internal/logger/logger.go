package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Fields mirrors logrus.Fields so callers never import logrus directly.
type Fields map[string]any

// Options configures the process-wide logger.
type Options struct {
	Level      string
	Format     string // text | json
	Path       string // empty: stdout only
	MaxSizeMB  int
	MaxBackups int
}

var (
	loggerMu   sync.RWMutex
	baseLogger *logrus.Logger
	rotator    *lumberjack.Logger
)

func init() {
	baseLogger = newLogger(os.Stdout, "text")
}

func newLogger(w io.Writer, format string) *logrus.Logger {
	if w == nil {
		w = os.Stdout
	}
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.InfoLevel)
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyMsg:   "message",
				logrus.FieldKeyLevel: "level",
			},
		})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	}
	return l
}

// Setup installs the global logger. When a path is given, output is tee'd to
// stdout and a size-rotated file.
func Setup(opts Options) error {
	var out io.Writer = os.Stdout
	var rot *lumberjack.Logger
	if path := strings.TrimSpace(opts.Path); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		rot = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rot)
	}
	l := newLogger(out, opts.Format)
	l.SetLevel(parseLevel(opts.Level))

	loggerMu.Lock()
	prev := rotator
	baseLogger = l
	rotator = rot
	loggerMu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	return nil
}

// Close flushes the rotating file, if any.
func Close() error {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if rotator == nil {
		return nil
	}
	err := rotator.Close()
	rotator = nil
	return err
}

func SetOutput(w io.Writer) {
	loggerMu.Lock()
	level := baseLogger.GetLevel()
	baseLogger = newLogger(w, "text")
	baseLogger.SetLevel(level)
	loggerMu.Unlock()
}

func SetLevel(level string) {
	activeLogger().SetLevel(parseLevel(level))
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func activeLogger() *logrus.Logger {
	loggerMu.RLock()
	l := baseLogger
	loggerMu.RUnlock()
	return l
}

// WithFields returns a structured entry bound to the global logger.
func WithFields(fields Fields) *logrus.Entry {
	return activeLogger().WithFields(logrus.Fields(fields))
}

// WithComponent tags every line with component=name.
func WithComponent(name string) *logrus.Entry {
	return activeLogger().WithField("component", name)
}

func Debugf(format string, v ...any) {
	activeLogger().Debugf(format, v...)
}

func Infof(format string, v ...any) {
	activeLogger().Infof(format, v...)
}

func Warnf(format string, v ...any) {
	activeLogger().Warnf(format, v...)
}

func Errorf(format string, v ...any) {
	activeLogger().Errorf(format, v...)
}

func InfoBlock(block string) {
	block = strings.TrimSpace(block)
	if block == "" {
		return
	}
	for _, line := range strings.Split(block, "\n") {
		Infof("%s", line)
	}
}

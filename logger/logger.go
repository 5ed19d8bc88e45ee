// Package logger provides the printf-style package logger used across
// tunnelctl, backed by logrus.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/device"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) logrusLevel() logrus.Level {
	switch l {
	case DEBUG:
		return logrus.DebugLevel
	case WARN:
		return logrus.WarnLevel
	case ERROR:
		return logrus.ErrorLevel
	case FATAL:
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// ParseLogLevel maps a config string to a LogLevel, defaulting to INFO.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

type Logger struct {
	entry *logrus.Logger
	level LogLevel
}

var (
	defaultLogger *Logger
	once          sync.Once
)

func newLogger(out io.Writer) *Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006/01/02 15:04:05",
	})
	l.SetLevel(logrus.InfoLevel)
	return &Logger{entry: l, level: INFO}
}

// Init sets up the default logger. A nil writer logs to stdout.
func Init(out io.Writer) *Logger {
	if out == nil {
		out = os.Stdout
	}
	once.Do(func() {
		defaultLogger = newLogger(out)
	})
	return defaultLogger
}

// GetLogger returns the default logger, initialising it on first use.
func GetLogger() *Logger {
	return Init(nil)
}

func (l *Logger) SetLevel(level LogLevel) {
	l.level = level
	l.entry.SetLevel(level.logrusLevel())
}

func (l *Logger) SetOutput(out io.Writer) {
	l.entry.SetOutput(out)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

func (l *Logger) Fatal(format string, args ...interface{}) {
	l.entry.Fatalf(format, args...)
}

// GetWireGuardLogger adapts the logger for wireguard-go's device package.
func (l *Logger) GetWireGuardLogger(prefix string) *device.Logger {
	verbosef := device.DiscardLogf
	if l.level <= DEBUG {
		verbosef = func(format string, args ...any) {
			l.entry.Debug(prefix + fmt.Sprintf(format, args...))
		}
	}
	return &device.Logger{
		Verbosef: verbosef,
		Errorf: func(format string, args ...any) {
			l.entry.Error(prefix + fmt.Sprintf(format, args...))
		},
	}
}

func Debug(format string, args ...interface{}) { GetLogger().Debug(format, args...) }
func Info(format string, args ...interface{})  { GetLogger().Info(format, args...) }
func Warn(format string, args ...interface{})  { GetLogger().Warn(format, args...) }
func Error(format string, args ...interface{}) { GetLogger().Error(format, args...) }
func Fatal(format string, args ...interface{}) { GetLogger().Fatal(format, args...) }

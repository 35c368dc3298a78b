package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel orders messages; SILENT disables output.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	SILENT // No logging
)

var levelNames = map[LogLevel]string{
	DEBUG:  "DEBUG",
	INFO:   "INFO",
	WARN:   "WARN",
	ERROR:  "ERROR",
	SILENT: "SILENT",
}

// Logger provides leveled logging with module support.
// Each module gets its own named zap logger, so lines read "[INFO] [Module] message".
type Logger struct {
	level   zap.AtomicLevel
	base    *zap.Logger
	modules sync.Map // module name -> *zap.SugaredLogger
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init installs the package-level logger. Only the first call has effect.
func Init(level LogLevel, output io.Writer, useColor bool) {
	once.Do(func() {
		defaultLogger = New(level, output, useColor)
	})
}

// New builds a zap-backed Logger writing console lines to output.
func New(level LogLevel, output io.Writer, useColor bool) *Logger {
	if output == nil {
		output = os.Stderr
	}

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "module",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    bracketLevel(useColor),
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05.000000"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     bracketName,
	}

	atom := zap.NewAtomicLevelAt(toZapLevel(level))
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(output), atom)

	return &Logger{
		level: atom,
		base:  zap.New(core),
	}
}

func bracketLevel(useColor bool) zapcore.LevelEncoder {
	colors := map[zapcore.Level]string{
		zapcore.DebugLevel: "\033[36m", // Cyan
		zapcore.InfoLevel:  "\033[32m", // Green
		zapcore.WarnLevel:  "\033[33m", // Yellow
		zapcore.ErrorLevel: "\033[31m", // Red
	}
	return func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		label := "[" + l.CapitalString() + "]"
		if useColor {
			if c, ok := colors[l]; ok {
				label = c + label + "\033[0m"
			}
		}
		enc.AppendString(label)
	}
}

func bracketName(name string, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + name + "]")
}

func toZapLevel(level LogLevel) zapcore.Level {
	switch level {
	case DEBUG:
		return zapcore.DebugLevel
	case INFO:
		return zapcore.InfoLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		// Nothing in this codebase logs at fatal, so this silences output.
		return zapcore.FatalLevel
	}
}

func fromZapLevel(level zapcore.Level) LogLevel {
	switch level {
	case zapcore.DebugLevel:
		return DEBUG
	case zapcore.InfoLevel:
		return INFO
	case zapcore.WarnLevel:
		return WARN
	case zapcore.ErrorLevel:
		return ERROR
	default:
		return SILENT
	}
}

func (l *Logger) SetLevel(level LogLevel) {
	l.level.SetLevel(toZapLevel(level))
}

func (l *Logger) GetLevel() LogLevel {
	return fromZapLevel(l.level.Level())
}

// Zap returns the underlying zap logger for libraries that accept one.
func (l *Logger) Zap() *zap.Logger {
	return l.base
}

// Sync flushes buffered output.
func (l *Logger) Sync() error {
	return l.base.Sync()
}

func (l *Logger) module(name string) *zap.SugaredLogger {
	if s, ok := l.modules.Load(name); ok {
		return s.(*zap.SugaredLogger)
	}
	base := l.base
	if name != "" {
		base = base.Named(name)
	}
	s, _ := l.modules.LoadOrStore(name, base.Sugar())
	return s.(*zap.SugaredLogger)
}

func (l *Logger) log(level LogLevel, module string, format string, args ...interface{}) {
	if !l.level.Enabled(toZapLevel(level)) {
		return
	}

	s := l.module(module)
	switch level {
	case DEBUG:
		s.Debugf(format, args...)
	case INFO:
		s.Infof(format, args...)
	case WARN:
		s.Warnf(format, args...)
	case ERROR:
		s.Errorf(format, args...)
	}
}

// Debug, Info, Warn and Error log printf-style under a module tag.
func (l *Logger) Debug(module string, format string, args ...interface{}) {
	l.log(DEBUG, module, format, args...)
}

func (l *Logger) Info(module string, format string, args ...interface{}) {
	l.log(INFO, module, format, args...)
}

func (l *Logger) Warn(module string, format string, args ...interface{}) {
	l.log(WARN, module, format, args...)
}

func (l *Logger) Error(module string, format string, args ...interface{}) {
	l.log(ERROR, module, format, args...)
}

// Package-level helpers write to the logger installed by Init and are
// no-ops before it.

func SetLevel(level LogLevel) {
	if l := defaultLogger; l != nil {
		l.SetLevel(level)
	}
}

// GetLevel reports INFO until Init runs.
func GetLevel() LogLevel {
	if l := defaultLogger; l != nil {
		return l.GetLevel()
	}
	return INFO
}

func Sync() {
	if l := defaultLogger; l != nil {
		_ = l.Sync()
	}
}

func Debug(module string, format string, args ...interface{}) { emit(DEBUG, module, format, args) }
func Info(module string, format string, args ...interface{})  { emit(INFO, module, format, args) }
func Warn(module string, format string, args ...interface{})  { emit(WARN, module, format, args) }
func Error(module string, format string, args ...interface{}) { emit(ERROR, module, format, args) }

func emit(level LogLevel, module, format string, args []interface{}) {
	if l := defaultLogger; l != nil {
		l.log(level, module, format, args...)
	}
}

// ParseLevel accepts the level names case-insensitively, plus "warning"
// and "none".
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "silent", "none":
		return SILENT, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

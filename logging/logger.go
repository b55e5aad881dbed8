package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger. Output is teed to the console and a rotating JSON
// file, and every entry passes through sensitive-data redaction.
//
//	logger, err := NewLogger(true, "logs/app.log", "")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//	logger.Info("server started", zap.Int("port", 8000))
type Logger struct {
	zap           *zap.Logger
	sugar         *zap.SugaredLogger
	level         zap.AtomicLevel
	isDevelopment bool
	logFilePath   string
}

// NewLogger creates a logger for the given mode. Development mode logs at
// debug with a colored console; production logs at info as JSON. A non-empty
// levelOverride (LOG_LEVEL) wins over the mode default.
func NewLogger(isDevelopment bool, logFilePath, levelOverride string) (*Logger, error) {
	return NewLoggerWithWriters(isDevelopment, levelOverride, zapcore.Lock(os.Stdout), logFilePath, nil)
}

// NewLoggerWithWriters is NewLogger with an explicit console writer. When
// fileWriter is nil a rotating writer for logFilePath is used.
func NewLoggerWithWriters(isDevelopment bool, levelOverride string, console zapcore.WriteSyncer, logFilePath string, fileWriter zapcore.WriteSyncer) (*Logger, error) {
	defaultLevel := zapcore.InfoLevel
	if isDevelopment {
		defaultLevel = zapcore.DebugLevel
	}
	level := zap.NewAtomicLevelAt(ParseLogLevelString(levelOverride, defaultLevel))

	if fileWriter == nil {
		if logFilePath == "" {
			return nil, fmt.Errorf("log file path is empty")
		}
		fileWriter = NewFileWriter(logFilePath, DefaultFileWriterConfig())
	}

	core := NewRedactingCore(NewMultiCore(level, console, fileWriter, isDevelopment))
	zapLogger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return &Logger{
		zap:           zapLogger,
		sugar:         zapLogger.Sugar(),
		level:         level,
		isDevelopment: isDevelopment,
		logFilePath:   logFilePath,
	}, nil
}

// Sync flushes buffered entries. Call it before exiting.
func (l *Logger) Sync() error {
	if l == nil || l.zap == nil {
		return nil
	}
	return l.zap.Sync()
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.zap.Fatal(msg, fields...) }

// Infow logs loosely-typed key-value pairs.
func (l *Logger) Infow(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, keysAndValues...)
}

// Warnw logs loosely-typed key-value pairs at warn level.
func (l *Logger) Warnw(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, keysAndValues...)
}

// Infof logs a formatted message.
func (l *Logger) Infof(template string, args ...interface{}) {
	l.sugar.Infof(template, args...)
}

// With returns a child logger carrying fields on every entry.
func (l *Logger) With(fields ...zap.Field) *Logger {
	child := l.zap.With(fields...)
	return &Logger{
		zap:           child,
		sugar:         child.Sugar(),
		level:         l.level,
		isDevelopment: l.isDevelopment,
		logFilePath:   l.logFilePath,
	}
}

// Named returns a sub-logger, e.g. logger.Named("http").
func (l *Logger) Named(name string) *Logger {
	child := l.zap.Named(name)
	return &Logger{
		zap:           child,
		sugar:         child.Sugar(),
		level:         l.level,
		isDevelopment: l.isDevelopment,
		logFilePath:   l.logFilePath,
	}
}

// Zap returns the underlying logger. Packages take *zap.Logger so tests can
// pass zap.NewNop(); redaction still applies because it lives in the core.
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

// SetLevel changes the level at runtime.
func (l *Logger) SetLevel(level zapcore.Level) {
	l.level.SetLevel(level)
}

// Level returns the current level.
func (l *Logger) Level() zapcore.Level {
	return l.level.Level()
}

func (l *Logger) IsDevelopment() bool { return l.isDevelopment }
func (l *Logger) LogFilePath() string { return l.logFilePath }

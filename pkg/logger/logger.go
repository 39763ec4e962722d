package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is a no-op until Init is called so packages can log from tests.
var Log = zap.NewNop()

// Init replaces Log with a logger writing to outputPath, which is "stdout",
// "stderr" or a file opened for appending.
func Init(level, format, outputPath string) error {
	out, err := openOutput(outputPath)
	if err != nil {
		return err
	}
	l, err := New(level, format, out)
	if err != nil {
		return err
	}
	Log = l
	return nil
}

// New builds a logger writing entries at level and above to out. format is
// "json" or anything else for the console encoder.
func New(level, format string, out zapcore.WriteSyncer) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, out, zapLevel)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func openOutput(path string) (zapcore.WriteSyncer, error) {
	switch path {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return zapcore.AddSync(file), nil
}

// Field keys shared by every package, so that entries about one project,
// record or task can be filtered on a single key.
const (
	ProjectKey = "project_id"
	RecordKey  = "record_id"
	TaskKey    = "task_id"
	LockKey    = "lock"
)

func ProjectID(id string) zap.Field   { return zap.String(ProjectKey, id) }
func RecordID(id int64) zap.Field     { return zap.Int64(RecordKey, id) }
func RecordIDs(ids []int64) zap.Field { return zap.Int64s("record_ids", ids) }
func TaskID(id string) zap.Field      { return zap.String(TaskKey, id) }
func Lock(name string) zap.Field      { return zap.String(LockKey, name) }

// ForProject returns a child logger that tags every entry with the project.
func ForProject(id string) *zap.Logger {
	return With(ProjectID(id))
}

// ForTask returns a child logger for one delivery of a queued task.
func ForTask(taskID, projectID string, attempt int) *zap.Logger {
	return With(TaskID(taskID), ProjectID(projectID), zap.Int("attempt", attempt))
}

// GetLogger returns the underlying zap logger for components that take one
// explicitly (retry, circuit breaker, rate limiter).
func GetLogger() *zap.Logger {
	return Log.WithOptions(zap.AddCallerSkip(-1))
}

// With returns a child logger carrying the given fields.
func With(fields ...zap.Field) *zap.Logger {
	return GetLogger().With(fields...)
}

func Info(msg string, fields ...zap.Field) {
	Log.Info(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	Log.Error(msg, fields...)
}

func Debug(msg string, fields ...zap.Field) {
	Log.Debug(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	Log.Warn(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	Log.Fatal(msg, fields...)
}

func Sync() {
	_ = Log.Sync()
}

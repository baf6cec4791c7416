package matrix

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapWriter forwards the SDK's zerolog output into the daemon's zap logger.
type zapWriter struct {
	logger *zap.Logger
}

// NewSDKLogger returns a zerolog logger for mautrix that writes through logger.
func NewSDKLogger(logger *zap.Logger) zerolog.Logger {
	return zerolog.New(&zapWriter{logger: logger.Named("mautrix")}).With().Timestamp().Logger()
}

func (w *zapWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

// WriteLevel implements zerolog.LevelWriter. The JSON line is flattened into
// a message plus string fields.
func (w *zapWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	lvl := zapLevel(level)
	if !w.logger.Core().Enabled(lvl) {
		return len(p), nil
	}

	var rec map[string]any
	if err := json.Unmarshal(p, &rec); err != nil {
		w.logger.Log(lvl, strings.TrimRight(string(p), "\n"))
		return len(p), nil
	}
	msg, _ := rec[zerolog.MessageFieldName].(string)
	delete(rec, zerolog.MessageFieldName)
	delete(rec, zerolog.LevelFieldName)
	delete(rec, zerolog.TimestampFieldName)

	fields := make([]zap.Field, 0, len(rec))
	for k, v := range rec {
		fields = append(fields, zap.Any(k, v))
	}
	w.logger.Log(lvl, msg, fields...)
	return len(p), nil
}

func zapLevel(l zerolog.Level) zapcore.Level {
	switch l {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		return zapcore.DebugLevel
	case zerolog.WarnLevel:
		return zapcore.WarnLevel
	case zerolog.ErrorLevel:
		return zapcore.ErrorLevel
	case zerolog.FatalLevel, zerolog.PanicLevel:
		// Demoted; zap would exit or panic.
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

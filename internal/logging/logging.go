// Package logging builds the process-wide zap logger and the rotating
// per-subprocess log writers for the encoder and each relay child's
// stderr.
package logging

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds a zap logger writing JSON to stderr at info level, or debug
// level when debug is true.
func New(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

// RotatingFile opens a size-rotated log file under logDir/name, capped at
// 10 MiB with 3 backups kept, for routing a subprocess's stderr.
func RotatingFile(logDir, name string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   filepath.Join(logDir, name),
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	}
}

// EncoderLogName is the fixed file name for the encoder child's stderr.
const EncoderLogName = "ffmpeg_encoder.log"

// RelayLogName is the per-id file name for a relay child's stderr.
func RelayLogName(id int64) string {
	return fmt.Sprintf("relay_%d.log", id)
}

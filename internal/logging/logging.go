// Package logging configures the module's structured logger. It mirrors
// enhanced_consumer.go's logrus.SetFormatter(&logrus.TextFormatter{...})
// setup, generalized to structured WithFields logging and an optional
// rotating file sink instead of a single global logger.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where and how logs are written.
type Config struct {
	// Level is one of logrus's level names ("debug", "info", "warn", ...).
	Level string

	// LogFile, when non-empty, also writes logs to a rotating file
	// alongside stderr.
	LogFile string

	// MaxSizeMB, MaxBackups and MaxAgeDays bound the rotated log file's
	// size and retention. A zero MaxSizeMB means 100 MB, a zero
	// MaxAgeDays means 28 days, and a zero MaxBackups keeps every
	// rotated file.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New builds a logrus.Logger per cfg. A zero Config yields an
// info-level, stderr-only, text-formatted logger.
func New(cfg Config) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: cfg.MaxBackups,
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
			Compress:   true,
		}
		out = io.MultiWriter(os.Stderr, rotator)
	}
	log.SetOutput(out)

	return log
}

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

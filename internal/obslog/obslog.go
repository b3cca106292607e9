// Package obslog configures the structured logger every internal/ package
// and cmd/ipengined logs through: logrus with lumberjack-managed log file
// rotation, rather than the standard library's log package.
package obslog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls log destination and rotation.
type Config struct {
	Level      string // logrus level name; invalid/empty defaults to "info"
	JSON       bool   // structured JSON output instead of logrus's text formatter
	FilePath   string // rotating log file path; empty logs to stderr only
	MaxSizeMB  int    // lumberjack MaxSize, megabytes
	MaxBackups int
	MaxAgeDays int
}

// New builds a logrus.Logger per cfg. An empty FilePath logs only to
// stderr; a non-empty one tees through lumberjack.Logger for size/age-based
// rotation, mirroring how a long-running daemon like ipengined is expected
// to manage its own log volume without external logrotate configuration.
func New(cfg Config) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.JSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	var out io.Writer = os.Stderr
	if cfg.FilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    nonZero(cfg.MaxSizeMB, 100),
			MaxBackups: nonZero(cfg.MaxBackups, 5),
			MaxAge:     nonZero(cfg.MaxAgeDays, 28),
		}
		out = io.MultiWriter(os.Stderr, rotator)
	}
	log.SetOutput(out)

	return log
}

func nonZero(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

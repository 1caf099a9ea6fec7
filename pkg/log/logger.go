package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"statical/pkg/config"
)

// NewLogger builds the process logger: text output with millisecond timestamps
// to console, teed into a rotating file when cfg.File is set. The returned
// closer releases the file and is never nil.
func NewLogger(cfg config.LogConfig, console io.Writer) (*logrus.Logger, io.Closer, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	log.SetOutput(console)
	log.SetLevel(logrus.InfoLevel)

	if cfg.Level != "" {
		level, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			log.Warnf("Invalid log level '%s', using default 'info'. Error: %v", cfg.Level, err)
		} else {
			log.SetLevel(level)
		}
	}

	if cfg.File == "" {
		return log, nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return log, nopCloser{}, fmt.Errorf("create log directory for '%s': %w", cfg.File, err)
	}
	rotating := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		LocalTime:  true,
	}
	log.SetOutput(io.MultiWriter(console, rotating))
	return log, rotating, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

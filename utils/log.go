package utils

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// NewLogger builds the process logger. An unknown level falls back to info.
func NewLogger(level, format string) *log.Logger {
	logger := log.New()

	if format == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	logger.SetOutput(os.Stdout)

	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	logger.SetLevel(lvl)

	return logger
}

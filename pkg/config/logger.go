package config

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds a JSON structured logger at the configured level.
// Unknown levels fall back to info rather than failing startup.
func NewLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
	})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

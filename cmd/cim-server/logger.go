package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/cim-project/cim/pkg/log"
)

var logLevels = []string{"debug", "info", "error"}

type utcFormatter struct {
	f logrus.Formatter
}

func (f *utcFormatter) Format(e *logrus.Entry) ([]byte, error) {
	e.Time = e.Time.UTC()
	return f.f.Format(e)
}

// newLogrusLogger builds the log.Logger used by the rest of the server from
// the rust_log config value. Format is always text; cim-server has no
// separate logger.format config field the way the config it's adapted from
// does.
func newLogrusLogger(level string) (log.Logger, error) {
	var logLevel logrus.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = logrus.DebugLevel
	case "", "info":
		logLevel = logrus.InfoLevel
	case "error":
		logLevel = logrus.ErrorLevel
	default:
		return nil, fmt.Errorf("rust_log is not one of the supported values (%s): %s", strings.Join(logLevels, ", "), level)
	}

	return &logrus.Logger{
		Out:       os.Stderr,
		Formatter: &utcFormatter{f: &logrus.TextFormatter{DisableColors: true}},
		Level:     logLevel,
	}, nil
}

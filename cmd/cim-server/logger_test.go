package main

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestNewLogrusLogger(t *testing.T) {
	t.Run("Debug", func(t *testing.T) {
		logger, err := newLogrusLogger("debug")
		require.NoError(t, err)
		require.Equal(t, logrus.DebugLevel, logger.(*logrus.Logger).Level)
	})

	t.Run("DefaultsToInfo", func(t *testing.T) {
		logger, err := newLogrusLogger("")
		require.NoError(t, err)
		require.Equal(t, logrus.InfoLevel, logger.(*logrus.Logger).Level)
	})

	t.Run("Error", func(t *testing.T) {
		logger, err := newLogrusLogger("ERROR")
		require.NoError(t, err)
		require.Equal(t, logrus.ErrorLevel, logger.(*logrus.Logger).Level)
	})

	t.Run("Unknown", func(t *testing.T) {
		logger, err := newLogrusLogger("gofmt")
		require.Error(t, err)
		require.Equal(t, "rust_log is not one of the supported values (debug, info, error): gofmt", err.Error())
		require.Nil(t, logger)
	})
}

func TestUTCFormatter(t *testing.T) {
	f := &utcFormatter{f: &logrus.TextFormatter{DisableColors: true}}
	e := &logrus.Entry{Logger: logrus.New(), Message: "hi"}
	out, err := f.Format(e)
	require.NoError(t, err)
	require.Contains(t, string(out), "hi")
	require.Equal(t, "UTC", e.Time.Location().String())
}

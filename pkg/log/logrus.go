package log

import "github.com/sirupsen/logrus"

// LogrusLogger is an adapter for Logrus implementing the Logger interface.
type LogrusLogger struct {
	logger logrus.FieldLogger
}

// NewLogrusLogger returns a new Logger wrapping Logrus. A nil logger falls
// back to logrus's standard logger.
func NewLogrusLogger(logger ...logrus.FieldLogger) *LogrusLogger {
	if len(logger) == 0 || logger[0] == nil {
		return &LogrusLogger{logger: logrus.StandardLogger()}
	}
	return &LogrusLogger{logger: logger[0]}
}

func (l *LogrusLogger) Debug(args ...interface{}) { l.logger.Debug(args...) }
func (l *LogrusLogger) Info(args ...interface{})  { l.logger.Info(args...) }
func (l *LogrusLogger) Warn(args ...interface{})  { l.logger.Warn(args...) }
func (l *LogrusLogger) Error(args ...interface{}) { l.logger.Error(args...) }

func (l *LogrusLogger) Debugf(format string, args ...interface{}) { l.logger.Debugf(format, args...) }
func (l *LogrusLogger) Infof(format string, args ...interface{})  { l.logger.Infof(format, args...) }
func (l *LogrusLogger) Warnf(format string, args ...interface{})  { l.logger.Warnf(format, args...) }
func (l *LogrusLogger) Errorf(format string, args ...interface{}) { l.logger.Errorf(format, args...) }

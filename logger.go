package zion

import "github.com/sirupsen/logrus"

// Logger 日志接口，logrus.FieldLogger 直接满足
type Logger interface {
	WithField(key string, value interface{}) *logrus.Entry
	WithFields(fields logrus.Fields) *logrus.Entry
	WithError(err error) *logrus.Entry

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

var _ Logger = logrus.FieldLogger(nil)

// DefaultLogger .
func DefaultLogger() Logger {
	return logrus.StandardLogger().WithField("lib", "zion")
}

package log

import "github.com/sirupsen/logrus"

// LogrusLogger forwards to Entry, or to the logrus standard logger when
// Entry is nil.
type LogrusLogger struct {
	Entry *logrus.Entry
}

func (l LogrusLogger) entry() *logrus.Entry {
	if l.Entry != nil {
		return l.Entry
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func (l LogrusLogger) Debug(args ...any) {
	l.entry().Debug(args...)
}

func (l LogrusLogger) Debugf(format string, args ...any) {
	l.entry().Debugf(format, args...)
}

func (l LogrusLogger) Info(args ...any) {
	l.entry().Info(args...)
}

func (l LogrusLogger) Infof(format string, args ...any) {
	l.entry().Infof(format, args...)
}

func (l LogrusLogger) Warn(args ...any) {
	l.entry().Warn(args...)
}

func (l LogrusLogger) Warnf(format string, args ...any) {
	l.entry().Warnf(format, args...)
}

func (l LogrusLogger) Error(args ...any) {
	l.entry().Error(args...)
}

func (l LogrusLogger) Errorf(format string, args ...any) {
	l.entry().Errorf(format, args...)
}

func (l LogrusLogger) Fatal(args ...any) {
	l.entry().Fatal(args...)
}

func (l LogrusLogger) Fatalf(format string, args ...any) {
	l.entry().Fatalf(format, args...)
}

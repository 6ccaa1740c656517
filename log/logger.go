package log

import (
	"fmt"
	"io"
	stdlog "log"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the logging surface used throughout erra.
type Logger interface {
	Debug(args ...any)
	Debugf(format string, args ...any)
	Info(args ...any)
	Infof(format string, args ...any)
	Warn(args ...any)
	Warnf(format string, args ...any)
	Error(args ...any)
	Errorf(format string, args ...any)
	Fatal(args ...any)
	Fatalf(format string, args ...any)
}

// Fields is a set of structured key/values attached to an entry.
type Fields = logrus.Fields

// Configure sets the global level ("debug", "info", ...) and output
// format ("text" or "json").
func Configure(level, format string, out io.Writer) error {
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logrus.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q", format)
	}

	if out != nil {
		logrus.SetOutput(out)
	}
	return nil
}

// WithFields returns a Logger that tags every entry with fields.
func WithFields(fields Fields) Logger {
	return LogrusLogger{Entry: logrus.WithFields(fields)}
}

// IsDebug reports whether debug entries are emitted.
func IsDebug() bool {
	return logrus.IsLevelEnabled(logrus.DebugLevel)
}

// StdLogger adapts logrus for APIs that take a *log.Logger, such as
// http.Server.ErrorLog. Lines are written at debug with a component field.
func StdLogger(component string) *stdlog.Logger {
	w := logrus.WithField("component", component).WriterLevel(logrus.DebugLevel)
	return stdlog.New(w, "", 0)
}

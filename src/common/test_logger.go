package common

import (
	"testing"

	"github.com/sirupsen/logrus"
)

// testLoggerAdapter can be used as the destination for a logger; it maps
// writes to calls to testing.T.Log so that logging only shows up for failed
// tests.
type testLoggerAdapter struct {
	t      testing.TB
	prefix string
}

func (a *testLoggerAdapter) Write(d []byte) (int, error) {
	if d[len(d)-1] == '\n' {
		d = d[:len(d)-1]
	}
	if a.prefix != "" {
		l := a.prefix + ": " + string(d)
		a.t.Log(l)
		return len(l), nil
	}
	a.t.Log(string(d))
	return len(d), nil
}

// NewTestLogger returns a logrus Logger that writes through testing.T.
func NewTestLogger(t testing.TB) *logrus.Logger {
	logger := logrus.New()
	logger.Out = &testLoggerAdapter{t: t}
	logger.Level = logrus.DebugLevel
	return logger
}

// NewTestEntry returns a logrus Entry that writes through testing.T with a
// component prefix.
func NewTestEntry(t testing.TB, component string) *logrus.Entry {
	return NewTestLogger(t).WithField("component", component)
}

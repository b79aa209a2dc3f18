// Package logger configures the shared logrus logger. Every component logs
// through an Entry carrying a "component" field so the three binaries produce
// uniformly greppable output.
package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Init configures the global logrus logger and returns the root entry for
// the given component.
func Init(component, level string) *logrus.Entry {
	logrus.SetOutput(os.Stdout)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)

	return logrus.WithField("component", component)
}

// Component returns a child entry for a sub-component.
func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}

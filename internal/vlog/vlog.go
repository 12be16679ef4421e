// Package vlog centralizes veil's structured logging so every component
// builds its entries the same way: one *logrus.Entry per call site, tagged
// with the component and function name, following the field-naming
// convention used throughout the noise transport layer this module is
// descended from.
package vlog

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	base     *logrus.Logger
	baseOnce sync.Once
)

// Base returns the process-wide logrus.Logger, configured once on first use.
func Base() *logrus.Logger {
	baseOnce.Do(func() {
		base = logrus.New()
		base.SetOutput(os.Stderr)
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		base.SetLevel(logrus.InfoLevel)
	})
	return base
}

// SetLevel adjusts the base logger's verbosity. Accepts the standard
// logrus level names (e.g. "debug", "info", "warn", "error").
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Base().SetLevel(lvl)
	return nil
}

// For returns an entry pre-tagged with package and function, mirroring the
// logrus.Fields{"function": ..., "package": ...} idiom used at every
// state-changing call in the channel and transport layers.
func For(pkg, function string) *logrus.Entry {
	return Base().WithFields(logrus.Fields{
		"package":  pkg,
		"function": function,
	})
}

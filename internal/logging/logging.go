// Package logging configures the process-wide logrus logger.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Configure sets the output format used across the binary. jsonFormat selects a
// machine-parseable formatter suitable for shipping to a log aggregator; otherwise
// a human-readable text formatter with timestamps is used.
func Configure(jsonFormat bool) {
	if jsonFormat {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logrus.SetOutput(os.Stdout)
}

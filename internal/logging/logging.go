package logging

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// Init configures the standard logger. Unknown levels fall back to info.
func Init(level string) {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	l, err := log.ParseLevel(level)
	if err != nil {
		l = log.InfoLevel
	}
	log.SetLevel(l)
}

// For returns an entry tagged with the component name.
func For(component string) *log.Entry {
	return log.WithField("component", component)
}

// Discard silences the standard logger; tests use it to keep output clean.
func Discard() {
	log.SetOutput(io.Discard)
}

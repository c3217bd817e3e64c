package logging

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// New returns a JSON logger tagged with the service name.
// Unknown levels fall back to info.
func New(service, level string) *log.Entry {
	return NewWithOutput(os.Stdout, service, level)
}

// NewWithOutput is New with an explicit writer.
func NewWithOutput(w io.Writer, service, level string) *log.Entry {
	logger := log.New()
	logger.SetOutput(w)
	logger.SetFormatter(&log.JSONFormatter{})

	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	logger.SetLevel(lvl)

	return logger.WithField("service", service)
}

// Discard is a logger that drops everything; used in tests.
func Discard() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return log.NewEntry(logger)
}

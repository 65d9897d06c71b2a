// Package logging builds the structured loggers shared by the pipeline packages.
package logging

import (
	"io"
	"os"

	"github.com/phuslu/log"
)

// New returns a logger at the given level. Console output is colourised for
// interactive use; otherwise JSON lines are written to w.
func New(level string, console bool, w io.Writer) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	logger := &log.Logger{
		Level:      log.ParseLevel(level),
		TimeFormat: "15:04:05",
	}
	if console {
		logger.Writer = &log.ConsoleWriter{Writer: w, ColorOutput: true, QuoteString: true}
	} else {
		logger.Writer = &log.IOWriter{Writer: w}
	}
	return logger
}

// Nop discards everything. Used when a caller passes no logger.
func Nop() *log.Logger {
	return &log.Logger{Level: log.PanicLevel + 1, Writer: &log.IOWriter{Writer: io.Discard}}
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *log.Logger) *log.Logger {
	if l == nil {
		return Nop()
	}
	return l
}

// Package logging sets up the process-wide logger.
//
// The teacher (direwolf) colors console output by category with
// text_color_set/dw_printf; this is that same idea expressed with a real
// structured-logging library instead of raw ANSI escapes, so log lines
// carry levels and key/value fields that a log shipper can parse.
package logging

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// New builds a logger at the given verbosity. debugCount mirrors the
// teacher's -d flag: 0 is Info, 1 is Debug, 2+ also reports caller.
func New(out io.Writer, debugCount int) *log.Logger {
	if out == nil {
		out = os.Stderr
	}

	var logger = log.NewWithOptions(out, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "2006-01-02T15:04:05Z07:00",
	})

	switch {
	case debugCount <= 0:
		logger.SetLevel(log.InfoLevel)
	case debugCount == 1:
		logger.SetLevel(log.DebugLevel)
	default:
		logger.SetLevel(log.DebugLevel)
		logger.SetReportCaller(true)
	}

	return logger
}

// Nop returns a logger that discards everything, for use in tests that
// don't want console noise.
func Nop() *log.Logger {
	var logger = log.New(io.Discard)
	logger.SetLevel(log.FatalLevel + 1)
	return logger
}

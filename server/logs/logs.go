// Package logs exposes info, warning and error loggers shared by the
// rest of the server.
package logs

import (
	"log"
	"os"
)

var (
	// Info is the logger for information messages.
	Info *log.Logger
	// Warn is the logger for warning messages.
	Warn *log.Logger
	// Err is the logger for error messages.
	Err *log.Logger
)

// Init initializes the loggers. Debug mode adds file:line of the caller
// to every record.
func Init(debug bool) {
	flags := log.LstdFlags | log.LUTC
	if debug {
		flags |= log.Lshortfile
	}
	Info = log.New(os.Stdout, "I", flags)
	Warn = log.New(os.Stdout, "W", flags)
	Err = log.New(os.Stderr, "E", flags)
}

func init() {
	// Usable defaults for tests and tools which skip Init.
	Init(false)
}

// Package common holds the small ambient pieces shared by the decoder
// packages: diagnostic reporting and the library error type.
package common

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Severity is the level a report is filed at. The decoder only ever files
// at SeverityDebug or SeverityError (spec's "DEBUG and ERROR levels"); the
// other two exist for reporters that want finer internal grouping.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "DEBUG"
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Reporter is the decoder's only way of talking to the outside world about
// anything that isn't a decoded packet. A nil Reporter is legal everywhere
// it's accepted; the decoder never depends on one for correctness.
type Reporter interface {
	Logf(severity Severity, format string, args ...interface{})
}

// report is a nil-safe helper so call sites never need to check for a nil
// Reporter themselves.
func report(r Reporter, sev Severity, format string, args ...interface{}) {
	if r == nil {
		return
	}
	r.Logf(sev, format, args...)
}

// Debugf reports at SeverityDebug through r, doing nothing if r is nil.
func Debugf(r Reporter, format string, args ...interface{}) {
	report(r, SeverityDebug, format, args...)
}

// Errorf reports at SeverityError through r, doing nothing if r is nil.
func Errorf(r Reporter, format string, args ...interface{}) {
	report(r, SeverityError, format, args...)
}

// StdReporter implements Reporter on top of the standard log package.
type StdReporter struct {
	debugLog *log.Logger
	infoLog  *log.Logger
	warnLog  *log.Logger
	errLog   *log.Logger
	minLevel Severity
}

// NewStdReporter creates a reporter writing to stdout/stderr, filtering out
// anything below minLevel.
func NewStdReporter(minLevel Severity) *StdReporter {
	return NewStdReporterWithWriter(os.Stdout, os.Stderr, minLevel)
}

// NewStdReporterWithWriter creates a reporter with explicit writers, mainly
// so tests can capture output.
func NewStdReporterWithWriter(stdout, stderr io.Writer, minLevel Severity) *StdReporter {
	return &StdReporter{
		debugLog: log.New(stdout, "DEBUG: ", log.Ltime),
		infoLog:  log.New(stdout, "INFO: ", log.Ltime),
		warnLog:  log.New(stdout, "WARNING: ", log.Ltime),
		errLog:   log.New(stderr, "ERROR: ", log.Ltime),
		minLevel: minLevel,
	}
}

// Logf implements Reporter.
func (l *StdReporter) Logf(severity Severity, format string, args ...interface{}) {
	if severity < l.minLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	switch severity {
	case SeverityDebug:
		l.debugLog.Output(2, msg)
	case SeverityInfo:
		l.infoLog.Output(2, msg)
	case SeverityWarning:
		l.warnLog.Output(2, msg)
	case SeverityError:
		l.errLog.Output(2, msg)
	}
}

// NoOpReporter discards everything. Equivalent to passing a nil Reporter,
// but useful where an interface value can't be nil-checked by the caller.
type NoOpReporter struct{}

func (NoOpReporter) Logf(Severity, string, ...interface{}) {}

package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	colorable "github.com/mattn/go-colorable"
	isatty "github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var ptrace = false
var locator = false
var stack = false
var sampler = false

var logOut io.WriteCloser
var logOutOwned bool

// textFormatterInstance is used by every logger built by this package
// unless a LoggerFactory is installed. Setup turns on colors when the
// destination is a terminal.
var textFormatterInstance = &logrus.TextFormatter{
	FullTimestamp:   true,
	TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
}

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	logger.Logger.Level = level
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	return &logrusLogger{logger}
}

// makeFlaggableLogger returns a logger that emits debug output when flag
// is set and only errors otherwise.
func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

// Ptrace returns true if the native process controller should log.
func Ptrace() bool {
	return ptrace
}

// PtraceLogger returns a logger for attach, detach and remote reads.
func PtraceLogger() Logger {
	return makeFlaggableLogger(ptrace, Fields{"layer": "ptrace"})
}

// Locator returns true if interpreter discovery should log.
func Locator() bool {
	return locator
}

// LocatorLogger returns a logger for interpreter and thread state discovery.
func LocatorLogger() Logger {
	return makeFlaggableLogger(locator, Fields{"layer": "locator"})
}

// Stack returns true if the stack walker should log.
func Stack() bool {
	return stack
}

// StackLogger returns a logger for the stack walker.
func StackLogger() Logger {
	return makeFlaggableLogger(stack, Fields{"layer": "stack"})
}

// Sampler returns true if the sampling loop should log.
func Sampler() bool {
	return sampler
}

// SamplerLogger returns a logger for the sampling loop.
func SamplerLogger() Logger {
	return makeFlaggableLogger(sampler, Fields{"layer": "sampler"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "pystack-logs")
			logOutOwned = true
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
			logOutOwned = true
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logOut == nil {
		logOut = terminalWriter(os.Stderr)
	} else if f, ok := logOut.(*os.File); ok {
		logOut = terminalWriter(f)
	}
	if logstr == "" {
		logstr = "sampler"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "ptrace":
			ptrace = true
		case "locator":
			locator = true
		case "stack":
			stack = true
		case "sampler":
			sampler = true
		default:
			return fmt.Errorf("unknown log output %q", logcmd)
		}
	}
	return nil
}

// terminalWriter wraps f so that colored output renders on every
// platform when f is a terminal.
func terminalWriter(f *os.File) io.WriteCloser {
	if !isatty.IsTerminal(f.Fd()) {
		textFormatterInstance.DisableColors = true
		return f
	}
	textFormatterInstance.ForceColors = true
	return &colorWriter{Writer: colorable.NewColorable(f), f: f}
}

type colorWriter struct {
	io.Writer
	f *os.File
}

func (w *colorWriter) Close() error {
	return w.f.Close()
}

// Close closes the logger output destination if it was opened by Setup.
func Close() {
	if logOut != nil && logOutOwned {
		logOut.Close()
	}
	logOut = nil
	logOutOwned = false
	ptrace, locator, stack, sampler = false, false, false, false
}

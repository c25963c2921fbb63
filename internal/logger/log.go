// Package logger provides a small leveled, structured logger used by every
// component of the dispatcher: the queue, the routine executor, the forge
// client and the HTTP service all log through a logger.Logger rather than
// the standard library's log package, so that tests can swap in a Buffer
// and assert on emitted lines.
package logger

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

const (
	nocolor  = "0"
	red      = "31"
	green    = "38;5;48"
	yellow   = "33"
	gray     = "38;5;251"
	graybold = "1;38;5;251"
	cyan     = "1;36"

	DateFormat = "2006-01-02 15:04:05"
)

var mutex sync.Mutex

// Logger is implemented by ConsoleLogger (real output) and Buffer (tests).
type Logger interface {
	Debug(format string, v ...any)
	Error(format string, v ...any)
	Fatal(format string, v ...any)
	Notice(format string, v ...any)
	Warn(format string, v ...any)
	Info(format string, v ...any)

	WithFields(fields ...Field) Logger
	SetLevel(level Level)
	Level() Level
}

type ConsoleLogger struct {
	level   Level
	exitFn  func(int)
	fields  Fields
	printer Printer
}

func NewConsoleLogger(printer Printer, exitFn func(int)) Logger {
	return &ConsoleLogger{
		level:   NOTICE,
		fields:  Fields{},
		printer: printer,
		exitFn:  exitFn,
	}
}

func (l *ConsoleLogger) WithFields(fields ...Field) Logger {
	clone := *l
	clone.fields.Add(fields...)
	return &clone
}

func (l *ConsoleLogger) SetLevel(level Level) { l.level = level }
func (l *ConsoleLogger) Level() Level         { return l.level }

func (l *ConsoleLogger) Debug(format string, v ...any) {
	if l.level == DEBUG {
		l.printer.Print(DEBUG, fmt.Sprintf(format, v...), l.fields)
	}
}

func (l *ConsoleLogger) Error(format string, v ...any) {
	l.printer.Print(ERROR, fmt.Sprintf(format, v...), l.fields)
}

func (l *ConsoleLogger) Fatal(format string, v ...any) {
	l.printer.Print(FATAL, fmt.Sprintf(format, v...), l.fields)
	l.exitFn(1)
}

func (l *ConsoleLogger) Notice(format string, v ...any) {
	if l.level <= NOTICE {
		l.printer.Print(NOTICE, fmt.Sprintf(format, v...), l.fields)
	}
}

func (l *ConsoleLogger) Info(format string, v ...any) {
	if l.level <= INFO {
		l.printer.Print(INFO, fmt.Sprintf(format, v...), l.fields)
	}
}

func (l *ConsoleLogger) Warn(format string, v ...any) {
	if l.level <= WARN {
		l.printer.Print(WARN, fmt.Sprintf(format, v...), l.fields)
	}
}

// Printer renders a single log line to its destination.
type Printer interface {
	Print(level Level, msg string, fields Fields)
}

// TextPrinter writes human-readable, optionally ANSI-colored lines.
type TextPrinter struct {
	Colors bool
	Writer io.Writer
}

func NewTextPrinter(w io.Writer) *TextPrinter {
	return &TextPrinter{Writer: w, Colors: ColorsSupported()}
}

func (p *TextPrinter) Print(level Level, msg string, fields Fields) {
	now := time.Now().Format(DateFormat)

	var line string
	var fieldStrs []string

	if p.Colors {
		levelColor := green
		messageColor := nocolor

		switch level {
		case DEBUG:
			levelColor, messageColor = gray, gray
		case NOTICE:
			levelColor = cyan
		case WARN:
			levelColor = yellow
		case ERROR, FATAL:
			levelColor, messageColor = red, red
		}

		line = fmt.Sprintf("\x1b[%sm%s %-6s\x1b[0m \x1b[%sm%s\x1b[0m", levelColor, now, level, messageColor, msg)
		for _, field := range fields {
			fieldStrs = append(fieldStrs, fmt.Sprintf("\x1b[%sm%s=\x1b[0m\x1b[%sm%s\x1b[0m", graybold, field.Key(), messageColor, field.String()))
		}
	} else {
		line = fmt.Sprintf("%s %-6s %s", now, level, msg)
		for _, field := range fields {
			fieldStrs = append(fieldStrs, fmt.Sprintf("%s=%s", field.Key(), field.String()))
		}
	}

	mutex.Lock()
	defer mutex.Unlock()
	fmt.Fprint(p.Writer, line)
	if len(fields) > 0 {
		fmt.Fprintf(p.Writer, " %s", strings.Join(fieldStrs, " "))
	}
	fmt.Fprint(p.Writer, "\n")
}

// ColorsSupported reports whether stdout is an ANSI-capable terminal.
func ColorsSupported() bool {
	if runtime.GOOS == "windows" {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

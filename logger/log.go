package logger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	// DateFormat is the timestamp layout used by the text printer.
	DateFormat = "2006-01-02 15:04:05"

	// MaxMessageLength caps a single record's message. Longer messages keep
	// their head and tail around a truncation marker.
	MaxMessageLength = 4096
)

// Logger is the interface passed through the worker runtime. Records carry a
// level and an optional request id; WithCaller and WithStack derive loggers
// that annotate records with the call site and the current goroutine stack.
type Logger interface {
	Debug(format string, v ...any)
	Info(format string, v ...any)
	Warn(format string, v ...any)
	Error(format string, v ...any)
	Fatal(format string, v ...any)

	WithFields(fields ...Field) Logger
	WithCaller() Logger
	WithStack() Logger
	SetLevel(level Level)
	Level() Level
}

// Printer renders a single record. stack is nil unless the logger was derived
// with WithStack. Implementations must not interleave concurrent records.
type Printer interface {
	Print(level Level, msg string, fields Fields, stack []byte)
}

// ConsoleLogger is the standard Logger implementation. Fatal calls exitFn(1)
// after printing.
type ConsoleLogger struct {
	level   Level
	printer Printer
	fields  Fields
	caller  bool
	stack   bool
	exitFn  func(int)
}

func NewConsoleLogger(printer Printer, exitFn func(int), fields ...Field) *ConsoleLogger {
	return &ConsoleLogger{
		level:   INFO,
		printer: printer,
		fields:  fields,
		exitFn:  exitFn,
	}
}

// WithFields returns a copy of the logger with the fields appended.
func (l *ConsoleLogger) WithFields(fields ...Field) Logger {
	clone := *l
	clone.fields = append(Fields{}, l.fields...)
	clone.fields.Add(fields...)
	return &clone
}

// WithCaller returns a copy of the logger that prefixes every message with
// the file and line of the logging call.
func (l *ConsoleLogger) WithCaller() Logger {
	clone := *l
	clone.caller = true
	return &clone
}

// WithStack returns a copy of the logger that appends the calling goroutine's
// stack after each record.
func (l *ConsoleLogger) WithStack() Logger {
	clone := *l
	clone.stack = true
	return &clone
}

func (l *ConsoleLogger) SetLevel(level Level) {
	l.level = level
}

func (l *ConsoleLogger) Level() Level {
	return l.level
}

func (l *ConsoleLogger) Debug(format string, v ...any) {
	if l.level > DEBUG {
		return
	}
	l.log(DEBUG, format, v...)
}

func (l *ConsoleLogger) Info(format string, v ...any) {
	if l.level > INFO {
		return
	}
	l.log(INFO, format, v...)
}

func (l *ConsoleLogger) Warn(format string, v ...any) {
	if l.level > WARN {
		return
	}
	l.log(WARN, format, v...)
}

func (l *ConsoleLogger) Error(format string, v ...any) {
	if l.level > ERROR {
		return
	}
	l.log(ERROR, format, v...)
}

func (l *ConsoleLogger) Fatal(format string, v ...any) {
	l.log(FATAL, format, v...)
	l.exitFn(1)
}

func (l *ConsoleLogger) log(level Level, format string, v ...any) {
	msg := fmt.Sprintf(format, v...)

	if l.caller {
		// skip log and the exported wrapper to reach the calling frame
		if _, file, line, ok := runtime.Caller(2); ok {
			msg = fmt.Sprintf("[%s:%d] %s", filepath.Base(file), line, msg)
		}
	}

	var stack []byte
	if l.stack {
		stack = debug.Stack()
	}

	l.printer.Print(level, msg, l.fields, stack)
}

// JSONPrinter writes one JSON object per record with the fixed keys
// message, requestID and level. A requestID field populates the record's
// requestID; any other fields are folded into the message as key=value
// pairs. Stacks are written raw on the lines after the record.
type JSONPrinter struct {
	mu     sync.Mutex
	Writer io.Writer
}

func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{Writer: w}
}

type jsonRecord struct {
	Message   string `json:"message"`
	RequestID string `json:"requestID"`
	Level     string `json:"level"`
}

func (p *JSONPrinter) Print(level Level, msg string, fields Fields, stack []byte) {
	requestID := ""
	var extra strings.Builder
	for _, f := range fields {
		if f.Key() == "requestID" && requestID == "" {
			requestID = f.String()
			continue
		}
		fmt.Fprintf(&extra, " %s=%s", f.Key(), f.String())
	}

	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	enc.Encode(jsonRecord{
		Message:   truncateMessage(msg + extra.String()),
		RequestID: requestID,
		Level:     level.String(),
	})
	if len(stack) > 0 {
		buf.Write(stack)
		if stack[len(stack)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}

	// one write per record so concurrent records never interleave
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Writer.Write(buf.Bytes())
}

// truncateMessage keeps the head and tail of an oversized message around a
// marker naming how many characters were dropped.
func truncateMessage(msg string) string {
	if utf8.RuneCountInString(msg) <= MaxMessageLength {
		return msg
	}
	r := []rune(msg)
	half := MaxMessageLength / 2
	dropped := len(r) - MaxMessageLength
	return string(r[:half]) +
		fmt.Sprintf("\n... EXCEED MAX LOG LENGTH, TRUNCATED %d CHARACTERS...\n", dropped) +
		string(r[len(r)-half:])
}

// TextPrinter writes human-readable single-line records, mainly for tests
// and local development.
type TextPrinter struct {
	mu     sync.Mutex
	Writer io.Writer
}

func NewTextPrinter(w io.Writer) *TextPrinter {
	return &TextPrinter{Writer: w}
}

func (p *TextPrinter) Print(level Level, msg string, fields Fields, stack []byte) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s %s", time.Now().Format(DateFormat), level, msg)
	for _, f := range fields {
		fmt.Fprintf(&b, " %s=%s", f.Key(), f.String())
	}
	b.WriteByte('\n')
	if len(stack) > 0 {
		b.Write(stack)
		if stack[len(stack)-1] != '\n' {
			b.WriteByte('\n')
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	io.WriteString(p.Writer, b.String())
}

// Discard is a logger that prints nothing and never exits.
var Discard Logger = NewConsoleLogger(NewTextPrinter(io.Discard), func(int) {})

// New builds the process logger writing JSON records to w.
func New(w io.Writer, level Level) Logger {
	l := NewConsoleLogger(NewJSONPrinter(w), os.Exit)
	l.SetLevel(level)
	return l
}

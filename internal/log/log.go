package log

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"time"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// Entry is a single emitted log line in structured form. Sinks receive
// entries after level filtering.
type Entry struct {
	Time    time.Time `json:"time"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	Fields  string    `json:"fields,omitempty"`
}

// String renders the entry in the same shape as the stderr line.
func (e Entry) String() string {
	return e.Time.Format(time.RFC3339Nano) + " [" + string(e.Level) + "] " + e.Message + e.Fields
}

// Sink receives every entry that passes the level filter.
type Sink interface {
	Write(Entry)
}

// Logger writes timestamped key=value lines and fans entries out to sinks.
// A nil *Logger falls back to the package default.
type Logger struct {
	mu       sync.RWMutex
	out      *stdlog.Logger
	minLevel Level
	sinks    []Sink
	now      func() time.Time
}

// New creates a Logger writing to w. Pass nil to discard line output and
// only feed sinks.
func New(w io.Writer, sinks ...Sink) *Logger {
	if w == nil {
		w = io.Discard
	}
	return &Logger{
		out:      stdlog.New(w, "", 0),
		minLevel: LevelInfo,
		sinks:    sinks,
		now:      time.Now,
	}
}

var (
	defaultLogger *Logger
	defaultOnce   sync.Once
)

// Default returns the process-wide logger writing to stderr.
func Default() *Logger {
	defaultOnce.Do(func() {
		defaultLogger = New(os.Stderr)
	})
	return defaultLogger
}

func (l *Logger) orDefault() *Logger {
	if l == nil {
		return Default()
	}
	return l
}

func (l *Logger) SetLevel(level Level) {
	l = l.orDefault()
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
}

// AddSink attaches s to the logger.
func (l *Logger) AddSink(s Sink) {
	l = l.orDefault()
	l.mu.Lock()
	l.sinks = append(l.sinks, s)
	l.mu.Unlock()
}

func (l *Logger) Debug(msg string, kv ...any) {
	l.orDefault().logWithLevel(LevelDebug, msg, kv...)
}

func (l *Logger) Info(msg string, kv ...any) {
	l.orDefault().logWithLevel(LevelInfo, msg, kv...)
}

func (l *Logger) Warn(msg string, kv ...any) {
	l.orDefault().logWithLevel(LevelWarn, msg, kv...)
}

func (l *Logger) Error(msg string, err error, kv ...any) {
	// Prepend error into key-value list.
	extended := append([]any{"err", err}, kv...)
	l.orDefault().logWithLevel(LevelError, msg, extended...)
}

func (l *Logger) logWithLevel(level Level, msg string, kv ...any) {
	l.mu.RLock()
	min := l.minLevel
	sinks := l.sinks
	l.mu.RUnlock()

	if levelRank[level] < levelRank[min] {
		return
	}

	e := Entry{
		Time:    l.now(),
		Level:   level,
		Message: msg,
		Fields:  formatKVs(kv...),
	}

	l.out.Println(e.String())
	for _, s := range sinks {
		s.Write(e)
	}
}

func formatKVs(kv ...any) string {
	var b strings.Builder
	// Expect kv as pairs: key, value, key, value, ...
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		b.WriteString(" ")
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(kv[i+1]))
	}
	// If odd number of args, last one is ignored.
	return b.String()
}

func SetLevel(l Level) { Default().SetLevel(l) }

func Debug(msg string, kv ...any) { Default().Debug(msg, kv...) }

func Info(msg string, kv ...any) { Default().Info(msg, kv...) }

func Warn(msg string, kv ...any) { Default().Warn(msg, kv...) }

func Error(msg string, err error, kv ...any) { Default().Error(msg, err, kv...) }

// ParseLevel maps a config string to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

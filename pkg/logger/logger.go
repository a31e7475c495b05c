package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	mu   sync.RWMutex
	base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().Timestamp().Logger().Level(zerolog.InfoLevel)
)

// Options configures the process-wide logger.
type Options struct {
	Level  string
	Format string // console | json
	Output io.Writer
}

// Init replaces the process-wide logger. Unknown levels fall back to info.
func Init(opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	var l zerolog.Logger
	if strings.EqualFold(strings.TrimSpace(opts.Format), "json") {
		l = zerolog.New(out)
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"})
	}
	l = l.With().Timestamp().Logger().Level(ParseLevel(opts.Level).zerolog())

	mu.Lock()
	base = l
	mu.Unlock()
}

func ParseLevel(raw string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

func SetLevel(level LogLevel) {
	mu.Lock()
	base = base.Level(level.zerolog())
	mu.Unlock()
}

func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	switch base.GetLevel() {
	case zerolog.DebugLevel, zerolog.TraceLevel:
		return DEBUG
	case zerolog.WarnLevel:
		return WARN
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		return ERROR
	default:
		return INFO
	}
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func emit(level LogLevel, component, message string, fields map[string]interface{}) {
	l := current()
	var ev *zerolog.Event
	switch level {
	case DEBUG:
		ev = l.Debug()
	case WARN:
		ev = l.Warn()
	case ERROR:
		ev = l.Error()
	default:
		ev = l.Info()
	}
	if ev == nil {
		return
	}
	if component != "" {
		ev = ev.Str("component", component)
	}
	if len(fields) > 0 {
		ev = ev.Fields(fields)
	}
	ev.Msg(message)
}

func Debug(message string) { emit(DEBUG, "", message, nil) }
func DebugC(component, message string) { emit(DEBUG, component, message, nil) }
func Info(message string) { emit(INFO, "", message, nil) }
func InfoC(component, message string) { emit(INFO, component, message, nil) }
func Warn(message string) { emit(WARN, "", message, nil) }
func WarnC(component, message string) { emit(WARN, component, message, nil) }
func Error(message string) { emit(ERROR, "", message, nil) }
func ErrorC(component, message string) { emit(ERROR, component, message, nil) }
func DebugF(message string, fields map[string]interface{}) { emit(DEBUG, "", message, fields) }
func InfoF(message string, fields map[string]interface{}) { emit(INFO, "", message, fields) }

func DebugCF(component, message string, fields map[string]interface{}) {
	emit(DEBUG, component, message, fields)
}

func InfoCF(component, message string, fields map[string]interface{}) {
	emit(INFO, component, message, fields)
}

func WarnCF(component, message string, fields map[string]interface{}) {
	emit(WARN, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]interface{}) {
	emit(ERROR, component, message, fields)
}

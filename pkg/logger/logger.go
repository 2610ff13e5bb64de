// Package logger provides a component-scoped leveled logger used across
// tgrelay. It keeps the call surface simple (Debug/Info/Warn/Error/Fatal,
// each with a Component and Fields variant) while delegating formatting,
// level filtering and output to zerolog.
package logger

import (
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
	FATAL
)

var zerologLevels = map[LogLevel]zerolog.Level{
	DEBUG: zerolog.DebugLevel,
	INFO:  zerolog.InfoLevel,
	WARN:  zerolog.WarnLevel,
	ERROR: zerolog.ErrorLevel,
	FATAL: zerolog.FatalLevel,
}

var (
	mu              sync.RWMutex
	base            = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	fileLog         *zerolog.Logger
	componentFilter map[string]bool
)

// SetLevel sets the minimum level that reaches any configured writer.
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	base = base.Level(zerologLevels[level])
}

// GetLevel returns the currently configured minimum level.
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	switch base.GetLevel() {
	case zerolog.DebugLevel:
		return DEBUG
	case zerolog.WarnLevel:
		return WARN
	case zerolog.ErrorLevel:
		return ERROR
	case zerolog.FatalLevel:
		return FATAL
	default:
		return INFO
	}
}

// SetComponentFilter restricts log output to a comma-separated allow-list of
// component names. An empty filter allows every component.
func SetComponentFilter(filter string) {
	mu.Lock()
	defer mu.Unlock()

	if filter == "" {
		componentFilter = nil
		return
	}

	componentFilter = make(map[string]bool)
	for _, p := range strings.Split(filter, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			componentFilter[p] = true
		}
	}
}

// EnableFileLogging duplicates log output (as JSON) to the given file path,
// in addition to the console writer.
func EnableFileLogging(filePath string) error {
	mu.Lock()
	defer mu.Unlock()

	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l := zerolog.New(f).With().Timestamp().Logger().Level(base.GetLevel())
	fileLog = &l
	return nil
}

// DisableFileLogging stops duplicating output to a file.
func DisableFileLogging() {
	mu.Lock()
	defer mu.Unlock()
	fileLog = nil
}

func allowed(component string) bool {
	mu.RLock()
	defer mu.RUnlock()
	if componentFilter == nil || component == "" {
		return true
	}
	return componentFilter[component]
}

func emit(level LogLevel, component, message string, fields map[string]any) {
	if !allowed(component) {
		return
	}

	mu.RLock()
	b := base
	fl := fileLog
	mu.RUnlock()

	writeTo := func(l zerolog.Logger) {
		ev := l.WithLevel(zerologLevels[level])
		if component != "" {
			ev = ev.Str("component", component)
		}
		if len(fields) > 0 {
			ev = ev.Fields(fields)
		}
		ev.Msg(message)
	}

	writeTo(b)
	if fl != nil {
		writeTo(*fl)
	}

	if level == FATAL {
		os.Exit(1)
	}
}

func Debug(message string)                                     { emit(DEBUG, "", message, nil) }
func DebugC(component, message string)                          { emit(DEBUG, component, message, nil) }
func DebugF(message string, fields map[string]any)              { emit(DEBUG, "", message, fields) }
func DebugCF(component, message string, fields map[string]any)  { emit(DEBUG, component, message, fields) }

func Info(message string)                                     { emit(INFO, "", message, nil) }
func InfoC(component, message string)                          { emit(INFO, component, message, nil) }
func InfoF(message string, fields map[string]any)              { emit(INFO, "", message, fields) }
func InfoCF(component, message string, fields map[string]any)  { emit(INFO, component, message, fields) }

func Warn(message string)                                     { emit(WARN, "", message, nil) }
func WarnC(component, message string)                          { emit(WARN, component, message, nil) }
func WarnF(message string, fields map[string]any)              { emit(WARN, "", message, fields) }
func WarnCF(component, message string, fields map[string]any)  { emit(WARN, component, message, fields) }

func Error(message string)                                     { emit(ERROR, "", message, nil) }
func ErrorC(component, message string)                          { emit(ERROR, component, message, nil) }
func ErrorF(message string, fields map[string]any)              { emit(ERROR, "", message, fields) }
func ErrorCF(component, message string, fields map[string]any)  { emit(ERROR, component, message, fields) }

func Fatal(message string)                                     { emit(FATAL, "", message, nil) }
func FatalC(component, message string)                          { emit(FATAL, component, message, nil) }
func FatalF(message string, fields map[string]any)              { emit(FATAL, "", message, fields) }
func FatalCF(component, message string, fields map[string]any)  { emit(FATAL, component, message, fields) }

// Package logger provides named loggers that share one process wide handler.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/cenkalti/log"
)

var (
	handler log.Handler
	mu      sync.RWMutex
)

func init() {
	SetHandler(log.NewFileHandler(os.Stderr))
	SetLevel(log.INFO)
}

// SetHandler changes the handler that every Logger created after this call writes to.
func SetHandler(h log.Handler) {
	h.SetFormatter(logFormatter{})
	mu.Lock()
	handler = h
	mu.Unlock()
}

// SetOutput is a shortcut for SetHandler with a file handler writing to w.
func SetOutput(w io.Writer) {
	SetHandler(log.NewWriterHandler(w))
}

// SetLevel sets the logging level on the global handler.
func SetLevel(l log.Level) {
	mu.RLock()
	handler.SetLevel(l)
	mu.RUnlock()
}

// LevelFromVerbosity converts the count of -v flags given on the command line to a level.
func LevelFromVerbosity(v int) log.Level {
	switch {
	case v <= 0:
		return log.WARNING
	case v == 1:
		return log.INFO
	default:
		return log.DEBUG
	}
}

// Logger is for logging messages from inside of the program in various logging levels.
type Logger log.Logger

// New returns a new Logger with a name.
// Log messages are prefixed with this name by the default Handler.
func New(name string) Logger {
	mu.RLock()
	h := handler
	mu.RUnlock()
	l := log.NewLogger(name)
	l.SetLevel(log.DEBUG) // level filtering happens in the handler
	l.SetHandler(h)
	return l
}

type logFormatter struct{}

// Format outputs a message like "2021-06-12 18:15:57 INFO     [coordinator] coordinator.go:42 piece #3 verified"
func (f logFormatter) Format(rec *log.Record) string {
	return fmt.Sprintf("%s %-8s [%s] %s %s",
		rec.Time.Format("2006-01-02 15:04:05"),
		rec.Level,
		rec.LoggerName,
		filepath.Base(rec.Filename)+":"+strconv.Itoa(rec.Line),
		rec.Message)
}

package publish

import (
	"fmt"
	"strings"
	"time"
)

// Level is the severity of a captured log record.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Record is one captured log line.
type Record struct {
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Logger receives process-level log lines. It matches logging.Logger.
type Logger interface {
	Printf(format string, args ...any)
}

// Log captures records for a single plugin invocation and optionally mirrors
// them to a process logger.
type Log struct {
	prefix  string
	records []Record
	sink    Logger
	clock   func() time.Time
}

func newLog(prefix string, sink Logger, clock func() time.Time) *Log {
	return &Log{prefix: prefix, sink: sink, clock: clock}
}

// Records returns a copy of the captured records.
func (l *Log) Records() []Record {
	if l == nil {
		return nil
	}
	return append([]Record(nil), l.records...)
}

func (l *Log) add(level Level, format string, args ...any) {
	if l == nil {
		return
	}
	msg := strings.TrimRight(fmt.Sprintf(format, args...), "\n")
	now := time.Now()
	if l.clock != nil {
		now = l.clock()
	}
	l.records = append(l.records, Record{Level: level, Message: msg, Time: now})
	if l.sink != nil {
		l.sink.Printf("%-5s %s: %s", level, l.prefix, msg)
	}
}

// Debugf records a debug line.
func (l *Log) Debugf(format string, args ...any) { l.add(LevelDebug, format, args...) }

// Infof records an informational line.
func (l *Log) Infof(format string, args ...any) { l.add(LevelInfo, format, args...) }

// Warnf records a warning.
func (l *Log) Warnf(format string, args ...any) { l.add(LevelWarn, format, args...) }

// Errorf records an error line.
func (l *Log) Errorf(format string, args ...any) { l.add(LevelError, format, args...) }

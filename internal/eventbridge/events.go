package eventbridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/pype/internal/host"
)

const (
	// ProtocolVersion identifies the bridge contract version exposed via /health.
	ProtocolVersion = "1.0.0"
	// EventSchemaVersion is the currently supported inbound event version.
	EventSchemaVersion = 1
)

// Event captures a single lifecycle notification posted by a host integration.
type Event struct {
	Version    int             `json:"version"`
	EventID    string          `json:"event_id"`
	Sequence   int64           `json:"sequence"`
	Type       string          `json:"type"`
	ClientTime time.Time       `json:"client_time"`
	ServerTime time.Time       `json:"server_time"`
	SessionID  string          `json:"session_id"`
	Host       string          `json:"host"`
	File       string          `json:"file,omitempty"`
	Asset      string          `json:"asset,omitempty"`
	Task       string          `json:"task,omitempty"`
	Workdir    string          `json:"workdir,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Normalize applies defaults and canonical formatting before validation.
func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Version == 0 {
		e.Version = EventSchemaVersion
	}
	e.EventID = strings.TrimSpace(e.EventID)
	e.Type = strings.TrimSpace(e.Type)
	if kind, ok := host.ParseEventType(e.Type); ok {
		e.Type = string(kind)
	}
	e.SessionID = strings.TrimSpace(e.SessionID)
	e.Host = strings.TrimSpace(e.Host)
	e.File = strings.TrimSpace(e.File)
	e.Asset = strings.TrimSpace(e.Asset)
	e.Task = strings.TrimSpace(e.Task)
	e.Workdir = strings.TrimSpace(e.Workdir)
}

// StampServerTime overwrites ServerTime with the supplied clock reading (UTC).
func (e *Event) StampServerTime(now time.Time) {
	if e == nil {
		return
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	e.ServerTime = now.UTC()
}

// Validate enforces baseline schema requirements for incoming events.
func (e Event) Validate() error {
	if e.Version != EventSchemaVersion {
		return fmt.Errorf("version %d not supported", e.Version)
	}
	if e.EventID == "" {
		return errors.New("event_id is required")
	}
	if e.Type == "" {
		return errors.New("type is required")
	}
	if _, ok := host.ParseEventType(e.Type); !ok {
		return fmt.Errorf("type %q is not a host lifecycle event", e.Type)
	}
	if e.SessionID == "" {
		return errors.New("session_id is required")
	}
	if e.Host == "" {
		return errors.New("host is required")
	}
	if host.EventType(e.Type) == host.EventTaskChanged && e.Task == "" {
		return errors.New("task is required for taskChanged")
	}
	return nil
}

// HostEvent converts the wire event into the adapter's event type.
func (e Event) HostEvent() (host.Event, bool) {
	kind, ok := host.ParseEventType(e.Type)
	if !ok {
		return host.Event{}, false
	}
	return host.Event{
		Type:    kind,
		File:    e.File,
		Asset:   e.Asset,
		Task:    e.Task,
		Workdir: e.Workdir,
	}, true
}

// EventProcessor consumes validated events.
type EventProcessor interface {
	HandleEvent(Event) error
}

// EventProcessorFunc adapts a function into an EventProcessor.
type EventProcessorFunc func(Event) error

// HandleEvent executes f(e).
func (f EventProcessorFunc) HandleEvent(e Event) error {
	if f == nil {
		return nil
	}
	return f(e)
}

// Logger records bridge status information. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

type healthResponse struct {
	Status        string               `json:"status"`
	Version       string               `json:"version"`
	UptimeSeconds int64                `json:"uptime_seconds"`
	Accepted      int64                `json:"events_accepted"`
	Rejected      int64                `json:"events_rejected"`
	Hosts         map[string]hostCount `json:"hosts"`
}

type hostCount struct {
	Attached bool  `json:"attached"`
	Accepted int64 `json:"accepted"`
	Backlog  int   `json:"backlog"`
	Dropped  int64 `json:"dropped"`
}

type eventResponse struct {
	Status     string    `json:"status"`
	Host       string    `json:"host"`
	ServerTime time.Time `json:"server_time"`
}

package host

import "strings"

// EventType names a host lifecycle signal.
type EventType string

const (
	EventInit        EventType = "init"
	EventNew         EventType = "new"
	EventOpen        EventType = "open"
	EventBeforeSave  EventType = "before.save"
	EventSave        EventType = "save"
	EventTaskChanged EventType = "taskChanged"
)

// ParseEventType accepts the canonical names plus a few host spellings.
func ParseEventType(value string) (EventType, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "init":
		return EventInit, true
	case "new":
		return EventNew, true
	case "open":
		return EventOpen, true
	case "before.save", "before_save", "beforesave":
		return EventBeforeSave, true
	case "save":
		return EventSave, true
	case "taskchanged", "task_changed", "task.changed":
		return EventTaskChanged, true
	}
	return "", false
}

// Event is one lifecycle notification from the host.
type Event struct {
	Type EventType
	// File is the scene path for save/open events.
	File string
	// Asset, Task and Workdir describe the new context for taskChanged.
	Asset   string
	Task    string
	Workdir string
}

// Handler reacts to an event. Errors are logged by the adapter.
type Handler func(Event) error

package flasher

import (
	"fmt"
	"sync"
	"time"
)

// Level classifies an event for display.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Event is one timestamped entry in the session log.
type Event struct {
	Time    time.Time
	Level   Level
	Message string
}

func (e Event) String() string {
	return fmt.Sprintf("%s [%s] %s", e.Time.Format("15:04:05.000"), e.Level, e.Message)
}

// EventLog collects the detailed record of a session. It is retained across
// attempts so a failed flash can be diagnosed after a retry.
type EventLog struct {
	mu      sync.Mutex
	now     func() time.Time
	entries []Event
	sink    func(Event)
}

// NewEventLog creates an empty log. sink, if non-nil, is invoked for every
// appended event (the TUI uses this to refresh its log pane).
func NewEventLog(sink func(Event)) *EventLog {
	return &EventLog{now: time.Now, sink: sink}
}

func (l *EventLog) appendf(level Level, format string, args ...any) {
	l.mu.Lock()
	ev := Event{Time: l.now(), Level: level, Message: fmt.Sprintf(format, args...)}
	l.entries = append(l.entries, ev)
	sink := l.sink
	l.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

// Infof appends an informational event.
func (l *EventLog) Infof(format string, args ...any) { l.appendf(LevelInfo, format, args...) }

// Warnf appends a warning event.
func (l *EventLog) Warnf(format string, args ...any) { l.appendf(LevelWarn, format, args...) }

// Errorf appends an error event.
func (l *EventLog) Errorf(format string, args ...any) { l.appendf(LevelError, format, args...) }

// Events returns a copy of all recorded events.
func (l *EventLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.entries))
	copy(out, l.entries)
	return out
}

package framework

import (
	"sort"
	"sync"
	"time"
)

// EventType identifies a framework event.
type EventType int

const (
	EventStarted           EventType = 1
	EventError             EventType = 2
	EventPackagesRefreshed EventType = 4
	EventStartLevelChanged EventType = 8
	EventWarning           EventType = 16
	EventInfo              EventType = 32
	EventStopped           EventType = 64
)

func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "STARTED"
	case EventError:
		return "ERROR"
	case EventPackagesRefreshed:
		return "PACKAGES_REFRESHED"
	case EventStartLevelChanged:
		return "STARTLEVEL_CHANGED"
	case EventWarning:
		return "WARNING"
	case EventInfo:
		return "INFO"
	case EventStopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

// Event is a framework lifecycle event.
type Event struct {
	Type     EventType
	ModuleID int64
	Message  string
	Time     time.Time
}

// Listener receives framework events.
type Listener func(Event)

// LogLevel is the severity of a LogEntry.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is a message logged by the framework or one of its modules.
type LogEntry struct {
	Level    LogLevel
	Message  string
	ModuleID int64
	Err      error
	Time     time.Time
}

// LogListener receives log entries.
type LogListener func(LogEntry)

// Listeners is a helper runtimes embed to fan out events and log entries.
type Listeners struct {
	mu     sync.Mutex
	nextID int
	events map[int]Listener
	logs   map[int]LogListener
}

// AddListener registers fn for framework events.
func (l *Listeners) AddListener(fn Listener) (remove func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.events == nil {
		l.events = make(map[int]Listener)
	}
	id := l.nextID
	l.nextID++
	l.events[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.events, id)
		l.mu.Unlock()
	}
}

// AddLogListener registers fn for log entries.
func (l *Listeners) AddLogListener(fn LogListener) (remove func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logs == nil {
		l.logs = make(map[int]LogListener)
	}
	id := l.nextID
	l.nextID++
	l.logs[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.logs, id)
		l.mu.Unlock()
	}
}

// Fire delivers evt to every event listener in registration order.
func (l *Listeners) Fire(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}
	l.mu.Lock()
	ids := sortedKeys(l.events)
	fns := make([]Listener, len(ids))
	for i, id := range ids {
		fns[i] = l.events[id]
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(evt)
	}
}

// Log delivers entry to every log listener in registration order.
func (l *Listeners) Log(entry LogEntry) {
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}
	l.mu.Lock()
	ids := sortedKeys(l.logs)
	fns := make([]LogListener, len(ids))
	for i, id := range ids {
		fns[i] = l.logs[id]
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(entry)
	}
}

func sortedKeys[V any](m map[int]V) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Package events carries run progress from the automation core to whoever is
// watching it: a terminal, the GUI bridge, or a test.
package events

import (
	"sync"
)

// Tag is the UI category of a log line.
type Tag string

const (
	TagInfo    Tag = "INFO"
	TagSuccess Tag = "SUCCESS"
	TagWarning Tag = "WARNING"
	TagError   Tag = "ERROR"
	// TagDestak highlights stage banners.
	TagDestak Tag = "DESTAK"
)

// TagKey is the structured log field holding a Tag.
const TagKey = "tag"

// ParseTag maps free text onto a known tag, defaulting to TagInfo.
func ParseTag(s string) Tag {
	switch t := Tag(s); t {
	case TagInfo, TagSuccess, TagWarning, TagError, TagDestak:
		return t
	default:
		return TagInfo
	}
}

// Stage identifies a step of the declaration wizard.
type Stage int

const (
	StageBasicData Stage = iota
	StageActivityDetails
	StageMonthlyEntries
	StageAcceptance
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageBasicData:
		return "basic_data"
	case StageActivityDetails:
		return "activity_details"
	case StageMonthlyEntries:
		return "monthly_entries"
	case StageAcceptance:
		return "acceptance"
	case StageDone:
		return "done"
	default:
		return "unknown"
	}
}

// ErrorKind classifies a failure reported through OnError.
type ErrorKind string

const (
	KindCancelled  ErrorKind = "cancelled"
	KindTransient  ErrorKind = "transient"
	KindStructural ErrorKind = "structural"
	KindTimeout    ErrorKind = "timeout"
	KindSession    ErrorKind = "session"
)

// Listener receives run notifications. Calls are synchronous and come from the
// run's worker goroutine, so implementations must not block for long.
type Listener interface {
	OnLog(msg string, tag Tag)
	OnStageDone(stage Stage)
	OnError(kind ErrorKind, detail string)
}

// Hub fans notifications out to every subscribed listener.
type Hub struct {
	mu        sync.RWMutex
	listeners map[int]Listener
	next      int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{listeners: make(map[int]Listener)}
}

// Subscribe registers l and returns a function that removes it.
func (h *Hub) Subscribe(l Listener) (unsubscribe func()) {
	h.mu.Lock()
	id := h.next
	h.next++
	h.listeners[id] = l
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, id)
			h.mu.Unlock()
		})
	}
}

// Len reports the number of subscribed listeners.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

func (h *Hub) snapshot() []Listener {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Listener, 0, len(h.listeners))
	for _, l := range h.listeners {
		out = append(out, l)
	}
	return out
}

func (h *Hub) OnLog(msg string, tag Tag) {
	for _, l := range h.snapshot() {
		l.OnLog(msg, tag)
	}
}

func (h *Hub) OnStageDone(stage Stage) {
	for _, l := range h.snapshot() {
		l.OnStageDone(stage)
	}
}

func (h *Hub) OnError(kind ErrorKind, detail string) {
	for _, l := range h.snapshot() {
		l.OnError(kind, detail)
	}
}

// Funcs adapts plain functions to Listener. Nil fields are ignored.
type Funcs struct {
	Log   func(msg string, tag Tag)
	Stage func(stage Stage)
	Error func(kind ErrorKind, detail string)
}

func (f Funcs) OnLog(msg string, tag Tag) {
	if f.Log != nil {
		f.Log(msg, tag)
	}
}

func (f Funcs) OnStageDone(stage Stage) {
	if f.Stage != nil {
		f.Stage(stage)
	}
}

func (f Funcs) OnError(kind ErrorKind, detail string) {
	if f.Error != nil {
		f.Error(kind, detail)
	}
}

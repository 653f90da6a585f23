package sshconn

import (
	"sync"
	"time"
)

type EventType string

const (
	EventConnecting    EventType = "connecting"
	EventConnected     EventType = "connected"
	EventConnectFailed EventType = "connect_failed"
	EventDisconnected  EventType = "disconnected"
	EventRateLimited   EventType = "rate_limited"
)

// ConnectionEvent is one entry in a host's connection history.
type ConnectionEvent struct {
	Host      string    `json:"host"`
	Type      EventType `json:"type"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// maxEventsPerHost limits the number of stored events per host.
const maxEventsPerHost = 100

// EventLog keeps the most recent events per host key.
type EventLog struct {
	mu     sync.RWMutex
	events map[string][]ConnectionEvent
	nowFn  func() time.Time
}

func NewEventLog() *EventLog {
	return &EventLog{
		events: make(map[string][]ConnectionEvent),
		nowFn:  time.Now,
	}
}

func (l *EventLog) Record(key string, eventType EventType, details string) {
	event := ConnectionEvent{
		Host:      key,
		Type:      eventType,
		Details:   details,
		Timestamp: l.nowFn(),
	}

	l.mu.Lock()
	events := append(l.events[key], event)
	if len(events) > maxEventsPerHost {
		events = events[len(events)-maxEventsPerHost:]
	}
	l.events[key] = events
	l.mu.Unlock()
}

// Recent returns up to n of the newest events for key, oldest first. n <= 0
// returns all of them.
func (l *EventLog) Recent(key string, n int) []ConnectionEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	events := l.events[key]
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	result := make([]ConnectionEvent, len(events))
	copy(result, events)
	return result
}

func (l *EventLog) Clear(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.events, key)
}

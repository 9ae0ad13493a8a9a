// Package calendartest provides an in-memory calendar.Client for tests.
package calendartest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"example.com/buskercal/internal/calendar"
)

// Memory stores events in a map. Failure hooks let tests inject errors per
// call; a hook returning nil lets the call through.
type Memory struct {
	mu      sync.Mutex
	events  map[string]calendar.LiveEvent
	nextID  int
	creates int
	updates int
	deletes []string

	FailCreate func(spec calendar.EventSpec, attempt int) error
	FailList   func() error
	attempts   map[string]int
}

var _ calendar.Client = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		events:   make(map[string]calendar.LiveEvent),
		attempts: make(map[string]int),
	}
}

func (m *Memory) CreateEvent(_ context.Context, spec calendar.EventSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[spec.Title]++
	if m.FailCreate != nil {
		if err := m.FailCreate(spec, m.attempts[spec.Title]); err != nil {
			return "", err
		}
	}
	m.nextID++
	m.creates++
	id := fmt.Sprintf("evt-%d", m.nextID)
	m.events[id] = calendar.LiveEvent{
		ID:          id,
		Date:        spec.Date,
		StartTime:   spec.StartTime,
		EndTime:     spec.EndTime,
		Summary:     spec.Title,
		Location:    spec.Location,
		Fingerprint: spec.Fingerprint,
	}
	return id, nil
}

func (m *Memory) ListEvents(_ context.Context, from, to string) ([]calendar.LiveEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailList != nil {
		if err := m.FailList(); err != nil {
			return nil, err
		}
	}
	var out []calendar.LiveEvent
	for _, ev := range m.events {
		if ev.Date >= from && ev.Date <= to {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) UpdateEvent(_ context.Context, id string, spec calendar.EventSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return &calendar.APIError{Kind: calendar.KindPermanent, Op: "update", Status: 404, Err: fmt.Errorf("event %s not found", id)}
	}
	ev.Date = spec.Date
	ev.StartTime = spec.StartTime
	ev.EndTime = spec.EndTime
	ev.Summary = spec.Title
	ev.Location = spec.Location
	m.events[id] = ev
	m.updates++
	return nil
}

func (m *Memory) DeleteEvent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, id)
	m.deletes = append(m.deletes, id)
	return nil
}

// Seed inserts an event as if it had been created out of band.
func (m *Memory) Seed(ev calendar.LiveEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.ID] = ev
}

// Remove drops an event as if someone deleted it in the calendar UI.
func (m *Memory) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, id)
}

// Creates counts successful CreateEvent calls.
func (m *Memory) Creates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}

// Updates counts successful UpdateEvent calls.
func (m *Memory) Updates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates
}

// Get returns the event as the calendar currently shows it.
func (m *Memory) Get(id string) (calendar.LiveEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	return ev, ok
}

// Edit applies fn to a stored event as if someone changed it by hand.
func (m *Memory) Edit(id string, fn func(*calendar.LiveEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev, ok := m.events[id]; ok {
		fn(&ev)
		m.events[id] = ev
	}
}

func (m *Memory) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deletes...)
}

func (m *Memory) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.events[id]
	return ok
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// Package calendar is the boundary to the external calendar service.
package calendar

import (
	"context"
	"fmt"

	"example.com/buskercal/internal/domain"
)

// FingerprintProperty is the private extended property that ties a calendar
// event back to the slot it was published from.
const FingerprintProperty = "buskercal_fingerprint"

// EventSpec is everything needed to create one calendar event.
type EventSpec struct {
	Fingerprint domain.Fingerprint
	Date        string
	StartTime   string
	EndTime     string
	Location    string
	Title       string
	Description string
}

// SpecFor builds the event body for a validated slot.
func SpecFor(fp domain.Fingerprint, r domain.RawRecord, titleSuffix string) EventSpec {
	name := r.PerformerName
	if name == "" {
		name = "Unknown Busker"
	}
	return EventSpec{
		Fingerprint: fp,
		Date:        r.Date,
		StartTime:   r.StartTime,
		EndTime:     r.EndTime,
		Location:    r.Location,
		Title:       r.Title(titleSuffix),
		Description: "Busker performance by " + name,
	}
}

// Drifted reports whether ev no longer shows what s would publish. Only the
// fields people edit by hand in the calendar UI are compared.
func (s EventSpec) Drifted(ev LiveEvent) bool {
	return ev.Summary != s.Title || ev.Location != s.Location
}

// LiveEvent is an event as currently listed by the calendar. Fingerprint is
// empty for events this service did not create.
type LiveEvent struct {
	ID          string
	Date        string
	StartTime   string
	EndTime     string
	Summary     string
	Location    string
	Fingerprint domain.Fingerprint
}

// Client creates, lists, updates and deletes events. Dates are inclusive and use
// domain.DateLayout in the calendar's time zone.
type Client interface {
	CreateEvent(ctx context.Context, spec EventSpec) (string, error)
	ListEvents(ctx context.Context, from, to string) ([]LiveEvent, error)
	UpdateEvent(ctx context.Context, id string, spec EventSpec) error
	DeleteEvent(ctx context.Context, id string) error
}

type ErrorKind int

const (
	KindPermanent ErrorKind = iota
	KindTransient
	KindRateLimited
	KindUnauthorized
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "permanent"
	}
}

// APIError is a classified calendar failure.
type APIError struct {
	Kind   ErrorKind
	Op     string
	Status int
	Err    error
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("calendar %s: %s (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("calendar %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// Retryable reports whether backing off and trying again can succeed.
func (e *APIError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

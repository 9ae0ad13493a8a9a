package domain

import "time"

// EventRecord is the durable record of a slot that has been published to the
// external calendar. The store owns it; only ExternalEventID and Stale change
// after creation.
type EventRecord struct {
	Fingerprint     Fingerprint `json:"fingerprint"`
	Date            string      `json:"date"`
	StartTime       string      `json:"start_time"`
	EndTime         string      `json:"end_time"`
	Location        string      `json:"location"`
	PerformerName   string      `json:"performer_name"`
	ExternalEventID string      `json:"external_event_id"`
	CreatedAt       time.Time   `json:"created_at"`
	ExpiresAt       time.Time   `json:"expires_at"`
	Stale           bool        `json:"stale,omitempty"`
}

// NewEventRecord builds the record stored after a successful publish.
func NewEventRecord(fp Fingerprint, r RawRecord, externalID string, now time.Time, ttl time.Duration) EventRecord {
	return EventRecord{
		Fingerprint:     fp,
		Date:            r.Date,
		StartTime:       r.StartTime,
		EndTime:         r.EndTime,
		Location:        r.Location,
		PerformerName:   r.PerformerName,
		ExternalEventID: externalID,
		CreatedAt:       now.UTC(),
		ExpiresAt:       now.Add(ttl).UTC(),
	}
}

// Raw returns the schedule slot the record was built from.
func (e EventRecord) Raw() RawRecord {
	return RawRecord{
		Date:          e.Date,
		StartTime:     e.StartTime,
		EndTime:       e.EndTime,
		Location:      e.Location,
		PerformerName: e.PerformerName,
	}
}

// RemainingTTL is the time left before the record expires, never negative.
func (e EventRecord) RemainingTTL(now time.Time) time.Duration {
	if d := e.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

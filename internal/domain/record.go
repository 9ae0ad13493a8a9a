package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DateLayout is the wire and storage format for event dates.
	DateLayout = "2006-01-02"
	// TimeLayout is the wire and storage format for start/end times.
	TimeLayout = "15:04"
)

// RawRecord is one schedule slot as returned by the extractor. It carries no
// identity of its own; see Fingerprint.
type RawRecord struct {
	Date          string `json:"date"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	Location      string `json:"location"`
	PerformerName string `json:"performer_name"`
}

// ValidationError reports a record that does not match the fixed schema.
// It is never worth retrying.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid record field %s=%q: %s", e.Field, e.Value, e.Reason)
}

// Retryable marks validation failures as permanent for the retry engine.
func (e *ValidationError) Retryable() bool { return false }

// Validate checks the record against the schema and returns a normalized copy
// with zero-padded times and trimmed text fields.
func (r RawRecord) Validate() (RawRecord, error) {
	out := RawRecord{
		Date:          strings.TrimSpace(r.Date),
		Location:      collapseSpace(r.Location),
		PerformerName: collapseSpace(r.PerformerName),
	}
	if _, err := time.Parse(DateLayout, out.Date); err != nil {
		return RawRecord{}, &ValidationError{Field: "date", Value: r.Date, Reason: "want YYYY-MM-DD"}
	}
	start, err := parseClock(r.StartTime)
	if err != nil {
		return RawRecord{}, &ValidationError{Field: "start_time", Value: r.StartTime, Reason: err.Error()}
	}
	end, err := parseClock(r.EndTime)
	if err != nil {
		return RawRecord{}, &ValidationError{Field: "end_time", Value: r.EndTime, Reason: err.Error()}
	}
	if !end.After(start) {
		return RawRecord{}, &ValidationError{Field: "end_time", Value: r.EndTime, Reason: "must be after start_time"}
	}
	if out.Location == "" {
		return RawRecord{}, &ValidationError{Field: "location", Value: r.Location, Reason: "required"}
	}
	out.StartTime = start.Format(TimeLayout)
	out.EndTime = end.Format(TimeLayout)
	return out, nil
}

// Day parses the record date. Only meaningful on validated records.
func (r RawRecord) Day() (time.Time, error) {
	return time.Parse(DateLayout, r.Date)
}

// Title is the calendar summary for the slot.
func (r RawRecord) Title(suffix string) string {
	name := r.PerformerName
	if name == "" {
		name = "Unknown Busker"
	}
	if suffix == "" {
		return name
	}
	return name + " - " + suffix
}

func parseClock(value string) (time.Time, error) {
	ts, err := time.Parse(TimeLayout, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, errors.New("want HH:MM")
	}
	return ts, nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

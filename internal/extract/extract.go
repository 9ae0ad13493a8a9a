// Package extract is the boundary to the schedule source. It only fetches and
// shape-checks records; turning a page into records is the source's job.
package extract

import (
	"context"
	"fmt"

	"example.com/buskercal/internal/domain"
)

// Extractor returns the current schedule.
type Extractor interface {
	FetchSchedule(ctx context.Context) ([]domain.RawRecord, error)
}

type Kind int

const (
	KindPermanent Kind = iota
	KindTransient
)

func (k Kind) String() string {
	if k == KindTransient {
		return "transient"
	}
	return "permanent"
}

// Error is a classified extraction failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("extract (%s): %v", e.Kind, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Retryable() bool { return e.Kind == KindTransient }

// Rejected is a record that failed boundary validation.
type Rejected struct {
	Index  int
	Record domain.RawRecord
	Err    error
}

// Validate splits a batch into normalized valid records, in input order, and
// rejects.
func Validate(records []domain.RawRecord) ([]domain.RawRecord, []Rejected) {
	valid := make([]domain.RawRecord, 0, len(records))
	var rejected []Rejected
	for i, r := range records {
		clean, err := r.Validate()
		if err != nil {
			rejected = append(rejected, Rejected{Index: i, Record: r, Err: err})
			continue
		}
		valid = append(valid, clean)
	}
	return valid, rejected
}

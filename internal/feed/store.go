// Package feed is a self-contained mock of the busker schedule feed: an admin
// API to seed slots and an access-key guarded schedule endpoint that the
// extractor reads.
package feed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"example.com/buskercal/internal/domain"
)

// Slot is one stored schedule entry.
type Slot struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	domain.RawRecord
}

// Store keeps slots in SQLite.
type Store struct {
	db  *sql.DB
	rnd *rand.Rand
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	seed := uint64(time.Now().UnixNano())
	return &Store{
		db:  db,
		rnd: rand.New(rand.NewPCG(seed, seed>>1)),
		now: time.Now,
	}
}

// Init applies the feed schema.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS slots (
			id TEXT PRIMARY KEY,
			date TEXT NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT NOT NULL,
			location TEXT NOT NULL,
			performer_name TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_slots_date ON slots(date, start_time);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply feed schema: %w", err)
		}
	}
	return nil
}

// CreateSlot validates and stores rec.
func (s *Store) CreateSlot(ctx context.Context, rec domain.RawRecord) (Slot, error) {
	clean, err := rec.Validate()
	if err != nil {
		return Slot{}, err
	}
	slot := Slot{ID: uuid.NewString(), CreatedAt: s.now().UTC(), RawRecord: clean}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO slots(id, date, start_time, end_time, location, performer_name, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		slot.ID, slot.Date, slot.StartTime, slot.EndTime, slot.Location, slot.PerformerName, slot.CreatedAt,
	); err != nil {
		return Slot{}, fmt.Errorf("insert slot: %w", err)
	}
	return slot, nil
}

var (
	performers = []string{"Nadia Rahman", "The Lorong Strings", "Kai Tan", "Mei Ling", "Harbour Drums", "Joel Seah", "Arjun Pillai", "Velvet Sax"}
	locations  = []string{"Esplanade Waterfront", "Bugis Junction", "Orchard ION Forecourt", "Clarke Quay", "Chinatown Point", "Marina Bay Sands Promenade"}
)

// CreateRandomSlot seeds an evening slot within the next two weeks.
func (s *Store) CreateRandomSlot(ctx context.Context) (Slot, error) {
	day := s.now().AddDate(0, 0, s.rnd.IntN(14))
	start := 17 + s.rnd.IntN(4)
	length := 1 + s.rnd.IntN(2)
	return s.CreateSlot(ctx, domain.RawRecord{
		Date:          day.Format(domain.DateLayout),
		StartTime:     fmt.Sprintf("%02d:00", start),
		EndTime:       fmt.Sprintf("%02d:30", start+length-1),
		Location:      locations[s.rnd.IntN(len(locations))],
		PerformerName: performers[s.rnd.IntN(len(performers))],
	})
}

// DeleteSlot removes a slot. It returns sql.ErrNoRows for unknown IDs.
func (s *Store) DeleteSlot(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM slots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete slot: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListSlots returns slots with from <= date <= to, ordered by date and start
// time. Empty bounds are open.
func (s *Store) ListSlots(ctx context.Context, from, to string) ([]Slot, error) {
	query := `SELECT id, date, start_time, end_time, location, performer_name, created_at FROM slots WHERE 1=1`
	var args []any
	if from != "" {
		query += ` AND date >= ?`
		args = append(args, from)
	}
	if to != "" {
		query += ` AND date <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY date, start_time, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()
	var slots []Slot
	for rows.Next() {
		var sl Slot
		if err := rows.Scan(&sl.ID, &sl.Date, &sl.StartTime, &sl.EndTime, &sl.Location, &sl.PerformerName, &sl.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		slots = append(slots, sl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate slots: %w", err)
	}
	return slots, nil
}

// IsValidation reports whether err came from record validation.
func IsValidation(err error) bool {
	var verr *domain.ValidationError
	return errors.As(err, &verr)
}

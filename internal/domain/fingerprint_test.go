package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() RawRecord {
	return RawRecord{
		Date:          "2025-03-01",
		StartTime:     "19:00",
		EndTime:       "21:00",
		Location:      "Bugis Junction",
		PerformerName: "Jane Doe",
	}
}

func TestFingerprintOf_KnownDigest(t *testing.T) {
	// Pinned value: a change here means every stored record gets republished.
	assert.Equal(t,
		Fingerprint("9605fde333b59af1956f03807a40844aba4c080cafda02b30ea20d6fa5e9952b"),
		FingerprintOf(sampleRecord()))
}

func TestFingerprintOf_Deterministic(t *testing.T) {
	r := sampleRecord()
	first := FingerprintOf(r)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, FingerprintOf(r))
	}
}

func TestFingerprintOf_NormalizesCosmeticDifferences(t *testing.T) {
	messy := RawRecord{
		Date:          " 2025-03-01 ",
		StartTime:     "19:00",
		EndTime:       "21:00 ",
		Location:      "  bugis   JUNCTION",
		PerformerName: "JANE\tDoe ",
	}
	assert.Equal(t, FingerprintOf(sampleRecord()), FingerprintOf(messy))
}

func TestFingerprintOf_PadsSingleDigitHours(t *testing.T) {
	a := sampleRecord()
	a.StartTime, a.EndTime = "09:00", "10:30"
	b := sampleRecord()
	b.StartTime, b.EndTime = "9:00", "10:30"
	assert.Equal(t, FingerprintOf(a), FingerprintOf(b))
}

func TestFingerprintOf_EveryFieldMatters(t *testing.T) {
	base := FingerprintOf(sampleRecord())
	mutations := map[string]func(*RawRecord){
		"date":      func(r *RawRecord) { r.Date = "2025-03-02" },
		"start":     func(r *RawRecord) { r.StartTime = "19:30" },
		"end":       func(r *RawRecord) { r.EndTime = "21:30" },
		"location":  func(r *RawRecord) { r.Location = "Orchard Road" },
		"performer": func(r *RawRecord) { r.PerformerName = "John Roe" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			r := sampleRecord()
			mutate(&r)
			assert.NotEqual(t, base, FingerprintOf(r))
		})
	}
}

func TestFingerprintOf_FieldBoundariesAreUnambiguous(t *testing.T) {
	a := sampleRecord()
	a.Location, a.PerformerName = "Bugis", "Junction Jane"
	b := sampleRecord()
	b.Location, b.PerformerName = "Bugis Junction", "Jane"
	assert.NotEqual(t, FingerprintOf(a), FingerprintOf(b))
}

func TestValidate(t *testing.T) {
	got, err := RawRecord{
		Date:          "2025-03-01",
		StartTime:     "9:05",
		EndTime:       "11:00",
		Location:      "  Esplanade  Park ",
		PerformerName: "The  Strummers",
	}.Validate()
	require.NoError(t, err)
	assert.Equal(t, "09:05", got.StartTime)
	assert.Equal(t, "Esplanade Park", got.Location)
	assert.Equal(t, "The Strummers", got.PerformerName)
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]struct {
		mutate func(*RawRecord)
		field  string
	}{
		"bad date":       {func(r *RawRecord) { r.Date = "01/03/2025" }, "date"},
		"bad start":      {func(r *RawRecord) { r.StartTime = "7pm" }, "start_time"},
		"bad end":        {func(r *RawRecord) { r.EndTime = "" }, "end_time"},
		"end <= start":   {func(r *RawRecord) { r.EndTime = "18:00" }, "end_time"},
		"empty location": {func(r *RawRecord) { r.Location = "   " }, "location"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r := sampleRecord()
			tc.mutate(&r)
			_, err := r.Validate()
			var vErr *ValidationError
			require.True(t, errors.As(err, &vErr))
			assert.Equal(t, tc.field, vErr.Field)
			assert.False(t, vErr.Retryable())
		})
	}
}

func TestTitle(t *testing.T) {
	r := sampleRecord()
	assert.Equal(t, "Jane Doe - Busking Performance", r.Title("Busking Performance"))
	r.PerformerName = ""
	assert.Equal(t, "Unknown Busker", r.Title(""))
}

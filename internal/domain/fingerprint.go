package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// fingerprintVersion is mixed into every digest so a future change to the
// normalization rules produces a disjoint key space instead of collisions.
const fingerprintVersion = "v1"

// Fingerprint is the deduplication key of a schedule slot: a hex SHA-256 over
// the normalized (date, start, end, location, performer) tuple.
type Fingerprint string

func (f Fingerprint) String() string { return string(f) }

// Short returns a prefix suitable for log lines.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}

// FingerprintOf computes the fingerprint of r. It depends only on the tuple
// values, so it is stable across processes and deployments.
func FingerprintOf(r RawRecord) Fingerprint {
	fields := []string{
		fingerprintVersion,
		normalizeText(r.Date, false),
		normalizeTime(r.StartTime),
		normalizeTime(r.EndTime),
		normalizeText(r.Location, true),
		normalizeText(r.PerformerName, true),
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "\x1f")))
	return Fingerprint(hex.EncodeToString(sum[:]))
}

func normalizeText(s string, fold bool) string {
	s = collapseSpace(norm.NFC.String(s))
	if fold {
		s = strings.ToLower(s)
	}
	return s
}

func normalizeTime(s string) string {
	if ts, err := parseClock(s); err == nil {
		return ts.Format(TimeLayout)
	}
	return normalizeText(s, false)
}

package hipaa

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"time"
)

// checksumSeparator joins the hashed fields.
const checksumSeparator = "|"

// newHash is swapped in tests to exercise the hash-failure path.
var newHash func() hash.Hash = sha256.New

// ComputeChecksum returns the lowercase hex SHA-256 digest of
//
//	patientId | userId | eventType | timestamp | action | previous
//
// where previous is the checksum of the event appended immediately before
// this one ("" for the first event of the chain). Timestamps are hashed in
// UTC RFC 3339 with nanoseconds so the value survives a JSON round trip.
func ComputeChecksum(e *AuditEvent, previous string) (string, error) {
	h := newHash()
	if h == nil {
		return "", fmt.Errorf("%w: hash unavailable", ErrChecksumComputation)
	}

	fields := []string{
		e.PatientID,
		e.UserID,
		string(e.Type),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Action,
		previous,
	}
	for i, f := range fields {
		if i > 0 {
			if _, err := h.Write([]byte(checksumSeparator)); err != nil {
				return "", fmt.Errorf("%w: %v", ErrChecksumComputation, err)
			}
		}
		if _, err := h.Write([]byte(f)); err != nil {
			return "", fmt.Errorf("%w: %v", ErrChecksumComputation, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChainCheckpoint records, at retention time, the checksum of the purged
// event that immediately preceded a retained one. Verification starts the
// retained tail of the chain from this digest.
type ChainCheckpoint struct {
	Sequence         uint64    `json:"sequence"`
	PreviousChecksum string    `json:"previous_checksum"`
	CreatedAt        time.Time `json:"created_at"`
}

func checkpointKey(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

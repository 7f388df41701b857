package storage

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IDLength is the length of a blob id in hex characters.
const IDLength = 24

// NewID returns a 24-character hex id: four bytes of big-endian Unix seconds
// followed by eight random bytes. Ids sort roughly by creation time.
func NewID(now time.Time) string {
	var b [12]byte
	binary.BigEndian.PutUint32(b[:4], uint32(now.Unix()))
	r := uuid.New()
	copy(b[4:], r[:8])
	return hex.EncodeToString(b[:])
}

// ValidID reports whether s has the shape of a blob id. Upper-case hex is
// accepted.
func ValidID(s string) bool {
	if len(s) != IDLength {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// NormalizeID lower-cases a valid id for lookup.
func NormalizeID(s string) string {
	return strings.ToLower(s)
}

// idTime extracts the creation second encoded in a valid id.
func idTime(id string) (time.Time, bool) {
	b, err := hex.DecodeString(id)
	if err != nil || len(b) != IDLength/2 {
		return time.Time{}, false
	}
	return time.Unix(int64(binary.BigEndian.Uint32(b[:4])), 0).UTC(), true
}

// Package clock abstracts wall-clock time and ID generation so engine
// and scheduler logic can be driven deterministically in tests.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock returns the current time. RealClock is used in production;
// tests substitute a StubClock.
type Clock interface {
	Now() time.Time
}

// RealClock reports actual wall-clock time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// IDGenerator produces unique identifiers for rows that need one beyond
// the timestamp-formatted backup_id.
type IDGenerator interface {
	New() string
}

// UUIDGenerator generates RFC 4122 UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.NewString() }

package sp

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts the wall clock so timers and timeouts are testable.
type Clock interface {
	Now() time.Time
}

// RealClock reads time.Now.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// IDGenerator hands out unique identifiers for sessions and connections.
type IDGenerator interface {
	New() string
}

// UUIDGenerator produces random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.New().String() }

package link

import (
	"time"

	"github.com/google/uuid"
)

// NewCorrelationID returns a new UUID v4, used for CBS messageId, the twin
// channel-correlation-id, and internal-op correlation ids.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Clock abstracts wall-clock time so timeout sweeps (CbsAgent's 120s
// put-token deadline, TwinSession's backoff waits) are deterministically
// testable without real sleeps.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules f to run after d and returns a handle that can
	// cancel the pending call. Mirrors time.AfterFunc's contract.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the subset of *time.Timer this package depends on.
type Timer interface {
	Stop() bool
}

type realClock struct{}

// RealClock is the production Clock backed by the time package.
var RealClock Clock = realClock{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

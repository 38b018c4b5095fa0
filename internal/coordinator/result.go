package coordinator

import (
	"fmt"

	"github.com/marcusmccarty/branch-deploy/internal/lockkey"
	"github.com/marcusmccarty/branch-deploy/internal/model"
)

// Outcome is the decision Acquire reached.
type Outcome int

const (
	// Claimed means a new lock record was written for the caller.
	Claimed Outcome = iota + 1
	// Denied means another actor holds the lock.
	Denied
	// Owner means the caller already holds the lock; nothing was written.
	Owner
	// NoActiveLock answers a details-only query when no lock is held.
	NoActiveLock
	// Found answers a details-only query with the current lock.
	Found
)

var outcomeNames = map[Outcome]string{
	Claimed:      "claimed",
	Denied:       "denied",
	Owner:        "owner",
	NoActiveLock: "no_active_lock",
	Found:        "found",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	name, ok := outcomeNames[o]
	if !ok {
		return nil, fmt.Errorf("unknown outcome %d", int(o))
	}
	return []byte(name), nil
}

// Result is what Acquire returns for every non-fatal outcome.
type Result struct {
	Outcome Outcome

	// Scope and Key identify the lock that decided the outcome. A request
	// for an environment blocked or answered by the global lock reports the
	// global scope.
	Scope lockkey.Scope
	Key   lockkey.Key

	// Record is the new record for Claimed, and the current one for Denied,
	// Owner and Found. It is nil for NoActiveLock.
	Record *model.LockRecord

	// Bypass is set on Denied: the remaining deployment steps must be
	// skipped.
	Bypass bool

	// Message is a human readable status. On Denied it is the full denial
	// comment.
	Message string
}

package types

import (
	"time"

	"github.com/google/uuid"
)

// lock is an advisory mutex on an opaque string id
// a lock only exists while it is held, releasing it drops the record
// owner is the session handle of the connection holding it
type Lock struct {
	ID         string    //lock identifier, any string including ""
	Owner      uuid.UUID //owning session
	AcquiredAt time.Time //informational only, reported by admin listings
}

// point-in-time lock table stats
type Stats struct {
	Locks  int //currently held locks
	Owners int //sessions holding at least one lock
}

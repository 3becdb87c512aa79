// Package timer provides the single-shot timer services that drive the
// accessory server. All callbacks of one service run on one logical
// thread: Manual fires them from Advance, Loop from Run.
package timer

import (
	"errors"
	"time"
)

// A Handle identifies a registered timer. The zero Handle is never
// returned by Register and means "no timer".
type Handle uint64

// ErrOutOfResources is returned by Register when no timer slot is left.
var ErrOutOfResources = errors.New("timer: out of resources")

// Service registers single-shot timers. Deregistering a timer that has
// already fired is a no-op; callers must tolerate a callback for a timer
// that they have superseded in the meantime.
type Service interface {
	Now() time.Time
	Register(deadline time.Time, fn func()) (Handle, error)
	Deregister(h Handle)
}

package hapble

import (
	"errors"

	"github.com/XC-/hapble/timer"
)

// Errors returned by the accessory server and its collaborators.
// Callers match them with errors.Is; wrapped variants carry detail.
var (
	// ErrUnknown reports a persistence or other unexpected failure.
	ErrUnknown = errors.New("hapble: unknown error")

	// ErrInvalidState reports a protocol or session state violation.
	ErrInvalidState = errors.New("hapble: invalid state")

	// ErrInvalidData reports malformed data received from a controller.
	ErrInvalidData = errors.New("hapble: invalid data")

	// ErrOutOfResources reports buffer, queue or timer exhaustion.
	ErrOutOfResources = errors.New("hapble: out of resources")

	// ErrBusy reports a transient platform condition; retry later.
	ErrBusy = errors.New("hapble: busy")

	// ErrNotAuthorized is returned by write handlers that reject the
	// authorization data of a request.
	ErrNotAuthorized = errors.New("hapble: not authorized")
)

// timerErr maps timer service errors onto the package taxonomy.
func timerErr(err error) error {
	if errors.Is(err, timer.ErrOutOfResources) {
		return ErrOutOfResources
	}
	return err
}

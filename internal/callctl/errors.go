package callctl

import (
	"errors"
	"fmt"
)

// ErrNotFound marks provider 404s: the call is already gone on the provider
// side. Teardown paths treat this as success.
var ErrNotFound = errors.New("call not found")

// ErrAlreadyEnded marks attempts to modify a call the provider considers
// finished. Like ErrNotFound it is benign during teardown.
var ErrAlreadyEnded = errors.New("call already ended")

// PreconditionError reports a creation response missing a field the rest of
// the call flow depends on. It is fatal to the triggering operation.
type PreconditionError struct {
	Field string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("provider response missing %s", e.Field)
}

// IsBenign reports whether an error from a teardown step can be treated as
// success: the resource was already cleaned up, usually by the provider's
// own media-loss detection racing ours.
func IsBenign(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyEnded)
}

package investigation

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when no investigation matches.
var ErrNotFound = errors.New("investigation not found")

// IllegalTransitionError reports an attempt to move along an edge that is not
// in the lifecycle graph.
type IllegalTransitionError struct {
	From State
	To   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition from %q to %q", e.From, e.To)
}

// IsIllegalTransition reports whether err wraps an IllegalTransitionError.
func IsIllegalTransition(err error) bool {
	var ite *IllegalTransitionError
	return errors.As(err, &ite)
}

package assessment

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the engine. Use errors.Is to classify them.
var (
	ErrValidation        = errors.New("validation failed")
	ErrItemLocked        = errors.New("item is locked")
	ErrQuotaExceeded     = errors.New("test run quota exceeded")
	ErrSessionTerminated = errors.New("session terminated")
	ErrTimeout           = errors.New("evaluation timed out")
	ErrInvalidConfig     = errors.New("invalid session configuration")
	ErrUnknownItem       = errors.New("unknown item")
)

// Error carries the item an engine error refers to alongside its kind.
type Error struct {
	Kind error
	Item ItemID
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("item %d: %s", e.Item, e.Kind)
	}
	return fmt.Sprintf("item %d: %s: %s", e.Item, e.Kind, e.Msg)
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

// Unwrap exposes the sentinel kind.
func (e *Error) Unwrap() error {
	return e.Kind
}

func itemError(kind error, id ItemID, format string, args ...any) error {
	return &Error{Kind: kind, Item: id, Msg: fmt.Sprintf(format, args...)}
}

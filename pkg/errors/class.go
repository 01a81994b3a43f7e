package errors

import (
	"context"
	"encoding/json"
	"errors"
)

// Class is the outcome category a consumer failure falls into.
type Class int

const (
	// ClassTransient failures leave the message on its queue for redelivery.
	ClassTransient Class = iota
	// ClassPermanent failures are poison: the message is acknowledged and discarded.
	ClassPermanent
	// ClassSkip is a no-op success, the message is acknowledged without side effects.
	ClassSkip
)

func (c Class) String() string {
	switch c {
	case ClassPermanent:
		return "permanent"
	case ClassSkip:
		return "skip"
	default:
		return "transient"
	}
}

// Classify maps an error to a Class. Unknown errors are transient; the
// redelivery bound keeps them from cycling forever.
func Classify(err error) Class {
	if IsReferentMissing(err) {
		return ClassSkip
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return ClassPermanent
	}

	var appErr *Error
	if errors.As(err, &appErr) {
		if appErr.IsFatal() {
			return ClassPermanent
		}
		return ClassTransient
	}

	var fatalErr FatalError
	if errors.As(err, &fatalErr) && fatalErr.IsFatal() {
		return ClassPermanent
	}

	return ClassTransient
}

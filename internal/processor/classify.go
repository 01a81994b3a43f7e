package processor

import (
	"errors"
	"strings"

	"github.com/lib/pq"

	apperrors "mingle/pkg/errors"
)

// Classify decides what happens to a message whose handler returned err.
// Database errors are classified by SQLSTATE: data exceptions (22),
// integrity violations (23) and syntax or access errors (42) fail the same
// way on every attempt, everything else is worth retrying.
func Classify(err error) apperrors.Class {
	if err == nil {
		return apperrors.ClassTransient
	}

	// The gateway gave up reconnecting; the message itself is fine.
	if errors.Is(err, apperrors.ErrServiceUnavailable) {
		return apperrors.ClassTransient
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && !apperrors.IsReferentMissing(err) {
		return classifySQLState(string(pqErr.Code))
	}

	return apperrors.Classify(err)
}

func classifySQLState(code string) apperrors.Class {
	switch {
	case strings.HasPrefix(code, "22"), strings.HasPrefix(code, "23"), strings.HasPrefix(code, "42"):
		return apperrors.ClassPermanent
	default:
		// 08 connection, 40001/40P01 serialization and deadlock, 55P03 lock
		// not available, 57 operator intervention.
		return apperrors.ClassTransient
	}
}

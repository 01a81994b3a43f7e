package models

import (
	"fmt"
	"regexp"
)

var queueNamePattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)*$`)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// IsFatal marks validation failures as poison for the retry and processor layers.
func (e *ValidationError) IsFatal() bool {
	return true
}

func ValidateQueueName(queue string) error {
	if queue == "" {
		return &ValidationError{Field: "queue", Message: "queue name is required"}
	}
	if !queueNamePattern.MatchString(queue) {
		return &ValidationError{
			Field:   "queue",
			Message: fmt.Sprintf("invalid queue name %q: expected dot-separated lower-case segments", queue),
		}
	}
	return nil
}

// ValidateMessage checks that a message can be enqueued. Property values must
// be scalars so they stay selectable.
func ValidateMessage(msg Message) error {
	if msg.Body == nil {
		return &ValidationError{Field: "body", Message: "message body cannot be nil"}
	}

	for name, value := range msg.Properties {
		if name == "" {
			return &ValidationError{Field: "properties", Message: "property name cannot be empty"}
		}
		switch value.(type) {
		case string, bool, int, int32, int64, uint, uint32, uint64, float32, float64, nil:
		default:
			return &ValidationError{
				Field:   "properties." + name,
				Message: fmt.Sprintf("unsupported property type %T", value),
			}
		}
	}

	return nil
}

package models

import (
	"time"

	"github.com/spf13/cast"
)

const (
	PropertyMessageGroupID         = "message_group_id"
	PropertyOriginalMessageGroupID = "original_message_group_id"
	PropertyType                   = "type"
	PropertyDeadLetterReason       = "dlq_reason"
	PropertyDeadLetterSourceQueue  = "dlq_source_queue"
)

// Message is the unit of work carried on a queue. Body and Properties are
// treated as immutable once sent; use Clone before changing a copy.
type Message struct {
	ID            string                 `json:"id"`
	Queue         string                 `json:"queue"`
	Body          map[string]interface{} `json:"body"`
	Properties    map[string]interface{} `json:"properties,omitempty"`
	DeliveryCount int                    `json:"delivery_count"`
	Timestamp     time.Time              `json:"timestamp"`

	// LeaseID identifies the current delivery. Empty for browsed messages.
	LeaseID string `json:"-"`
}

func (m Message) BodyField(name string) (interface{}, bool) {
	if m.Body == nil {
		return nil, false
	}
	value, ok := m.Body[name]
	return value, ok
}

func (m Message) Int64Body(name string) (int64, error) {
	value, ok := m.BodyField(name)
	if !ok || value == nil {
		return 0, &ValidationError{Field: "body." + name, Message: "field is required"}
	}
	n, err := cast.ToInt64E(value)
	if err != nil {
		return 0, &ValidationError{Field: "body." + name, Message: err.Error()}
	}
	return n, nil
}

func (m Message) StringBody(name string) string {
	value, ok := m.BodyField(name)
	if !ok || value == nil {
		return ""
	}
	return cast.ToString(value)
}

// Int64SliceBody reads a list of ids. A scalar is accepted as a one-element list.
func (m Message) Int64SliceBody(name string) ([]int64, error) {
	value, ok := m.BodyField(name)
	if !ok || value == nil {
		return nil, &ValidationError{Field: "body." + name, Message: "field is required"}
	}

	var items []interface{}
	switch v := value.(type) {
	case []interface{}:
		items = v
	case []int64:
		return append([]int64(nil), v...), nil
	case []int:
		out := make([]int64, len(v))
		for i, n := range v {
			out[i] = int64(n)
		}
		return out, nil
	default:
		items = []interface{}{v}
	}

	out := make([]int64, 0, len(items))
	for _, item := range items {
		n, err := cast.ToInt64E(item)
		if err != nil {
			return nil, &ValidationError{Field: "body." + name, Message: err.Error()}
		}
		out = append(out, n)
	}
	return out, nil
}

func (m Message) Property(name string) (interface{}, bool) {
	if m.Properties == nil {
		return nil, false
	}
	value, ok := m.Properties[name]
	return value, ok
}

func (m Message) StringProperty(name string) string {
	value, ok := m.Property(name)
	if !ok || value == nil {
		return ""
	}
	return cast.ToString(value)
}

func (m Message) GroupID() string {
	return m.StringProperty(PropertyMessageGroupID)
}

// Type returns the shape discriminator, looking at properties first and the body second.
func (m Message) Type() string {
	if t := m.StringProperty(PropertyType); t != "" {
		return t
	}
	return m.StringBody(PropertyType)
}

// Clone returns a deep copy that shares no maps or slices with m.
func (m Message) Clone() Message {
	c := m
	c.Body = cloneMap(m.Body)
	c.Properties = cloneMap(m.Properties)
	return c
}

// WithProperty returns a copy of m with the property set.
func (m Message) WithProperty(name string, value interface{}) Message {
	c := m.Clone()
	if c.Properties == nil {
		c.Properties = make(map[string]interface{})
	}
	c.Properties[name] = value
	return c
}

// WithoutProperty returns a copy of m with the property removed.
func (m Message) WithoutProperty(name string) Message {
	c := m.Clone()
	delete(c.Properties, name)
	return c
}

func cloneMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []int64:
		return append([]int64(nil), t...)
	case []int:
		return append([]int(nil), t...)
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

package models

type MessageBuilder struct {
	msg Message
}

func NewMessageBuilder() *MessageBuilder {
	return &MessageBuilder{
		msg: Message{
			Body:       make(map[string]interface{}),
			Properties: make(map[string]interface{}),
		},
	}
}

func (b *MessageBuilder) WithBody(body map[string]interface{}) *MessageBuilder {
	b.msg.Body = cloneMap(body)
	return b
}

func (b *MessageBuilder) WithField(name string, value interface{}) *MessageBuilder {
	b.msg.Body[name] = value
	return b
}

func (b *MessageBuilder) WithProperty(name string, value interface{}) *MessageBuilder {
	b.msg.Properties[name] = value
	return b
}

// WithType sets the type discriminator both as a property, so selectors can
// see it, and in the body, so handlers sharing a queue can branch on it.
func (b *MessageBuilder) WithType(t string) *MessageBuilder {
	b.msg.Properties[PropertyType] = t
	b.msg.Body[PropertyType] = t
	return b
}

func (b *MessageBuilder) WithGroup(groupID string) *MessageBuilder {
	b.msg.Properties[PropertyMessageGroupID] = groupID
	return b
}

func (b *MessageBuilder) Build() Message {
	msg := b.msg.Clone()
	if msg.Body == nil {
		msg.Body = make(map[string]interface{})
	}
	return msg
}

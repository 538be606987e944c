package ap2

import "github.com/google/uuid"

// MessageBuilder assembles outgoing messages part by part. The first failing
// AddData call is reported by Build.
type MessageBuilder struct {
	msg Message
	err error
}

// NewMessageBuilder starts a user-role message with a fresh id.
func NewMessageBuilder() *MessageBuilder {
	return &MessageBuilder{msg: Message{
		MessageID: uuid.NewString(),
		Role:      RoleUser,
	}}
}

func (b *MessageBuilder) SetContextID(id string) *MessageBuilder {
	b.msg.ContextID = id
	return b
}

func (b *MessageBuilder) SetTaskID(id string) *MessageBuilder {
	b.msg.TaskID = id
	return b
}

func (b *MessageBuilder) SetRole(role Role) *MessageBuilder {
	b.msg.Role = role
	return b
}

func (b *MessageBuilder) AddText(text string) *MessageBuilder {
	b.msg.Parts = append(b.msg.Parts, NewTextPart(text))
	return b
}

func (b *MessageBuilder) AddData(key string, v any) *MessageBuilder {
	if b.err != nil {
		return b
	}
	p, err := NewDataPart(key, v)
	if err != nil {
		b.err = err
		return b
	}
	b.msg.Parts = append(b.msg.Parts, p)
	return b
}

func (b *MessageBuilder) Build() (Message, error) {
	if b.err != nil {
		return Message{}, b.err
	}
	return b.msg, nil
}

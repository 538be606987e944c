package ap2

import (
	"encoding/json"
	"time"

	"github.com/oapi-codegen/runtime"
)

// Role identifies the sender of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// TaskState defines model for TaskStatus.State.
type TaskState string

// Defines values for TaskState.
const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateFailed        TaskState = "failed"
	TaskStateCanceled      TaskState = "canceled"
)

// Terminal reports whether no further transitions are possible.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled:
		return true
	default:
		return false
	}
}

// PartKind discriminates the Part union.
type PartKind string

const (
	PartKindText PartKind = "text"
	PartKindData PartKind = "data"
)

// Message defines model for Message.
type Message struct {
	MessageID string `json:"message_id" validate:"required"`
	ContextID string `json:"context_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Role      Role   `json:"role" validate:"required,oneof=user agent"`
	Parts     []Part `json:"parts" validate:"required,min=1"`
}

// Part defines model for Message.Parts.Item.
type Part struct {
	union json.RawMessage
}

// TextPart defines model for TextPart.
type TextPart struct {
	Kind PartKind `json:"kind"`
	Text string   `json:"text"`
}

// DataPart defines model for DataPart. Data holds keyed values such as
// {"user_email": "..."} or {"ap2.mandates.PaymentMandate": {...}}.
type DataPart struct {
	Kind PartKind                   `json:"kind"`
	Data map[string]json.RawMessage `json:"data"`
}

// Artifact defines model for Artifact.
type Artifact struct {
	ArtifactID string `json:"artifact_id"`
	Name       string `json:"name,omitempty"`
	Parts      []Part `json:"parts"`
}

// TaskStatus defines model for Task.Status.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Task defines model for Task.
type Task struct {
	ID        string     `json:"id"`
	ContextID string     `json:"context_id"`
	Status    TaskStatus `json:"status"`
	Artifacts []Artifact `json:"artifacts"`
}

// Kind returns the discriminator of the union, or "" if it cannot be read.
func (t Part) Kind() PartKind {
	var probe struct {
		Kind PartKind `json:"kind"`
	}
	if err := json.Unmarshal(t.union, &probe); err != nil {
		return ""
	}
	return probe.Kind
}

// AsTextPart returns the union data inside the Part as a TextPart
func (t Part) AsTextPart() (TextPart, error) {
	var body TextPart
	err := json.Unmarshal(t.union, &body)
	return body, err
}

// FromTextPart overwrites any union data inside the Part as the provided TextPart
func (t *Part) FromTextPart(v TextPart) error {
	v.Kind = PartKindText
	b, err := json.Marshal(v)
	t.union = b
	return err
}

// MergeTextPart performs a merge with any union data inside the Part, using the provided TextPart
func (t *Part) MergeTextPart(v TextPart) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	merged, err := runtime.JSONMerge(t.union, b)
	t.union = merged
	return err
}

// AsDataPart returns the union data inside the Part as a DataPart
func (t Part) AsDataPart() (DataPart, error) {
	var body DataPart
	err := json.Unmarshal(t.union, &body)
	return body, err
}

// FromDataPart overwrites any union data inside the Part as the provided DataPart
func (t *Part) FromDataPart(v DataPart) error {
	v.Kind = PartKindData
	b, err := json.Marshal(v)
	t.union = b
	return err
}

// MergeDataPart performs a merge with any union data inside the Part, using the provided DataPart
func (t *Part) MergeDataPart(v DataPart) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	merged, err := runtime.JSONMerge(t.union, b)
	t.union = merged
	return err
}

// MarshalJSON serializes the underlying union for Part.
func (t Part) MarshalJSON() ([]byte, error) {
	if t.union == nil {
		return []byte("null"), nil
	}
	b, err := t.union.MarshalJSON()
	return b, err
}

// UnmarshalJSON loads union data for Part.
func (t *Part) UnmarshalJSON(b []byte) error {
	err := t.union.UnmarshalJSON(b)
	return err
}

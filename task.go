package ap2

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTaskFinalized is returned when a signal arrives after the task already
// completed, failed or suspended for input.
var ErrTaskFinalized = errors.New("task already finalized")

// ResponseSink receives the outcome of one request: zero or more artifacts
// followed by exactly one of Complete, Fail or RequireInput.
type ResponseSink interface {
	AddArtifact(ctx context.Context, parts ...Part) error
	Complete(ctx context.Context, msg *Message) error
	Fail(ctx context.Context, msg *Message) error
	RequireInput(ctx context.Context, msg *Message) error
}

// Executor handles operations addressed to an agent. A returned error is
// turned into a single Fail signal by the caller.
type Executor interface {
	Execute(ctx context.Context, operation string, msg Message, current *Task, sink ResponseSink) error
}

// ExecutorFunc lifts bare functions into [Executor].
type ExecutorFunc func(ctx context.Context, operation string, msg Message, current *Task, sink ResponseSink) error

// Execute delegates to the wrapped function.
func (f ExecutorFunc) Execute(ctx context.Context, operation string, msg Message, current *Task, sink ResponseSink) error {
	return f(ctx, operation, msg, current, sink)
}

// TaskRecorder is a ResponseSink that accumulates signals into a Task.
type TaskRecorder struct {
	mu     sync.Mutex
	task   Task
	closed bool
	clock  func() time.Time
}

// NewTaskRecorder starts recording. A non-nil current task is resumed under
// its id; otherwise a new task is created in contextID.
func NewTaskRecorder(current *Task, contextID string) *TaskRecorder {
	r := &TaskRecorder{clock: time.Now}
	if current != nil {
		r.task = *current
		r.task.Artifacts = append([]Artifact(nil), current.Artifacts...)
	} else {
		r.task = Task{ID: uuid.NewString(), ContextID: contextID}
	}
	if r.task.ContextID == "" {
		r.task.ContextID = uuid.NewString()
	}
	r.task.Status = TaskStatus{State: TaskStateWorking, Timestamp: r.clock().UTC()}
	return r
}

// AddArtifact appends one artifact holding parts.
func (r *TaskRecorder) AddArtifact(_ context.Context, parts ...Part) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrTaskFinalized
	}
	r.task.Artifacts = append(r.task.Artifacts, Artifact{
		ArtifactID: uuid.NewString(),
		Parts:      parts,
	})
	return nil
}

func (r *TaskRecorder) Complete(_ context.Context, msg *Message) error {
	return r.finish(TaskStateCompleted, msg)
}

func (r *TaskRecorder) Fail(_ context.Context, msg *Message) error {
	return r.finish(TaskStateFailed, msg)
}

func (r *TaskRecorder) RequireInput(_ context.Context, msg *Message) error {
	return r.finish(TaskStateInputRequired, msg)
}

func (r *TaskRecorder) finish(state TaskState, msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrTaskFinalized
	}
	r.closed = true
	if msg != nil {
		msg.Role = RoleAgent
		msg.TaskID = r.task.ID
		msg.ContextID = r.task.ContextID
	}
	r.task.Status = TaskStatus{State: state, Message: msg, Timestamp: r.clock().UTC()}
	return nil
}

// Finalized reports whether a terminal or suspend signal was recorded.
func (r *TaskRecorder) Finalized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Task returns a copy of the recorded task.
func (r *TaskRecorder) Task() *Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.task
	t.Artifacts = append([]Artifact(nil), r.task.Artifacts...)
	return &t
}

// AgentMessage builds an agent-role message with a single text part.
func AgentMessage(text string) *Message {
	return &Message{
		MessageID: uuid.NewString(),
		Role:      RoleAgent,
		Parts:     []Part{NewTextPart(text)},
	}
}

// FailureReason returns the text of a failed task's status message.
func (t *Task) FailureReason() string {
	if t == nil || t.Status.Message == nil {
		return ""
	}
	for _, p := range t.Status.Message.Parts {
		if p.Kind() != PartKindText {
			continue
		}
		if tp, err := p.AsTextPart(); err == nil {
			return tp.Text
		}
	}
	return ""
}

// TaskStore persists tasks between requests so suspended tasks can resume.
type TaskStore interface {
	Get(ctx context.Context, id string) (*Task, bool, error)
	Put(ctx context.Context, task *Task) error
}

// MemoryTaskStore keeps tasks in process memory.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]*Task)}
}

func (s *MemoryTaskStore) Get(_ context.Context, id string) (*Task, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false, nil
	}
	cp := *t
	return &cp, true, nil
}

func (s *MemoryTaskStore) Put(_ context.Context, task *Task) error {
	if task == nil {
		return errors.New("task is required")
	}
	cp := *task
	s.mu.Lock()
	s.tasks[task.ID] = &cp
	s.mu.Unlock()
	return nil
}

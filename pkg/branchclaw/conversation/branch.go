package conversation

import "time"

// BranchType distinguishes human alternate responses from sub-agent runs.
type BranchType string

const (
	BranchHuman    BranchType = "human"
	BranchSubagent BranchType = "subagent"
)

// BranchState is the execution state of a sub-agent branch.
type BranchState string

const (
	BranchRunning       BranchState = "running"
	BranchComplete      BranchState = "complete"
	BranchCancelled     BranchState = "cancelled"
	BranchAbandoned     BranchState = "abandoned"
	BranchMaxIterations BranchState = "max_iterations"
)

// Branch is an alternate or sub-task thread owned by exactly one message.
type Branch struct {
	ID             string         `json:"id"`
	Type           BranchType     `json:"type"`
	InheritContext bool           `json:"inheritContext"`
	Messages       []Message      `json:"messages"`
	Created        time.Time      `json:"created"`
	Updated        time.Time      `json:"updated"`
	Metadata       BranchMetadata `json:"metadata"`
}

// BranchMetadata carries the type-specific attributes of a branch.
type BranchMetadata struct {
	Task          string         `json:"task,omitempty"`
	State         BranchState    `json:"state,omitempty"`
	Iterations    int            `json:"iterations"`
	MaxIterations int            `json:"maxIterations,omitempty"`
	Persona       string         `json:"persona,omitempty"`
	RunID         string         `json:"runId,omitempty"`
	Error         string         `json:"error,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// MetadataPatch is a partial metadata update. Nil fields are left untouched;
// Extra keys are merged one level deep.
type MetadataPatch struct {
	Task          *string
	State         *BranchState
	Iterations    *int
	MaxIterations *int
	Persona       *string
	RunID         *string
	Error         *string
	Extra         map[string]any
}

// Apply shallow-merges the patch into m.
func (m *BranchMetadata) Apply(p MetadataPatch) {
	if p.Task != nil {
		m.Task = *p.Task
	}
	if p.State != nil {
		m.State = *p.State
	}
	if p.Iterations != nil {
		m.Iterations = *p.Iterations
	}
	if p.MaxIterations != nil {
		m.MaxIterations = *p.MaxIterations
	}
	if p.Persona != nil {
		m.Persona = *p.Persona
	}
	if p.RunID != nil {
		m.RunID = *p.RunID
	}
	if p.Error != nil {
		m.Error = *p.Error
	}
	if len(p.Extra) > 0 {
		if m.Extra == nil {
			m.Extra = make(map[string]any, len(p.Extra))
		}
		for k, v := range p.Extra {
			m.Extra[k] = v
		}
	}
}

// InheritsContext is the context policy for a branch type: human branches see
// the parent history, sub-agent branches never do.
func InheritsContext(t BranchType) bool {
	return t == BranchHuman
}

// NewBranch creates an empty branch of the given type.
func NewBranch(t BranchType) Branch {
	now := time.Now()
	return Branch{
		ID:             NewID(),
		Type:           t,
		InheritContext: InheritsContext(t),
		Messages:       []Message{},
		Created:        now,
		Updated:        now,
	}
}

// Clone returns a deep copy of the branch.
func (b Branch) Clone() Branch {
	out := b
	out.Messages = cloneMessages(b.Messages)
	out.Metadata.Extra = cloneMap(b.Metadata.Extra)
	return out
}

// MessageIndex returns the index of a branch-local message, or -1.
func (b *Branch) MessageIndex(messageID string) int {
	for i := range b.Messages {
		if b.Messages[i].ID == messageID {
			return i
		}
	}
	return -1
}

// Ptr returns a pointer to v, for building MetadataPatch values.
func Ptr[T any](v T) *T {
	return &v
}

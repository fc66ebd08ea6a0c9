package assistant

import "time"

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Turn is one immutable message in a session.
type Turn struct {
	ID        string
	Role      Role
	Content   string
	CreatedAt time.Time
}

// RunStatus is the remote status of a run.
type RunStatus string

const (
	StatusQueued         RunStatus = "queued"
	StatusInProgress     RunStatus = "in_progress"
	StatusRequiresAction RunStatus = "requires_action"
	StatusCancelling     RunStatus = "cancelling"
	StatusCompleted      RunStatus = "completed"
	StatusFailed         RunStatus = "failed"
	StatusExpired        RunStatus = "expired"
	StatusCancelled      RunStatus = "cancelled"
	StatusIncomplete     RunStatus = "incomplete"
)

// IsTerminal reports whether no further transition is expected.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled, StatusIncomplete:
		return true
	}
	return false
}

// IsActive reports whether a run in this status blocks new turns. Unknown
// statuses count as active.
func (s RunStatus) IsActive() bool {
	return !s.IsTerminal()
}

// RunState is the answer to a status check.
type RunState struct {
	Status RunStatus
	// Detail carries the remote failure or incomplete reason, if any.
	Detail string
}

// Run is a remote computation bound to one session.
type Run struct {
	ID        string
	SessionID string
	Status    RunStatus
	CreatedAt time.Time
}

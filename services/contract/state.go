package contract

import "freight-controlplane/pkg/actor"

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func (s Status) String() string {
	return string(s)
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

var AllStatuses = []Status{
	StatusPending,
	StatusActive,
	StatusPaused,
	StatusCompleted,
	StatusCancelled,
}

type Transition struct {
	From Status
	To   Status
}

// ValidTransitions is the full contract lifecycle. paused → cancelled lets an
// exhausted or abandoned paused contract be closed.
var ValidTransitions = []Transition{
	{From: StatusPending, To: StatusActive},
	{From: StatusActive, To: StatusPaused},
	{From: StatusPaused, To: StatusActive},
	{From: StatusActive, To: StatusCompleted},
	{From: StatusPending, To: StatusCancelled},
	{From: StatusActive, To: StatusCancelled},
	{From: StatusPaused, To: StatusCancelled},
}

func IsValidTransition(from, to Status) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

type Action string

const (
	ActionStart    Action = "start"
	ActionPause    Action = "pause"
	ActionResume   Action = "resume"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
)

func ActionFor(from, to Status) Action {
	switch to {
	case StatusActive:
		if from == StatusPaused {
			return ActionResume
		}
		return ActionStart
	case StatusPaused:
		return ActionPause
	case StatusCompleted:
		return ActionComplete
	default:
		return ActionCancel
	}
}

// CanActorTransition applies the per-action guard. System covers the retry
// sweeper, webhooks and cascades from a root contract to its children.
func CanActorTransition(c *Contract, a actor.Actor, action Action) bool {
	if a.IsSystem() {
		return true
	}
	hiring := a.UserID != "" && a.UserID == c.HiredByUserID

	switch action {
	case ActionComplete:
		return hiring
	case ActionStart, ActionPause, ActionResume, ActionCancel:
		return hiring || a.IsAdmin()
	default:
		return false
	}
}

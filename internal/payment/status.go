package payment

import "errors"

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

type JobStatus string

const (
	JobActive    JobStatus = "active"
	JobAssigned  JobStatus = "assigned"
	JobCompleted JobStatus = "completed"
	JobInactive  JobStatus = "inactive"
)

// CanTransitionTo reports whether a job may move from s to next.
// Assignment only happens from active; completion only from assigned.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobActive:
		return next == JobAssigned || next == JobInactive
	case JobAssigned:
		return next == JobCompleted || next == JobInactive
	default:
		return false
	}
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobActive, JobAssigned, JobCompleted, JobInactive:
		return true
	}
	return false
}

type EscrowStatus string

const (
	EscrowPending  EscrowStatus = "pending"
	EscrowCreated  EscrowStatus = "created"
	EscrowRedeemed EscrowStatus = "redeemed"
)

func (s EscrowStatus) rank() int {
	switch s {
	case EscrowPending:
		return 0
	case EscrowCreated:
		return 1
	case EscrowRedeemed:
		return 2
	}
	return -1
}

// CanAdvanceTo reports whether next is exactly one step ahead of s.
// Escrow status never moves backwards and never skips Created.
func (s EscrowStatus) CanAdvanceTo(next EscrowStatus) bool {
	cur := s.rank()
	if cur < 0 || next.rank() < 0 {
		return false
	}
	return next.rank() == cur+1
}

func (s EscrowStatus) Terminal() bool { return s == EscrowRedeemed }

type ApplicationStatus string

const (
	ApplicationPending  ApplicationStatus = "pending"
	ApplicationAccepted ApplicationStatus = "accepted"
	ApplicationRejected ApplicationStatus = "rejected"
)

// CanTransitionTo reports whether an application may move to next.
// Accepted and Rejected are both terminal.
func (s ApplicationStatus) CanTransitionTo(next ApplicationStatus) bool {
	return s == ApplicationPending && (next == ApplicationAccepted || next == ApplicationRejected)
}

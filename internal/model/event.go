package model

import "time"

// EventKind names a state transition recorded on the ledger's event log. The value
// doubles as the routing key on the events exchange.
type EventKind string

const (
	EventProjectCreated     EventKind = "project.created"
	EventProjectAssigned    EventKind = "project.assigned"
	EventProjectCompleted   EventKind = "project.completed"
	EventTenderSubmitted    EventKind = "tender.submitted"
	EventTenderApproved     EventKind = "tender.approved"
	EventTenderRejected     EventKind = "tender.rejected"
	EventMilestoneSubmitted EventKind = "milestone.submitted"
	EventMilestoneApproved  EventKind = "milestone.approved"
	EventMilestoneRejected  EventKind = "milestone.rejected"
)

// Aggregate names the entity an event is about.
func (k EventKind) Aggregate() string {
	switch k {
	case EventProjectCreated, EventProjectAssigned, EventProjectCompleted:
		return "project"
	case EventTenderSubmitted, EventTenderApproved, EventTenderRejected:
		return "tender"
	default:
		return "milestone"
	}
}

// Event is one entry of the append-only ledger log. It carries the post-transition
// snapshot of every entity it touched, so the current state can be rebuilt by replay.
type Event struct {
	ID          int64      `json:"id"`
	Kind        EventKind  `json:"kind"`
	ProjectID   int64      `json:"project_id"`
	AggregateID int64      `json:"aggregate_id"`
	Actor       Identity   `json:"actor,omitempty"`
	Amount      int64      `json:"amount,omitempty"`
	Project     *Project   `json:"project,omitempty"`
	Tender      *Tender    `json:"tender,omitempty"`
	Milestone   *Milestone `json:"milestone,omitempty"`
	TraceID     string     `json:"trace_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

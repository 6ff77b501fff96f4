package model

// ProjectStatus is a project's lifecycle stage.
type ProjectStatus string

const (
	ProjectCreated        ProjectStatus = "created"
	ProjectTenderAssigned ProjectStatus = "tender_assigned"
	ProjectCompleted      ProjectStatus = "completed"
)

// TenderStatus is a tender's lifecycle stage.
type TenderStatus string

const (
	TenderSubmitted TenderStatus = "submitted"
	TenderApproved  TenderStatus = "approved"
	// TenderRejected closes a tender that lost to another approved tender.
	TenderRejected TenderStatus = "rejected"
)

// MilestoneStatus is a milestone's lifecycle stage.
type MilestoneStatus string

const (
	MilestoneSubmitted MilestoneStatus = "submitted"
	MilestoneApproved  MilestoneStatus = "approved"
	MilestoneRejected  MilestoneStatus = "rejected"
)

var projectTransitions = map[ProjectStatus][]ProjectStatus{
	ProjectCreated:        {ProjectTenderAssigned},
	ProjectTenderAssigned: {ProjectCompleted},
}

var tenderTransitions = map[TenderStatus][]TenderStatus{
	TenderSubmitted: {TenderApproved, TenderRejected},
}

var milestoneTransitions = map[MilestoneStatus][]MilestoneStatus{
	MilestoneSubmitted: {MilestoneApproved, MilestoneRejected},
}

func allowed[S comparable](table map[S][]S, from, to S) bool {
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s ProjectStatus) CanTransitionTo(next ProjectStatus) bool {
	return allowed(projectTransitions, s, next)
}

func (s TenderStatus) CanTransitionTo(next TenderStatus) bool {
	return allowed(tenderTransitions, s, next)
}

func (s MilestoneStatus) CanTransitionTo(next MilestoneStatus) bool {
	return allowed(milestoneTransitions, s, next)
}

func (s ProjectStatus) Valid() bool {
	return s == ProjectCreated || s == ProjectTenderAssigned || s == ProjectCompleted
}

func (s TenderStatus) Valid() bool {
	return s == TenderSubmitted || s == TenderApproved || s == TenderRejected
}

func (s MilestoneStatus) Valid() bool {
	return s == MilestoneSubmitted || s == MilestoneApproved || s == MilestoneRejected
}

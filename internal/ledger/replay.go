package ledger

import (
	"fmt"

	"civicledger/internal/model"
)

// Projection is the current state derived from the event log.
type Projection struct {
	Projects   map[int64]*model.Project
	Tenders    map[int64]*model.Tender
	Milestones map[int64]*model.Milestone
	Escrow     map[int64]int64
	Balances   map[model.Identity]int64
	LastEvent  int64
}

func NewProjection() *Projection {
	return &Projection{
		Projects:   make(map[int64]*model.Project),
		Tenders:    make(map[int64]*model.Tender),
		Milestones: make(map[int64]*model.Milestone),
		Escrow:     make(map[int64]int64),
		Balances:   make(map[model.Identity]int64),
	}
}

// Replay rebuilds the projection from events, which must be in log order.
func Replay(events []model.Event) (*Projection, error) {
	p := NewProjection()
	for _, e := range events {
		if err := p.Apply(e); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Apply folds one event into the projection.
func (p *Projection) Apply(e model.Event) error {
	if e.ID <= p.LastEvent {
		return fmt.Errorf("event %d out of order after %d", e.ID, p.LastEvent)
	}

	switch e.Kind {
	case model.EventProjectCreated:
		if e.Project == nil {
			return fmt.Errorf("event %d (%s) carries no project", e.ID, e.Kind)
		}
		if _, exists := p.Projects[e.Project.ID]; exists {
			return fmt.Errorf("event %d recreates project %d", e.ID, e.Project.ID)
		}
		p.Escrow[e.Project.ID] += e.Amount
	case model.EventProjectAssigned, model.EventProjectCompleted:
		if e.Project == nil {
			return fmt.Errorf("event %d (%s) carries no project", e.ID, e.Kind)
		}
	case model.EventTenderSubmitted, model.EventTenderApproved, model.EventTenderRejected:
		if e.Tender == nil {
			return fmt.Errorf("event %d (%s) carries no tender", e.ID, e.Kind)
		}
	case model.EventMilestoneSubmitted, model.EventMilestoneRejected:
		if e.Milestone == nil {
			return fmt.Errorf("event %d (%s) carries no milestone", e.ID, e.Kind)
		}
	case model.EventMilestoneApproved:
		if e.Milestone == nil || e.Tender == nil {
			return fmt.Errorf("event %d (%s) carries no milestone or tender", e.ID, e.Kind)
		}
		if p.Escrow[e.ProjectID] < e.Amount {
			return fmt.Errorf("event %d releases %d but project %d escrow holds %d",
				e.ID, e.Amount, e.ProjectID, p.Escrow[e.ProjectID])
		}
		p.Escrow[e.ProjectID] -= e.Amount
		p.Balances[e.Tender.RevealedContractor] += e.Amount
	default:
		return fmt.Errorf("event %d has unknown kind %q", e.ID, e.Kind)
	}

	if e.Project != nil {
		cp := *e.Project
		p.Projects[cp.ID] = &cp
	}
	if e.Tender != nil {
		cp := *e.Tender
		p.Tenders[cp.ID] = &cp
	}
	if e.Milestone != nil {
		cp := *e.Milestone
		p.Milestones[cp.ID] = &cp
	}
	p.LastEvent = e.ID
	return nil
}

// Package ledger is the single mutator of projects, tenders, milestones and the funds
// they hold. Every change runs inside Update, which serializes all writes to one
// project, appends the resulting events to the log and commits them together.
package ledger

import (
	"context"

	"civicledger/internal/model"
)

// Reader exposes the current projection. Returned entities are copies.
type Reader interface {
	Project(ctx context.Context, id int64) (*model.Project, error)
	Tender(ctx context.Context, id int64) (*model.Tender, error)
	Milestone(ctx context.Context, id int64) (*model.Milestone, error)
	TendersByProject(ctx context.Context, projectID int64) ([]*model.Tender, error)
	MilestonesByTender(ctx context.Context, tenderID int64) ([]*model.Milestone, error)
	EscrowBalance(ctx context.Context, projectID int64) (int64, error)
	Balance(ctx context.Context, id model.Identity) (int64, error)
}

// Tx is a staged set of writes against one project. Nothing is visible outside the
// transaction until Update returns nil.
type Tx interface {
	Reader

	// InsertProject assigns p.ID.
	InsertProject(ctx context.Context, p *model.Project) error
	// InsertTender assigns t.ID.
	InsertTender(ctx context.Context, t *model.Tender) error
	// InsertMilestone assigns m.ID.
	InsertMilestone(ctx context.Context, m *model.Milestone) error

	UpdateProject(ctx context.Context, p *model.Project) error
	UpdateTender(ctx context.Context, t *model.Tender) error
	UpdateMilestone(ctx context.Context, m *model.Milestone) error

	// Deposit credits the project's escrow.
	Deposit(ctx context.Context, projectID int64, amount int64) error
	// Release moves amount from the project's escrow to the account of to. It fails
	// with apperr.KindInsufficientFunds when the escrow cannot cover it.
	Release(ctx context.Context, projectID int64, to model.Identity, amount int64) error

	// Append records e on the event log; e.ID is assigned at commit.
	Append(ctx context.Context, e *model.Event) error
}

// Store is a ledger backend.
type Store interface {
	Reader

	// Update runs fn as one all-or-nothing transaction. Calls naming the same projectID
	// never interleave. projectID 0 is used when creating a new project.
	Update(ctx context.Context, projectID int64, fn func(tx Tx) error) error

	ProjectOfTender(ctx context.Context, tenderID int64) (int64, error)
	ProjectOfMilestone(ctx context.Context, milestoneID int64) (int64, error)

	// Events returns up to limit log entries with ID > afterID, oldest first.
	Events(ctx context.Context, afterID int64, limit int) ([]model.Event, error)
}

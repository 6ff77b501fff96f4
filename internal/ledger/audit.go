package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"civicledger/internal/apperr"
)

const auditPageSize = 500

// Mismatch is one field on which the live tables disagree with the event log.
type Mismatch struct {
	Entity string `json:"entity"`
	ID     string `json:"id"`
	Field  string `json:"field"`
	Logged any    `json:"logged"`
	Stored any    `json:"stored"`
}

// AuditReport is the outcome of one Audit run.
type AuditReport struct {
	Events     int        `json:"events"`
	LastEvent  int64      `json:"last_event"`
	Mismatches []Mismatch `json:"mismatches"`
}

func (r *AuditReport) Consistent() bool { return len(r.Mismatches) == 0 }

func (r *AuditReport) mismatch(entity string, id any, field string, logged, stored any) {
	r.Mismatches = append(r.Mismatches, Mismatch{
		Entity: entity,
		ID:     fmt.Sprint(id),
		Field:  field,
		Logged: logged,
		Stored: stored,
	})
}

// Auditor replays the event log and checks the store's tables against it.
type Auditor struct {
	store  Store
	logger *zap.Logger
}

// NewAuditor 创建账本一致性审计器
func NewAuditor(store Store, logger *zap.Logger) *Auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auditor{store: store, logger: logger}
}

// Audit compares statuses, released amounts, escrow and account balances with what the
// log says they should be. Writes that land while it runs can show up as mismatches,
// so run it on an idle ledger or re-run before acting on a report.
func (a *Auditor) Audit(ctx context.Context) (*AuditReport, error) {
	proj := NewProjection()
	report := &AuditReport{}

	var afterID int64
	for {
		events, err := a.store.Events(ctx, afterID, auditPageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to read event log after %d: %w", afterID, err)
		}
		for _, e := range events {
			if err := proj.Apply(e); err != nil {
				return nil, fmt.Errorf("event log does not replay: %w", err)
			}
		}
		report.Events += len(events)
		if len(events) < auditPageSize {
			break
		}
		afterID = events[len(events)-1].ID
	}
	report.LastEvent = proj.LastEvent

	if err := a.compare(ctx, proj, report); err != nil {
		return nil, err
	}

	if report.Consistent() {
		a.logger.Info("Ledger audit passed",
			zap.Int("events", report.Events),
			zap.Int64("last_event", report.LastEvent),
		)
	} else {
		a.logger.Error("Ledger audit found mismatches",
			zap.Int("events", report.Events),
			zap.Int("mismatches", len(report.Mismatches)),
			zap.Any("first", report.Mismatches[0]),
		)
	}
	return report, nil
}

func (a *Auditor) compare(ctx context.Context, proj *Projection, report *AuditReport) error {
	for id, want := range proj.Projects {
		got, err := a.store.Project(ctx, id)
		if missing(err) {
			report.mismatch("project", id, "exists", true, false)
			continue
		}
		if err != nil {
			return err
		}
		if got.Status != want.Status {
			report.mismatch("project", id, "status", want.Status, got.Status)
		}
		held, err := a.store.EscrowBalance(ctx, id)
		if err != nil {
			return err
		}
		if held != proj.Escrow[id] {
			report.mismatch("project", id, "escrow", proj.Escrow[id], held)
		}
	}

	for id, want := range proj.Tenders {
		got, err := a.store.Tender(ctx, id)
		if missing(err) {
			report.mismatch("tender", id, "exists", true, false)
			continue
		}
		if err != nil {
			return err
		}
		if got.Status != want.Status {
			report.mismatch("tender", id, "status", want.Status, got.Status)
		}
		if got.ReleasedAmount != want.ReleasedAmount {
			report.mismatch("tender", id, "released_amount", want.ReleasedAmount, got.ReleasedAmount)
		}
		if got.LastApprovedPercentage != want.LastApprovedPercentage {
			report.mismatch("tender", id, "last_approved_percentage", want.LastApprovedPercentage, got.LastApprovedPercentage)
		}
	}

	for id, want := range proj.Milestones {
		got, err := a.store.Milestone(ctx, id)
		if missing(err) {
			report.mismatch("milestone", id, "exists", true, false)
			continue
		}
		if err != nil {
			return err
		}
		if got.Status != want.Status {
			report.mismatch("milestone", id, "status", want.Status, got.Status)
		}
		if got.ReleasedAmount != want.ReleasedAmount {
			report.mismatch("milestone", id, "released_amount", want.ReleasedAmount, got.ReleasedAmount)
		}
	}

	for who, want := range proj.Balances {
		got, err := a.store.Balance(ctx, who)
		if err != nil {
			return err
		}
		if got != want {
			report.mismatch("account", who, "balance", want, got)
		}
	}
	return nil
}

func missing(err error) bool {
	return errors.Is(err, apperr.ErrNotFound)
}

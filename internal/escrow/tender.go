package escrow

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"civicledger/internal/apperr"
	"civicledger/internal/authz"
	"civicledger/internal/commitment"
	"civicledger/internal/ledger"
	"civicledger/internal/model"
	"civicledger/pkg/logger"
)

// CreateProject opens a project administered by caller and escrows its budget.
func (s *Service) CreateProject(ctx context.Context, caller model.Identity, name string, budget int64, supervisor commitment.Commitment) (*model.Project, error) {
	const op = "create_project"
	var created *model.Project

	err := s.observe(ctx, op, func(ctx context.Context, traceID string) error {
		switch {
		case caller.IsZero():
			return apperr.New(apperr.KindUnauthorized, op, "caller identity is required")
		case budget <= 0:
			return apperr.New(apperr.KindInvalidArgument, op, "budget must be positive, got %d", budget)
		case supervisor.IsZero():
			return apperr.New(apperr.KindInvalidArgument, op, "supervisor commitment is required")
		case strings.TrimSpace(name) == "":
			return apperr.New(apperr.KindInvalidArgument, op, "project name is required")
		}

		now := s.now()
		p := &model.Project{
			Name:                 name,
			Budget:               budget,
			Admin:                caller,
			SupervisorCommitment: supervisor,
			Status:               model.ProjectCreated,
			CreatedAt:            now,
			UpdatedAt:            now,
		}

		err := s.store.Update(ctx, 0, func(tx ledger.Tx) error {
			if err := tx.InsertProject(ctx, p); err != nil {
				return err
			}
			if err := tx.Deposit(ctx, p.ID, budget); err != nil {
				return err
			}
			ev := s.event(model.EventProjectCreated, p.ID, p.ID, caller, traceID, now)
			ev.Amount = budget
			ev.Project = p
			return tx.Append(ctx, ev)
		})
		if err != nil {
			return err
		}

		logger.WithTrace(ctx, s.logger).Info("Project created",
			zap.Int64("project_id", p.ID),
			zap.Int64("budget", budget),
			zap.String("admin", caller.String()),
		)
		created = p
		return nil
	})
	return created, err
}

// SubmitAnonymousTender files a bid that names no contractor, only a commitment to one.
func (s *Service) SubmitAnonymousTender(ctx context.Context, projectID int64, bid commitment.Commitment, encryptedDataRef, tenderDocRef, qualityReportRef string) (*model.Tender, error) {
	const op = "submit_tender"
	var submitted *model.Tender

	err := s.observe(ctx, op, func(ctx context.Context, traceID string) error {
		if bid.IsZero() {
			return apperr.New(apperr.KindInvalidArgument, op, "bid commitment is required")
		}

		err := s.store.Update(ctx, projectID, func(tx ledger.Tx) error {
			p, err := tx.Project(ctx, projectID)
			if err != nil {
				return err
			}
			if p.Status != model.ProjectCreated {
				return apperr.New(apperr.KindInvalidState, op, "project %d is %s, tenders need %s",
					projectID, p.Status, model.ProjectCreated)
			}

			now := s.now()
			t := &model.Tender{
				ProjectID:            projectID,
				ContractorCommitment: bid,
				EncryptedDataRef:     encryptedDataRef,
				TenderDocRef:         tenderDocRef,
				QualityReportRef:     qualityReportRef,
				Status:               model.TenderSubmitted,
				CreatedAt:            now,
				UpdatedAt:            now,
			}
			if err := tx.InsertTender(ctx, t); err != nil {
				return err
			}
			ev := s.event(model.EventTenderSubmitted, projectID, t.ID, model.NoIdentity, traceID, now)
			ev.Tender = t
			if err := tx.Append(ctx, ev); err != nil {
				return err
			}
			submitted = t
			return nil
		})
		if err != nil {
			submitted = nil
			return err
		}

		logger.WithTrace(ctx, s.logger).Info("Tender submitted",
			zap.Int64("project_id", projectID),
			zap.Int64("tender_id", submitted.ID),
		)
		return nil
	})
	return submitted, err
}

// ApproveTender is the blind approval: the project's committed supervisor supplies the
// contractor identity and nonce they were given out of band, and the tender is approved
// only if they hash to the tender's commitment. The winning tender is revealed, the
// project moves to tender_assigned and every other open tender is rejected.
func (s *Service) ApproveTender(ctx context.Context, caller model.Identity, tenderID int64, contractor model.Identity, nonce []byte) (*model.Tender, error) {
	const op = "approve_tender"
	var approved *model.Tender

	err := s.observe(ctx, op, func(ctx context.Context, traceID string) error {
		projectID, err := s.store.ProjectOfTender(ctx, tenderID)
		if err != nil {
			return err
		}

		err = s.store.Update(ctx, projectID, func(tx ledger.Tx) error {
			p, err := tx.Project(ctx, projectID)
			if err != nil {
				return err
			}
			if err := s.guard.RequireCommitted(op, caller, p.SupervisorCommitment, authz.RoleSupervisor); err != nil {
				return err
			}

			t, err := tx.Tender(ctx, tenderID)
			if err != nil {
				return err
			}
			if !t.Status.CanTransitionTo(model.TenderApproved) {
				return apperr.New(apperr.KindInvalidState, op, "tender %d is %s", tenderID, t.Status)
			}
			if !p.Status.CanTransitionTo(model.ProjectTenderAssigned) {
				return apperr.New(apperr.KindInvalidState, op, "project %d is %s", projectID, p.Status)
			}
			if contractor.IsZero() {
				return apperr.New(apperr.KindCommitmentMismatch, op, "no contractor identity supplied")
			}
			if !commitment.Verify(t.ContractorCommitment, contractor.Bytes(), nonce) {
				return apperr.New(apperr.KindCommitmentMismatch, op,
					"contractor and nonce do not match the bid commitment of tender %d", tenderID)
			}

			now := s.now()
			t.Status = model.TenderApproved
			t.RevealedContractor = contractor
			t.UpdatedAt = now
			if err := tx.UpdateTender(ctx, t); err != nil {
				return err
			}

			p.Status = model.ProjectTenderAssigned
			p.UpdatedAt = now
			if err := tx.UpdateProject(ctx, p); err != nil {
				return err
			}

			ev := s.event(model.EventTenderApproved, projectID, t.ID, caller, traceID, now)
			ev.Tender = t
			if err := tx.Append(ctx, ev); err != nil {
				return err
			}
			ev = s.event(model.EventProjectAssigned, projectID, projectID, caller, traceID, now)
			ev.Project = p
			if err := tx.Append(ctx, ev); err != nil {
				return err
			}

			if err := s.rejectOtherTenders(ctx, tx, projectID, tenderID, caller, traceID); err != nil {
				return err
			}
			approved = t
			return nil
		})
		if err != nil {
			approved = nil
			return err
		}

		logger.WithTrace(ctx, s.logger).Info("Tender approved",
			zap.Int64("project_id", projectID),
			zap.Int64("tender_id", tenderID),
			zap.String("contractor", contractor.String()),
		)
		return nil
	})
	return approved, err
}

func (s *Service) rejectOtherTenders(ctx context.Context, tx ledger.Tx, projectID, winner int64, caller model.Identity, traceID string) error {
	tenders, err := tx.TendersByProject(ctx, projectID)
	if err != nil {
		return err
	}
	now := s.now()
	for _, t := range tenders {
		if t.ID == winner || !t.Status.CanTransitionTo(model.TenderRejected) {
			continue
		}
		t.Status = model.TenderRejected
		t.UpdatedAt = now
		if err := tx.UpdateTender(ctx, t); err != nil {
			return err
		}
		ev := s.event(model.EventTenderRejected, projectID, t.ID, caller, traceID, now)
		ev.Tender = t
		if err := tx.Append(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

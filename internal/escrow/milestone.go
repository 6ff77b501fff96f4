package escrow

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"civicledger/internal/apperr"
	"civicledger/internal/authz"
	"civicledger/internal/commitment"
	"civicledger/internal/ledger"
	"civicledger/internal/model"
	"civicledger/pkg/logger"
	"civicledger/pkg/metrics"
)

// Release is the outcome of a milestone verification.
type Release struct {
	Milestone *model.Milestone
	Tender    *model.Tender
	Project   *model.Project
	Amount    int64
	Approved  bool
}

// SubmitMilestone files progress evidence for the next checkpoint of an approved tender.
// capturedAt is when the contractor captured the proof on site.
func (s *Service) SubmitMilestone(ctx context.Context, caller model.Identity, tenderID int64, percentage int, proofImagesRef string, gps model.Coordinates, capturedAt time.Time, architectureRef string, qualityMetrics commitment.Commitment) (*model.Milestone, error) {
	const op = "submit_milestone"
	var submitted *model.Milestone

	err := s.observe(ctx, op, func(ctx context.Context, traceID string) error {
		projectID, err := s.store.ProjectOfTender(ctx, tenderID)
		if err != nil {
			return err
		}

		err = s.store.Update(ctx, projectID, func(tx ledger.Tx) error {
			t, err := tx.Tender(ctx, tenderID)
			if err != nil {
				return err
			}
			if t.Status != model.TenderApproved {
				return apperr.New(apperr.KindInvalidState, op, "tender %d is %s", tenderID, t.Status)
			}
			if err := s.guard.RequireIdentity(op, caller, t.RevealedContractor, authz.RoleContractor); err != nil {
				return err
			}
			p, err := tx.Project(ctx, projectID)
			if err != nil {
				return err
			}
			if p.Status != model.ProjectTenderAssigned {
				return apperr.New(apperr.KindInvalidState, op, "project %d is %s", projectID, p.Status)
			}
			if !model.IsCheckpoint(percentage) {
				return apperr.New(apperr.KindInvalidCheckpoint, op, "%d%% is not one of %v", percentage, model.Checkpoints())
			}
			if percentage <= t.LastApprovedPercentage {
				return apperr.New(apperr.KindInvalidCheckpoint, op,
					"%d%% does not exceed the approved %d%%", percentage, t.LastApprovedPercentage)
			}
			if !gps.Valid() {
				return apperr.New(apperr.KindInvalidArgument, op, "coordinates %v are out of range", gps)
			}

			now := s.now()
			m := &model.Milestone{
				TenderID:                 tenderID,
				ProjectID:                projectID,
				Percentage:               percentage,
				ProofImagesRef:           proofImagesRef,
				ArchitectureRef:          architectureRef,
				QualityMetricsCommitment: qualityMetrics,
				GPS:                      gps,
				CapturedAt:               capturedAt,
				Status:                   model.MilestoneSubmitted,
				SubmittedAt:              now,
				UpdatedAt:                now,
			}
			if err := tx.InsertMilestone(ctx, m); err != nil {
				return err
			}
			ev := s.event(model.EventMilestoneSubmitted, projectID, m.ID, caller, traceID, now)
			ev.Milestone = m
			if err := tx.Append(ctx, ev); err != nil {
				return err
			}
			submitted = m
			return nil
		})
		if err != nil {
			submitted = nil
			return err
		}

		log := logger.WithTrace(ctx, s.logger)
		if s.oracle != nil {
			if err := s.oracle.Observe(ctx, submitted); err != nil {
				log.Warn("Oracle failed to observe milestone",
					zap.Int64("milestone_id", submitted.ID),
					zap.Error(err),
				)
			}
		}
		log.Info("Milestone submitted",
			zap.Int64("tender_id", tenderID),
			zap.Int64("milestone_id", submitted.ID),
			zap.Int("percentage", percentage),
		)
		return nil
	})
	return submitted, err
}

// VerifyAndReleaseFunds records the supervisor's verdict on a submitted milestone. Funds
// move only when all three checks passed; otherwise the milestone is rejected and the
// contractor may file again at the same checkpoint.
func (s *Service) VerifyAndReleaseFunds(ctx context.Context, caller model.Identity, milestoneID int64, v model.Verification) (*Release, error) {
	const op = "verify_milestone"
	var out *Release

	err := s.observe(ctx, op, func(ctx context.Context, traceID string) error {
		projectID, err := s.store.ProjectOfMilestone(ctx, milestoneID)
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
			m, err := tx.Milestone(ctx, milestoneID)
			if err != nil {
				return err
			}
			if m.Status != model.MilestoneSubmitted {
				return apperr.New(apperr.KindInvalidState, op, "milestone %d is %s", milestoneID, m.Status)
			}
			if p.Status != model.ProjectTenderAssigned {
				return apperr.New(apperr.KindInvalidState, op, "project %d is %s", projectID, p.Status)
			}
			t, err := tx.Tender(ctx, m.TenderID)
			if err != nil {
				return err
			}
			if t.Status != model.TenderApproved {
				return apperr.New(apperr.KindInvalidState, op, "tender %d is %s", t.ID, t.Status)
			}
			if m.Percentage <= t.LastApprovedPercentage {
				return apperr.New(apperr.KindInvalidCheckpoint, op,
					"milestone %d at %d%% is stale, %d%% already approved", milestoneID, m.Percentage, t.LastApprovedPercentage)
			}

			now := s.now()
			if !v.Passed() {
				m.Status = model.MilestoneRejected
				m.UpdatedAt = now
				if err := tx.UpdateMilestone(ctx, m); err != nil {
					return err
				}
				ev := s.event(model.EventMilestoneRejected, projectID, m.ID, caller, traceID, now)
				ev.Milestone = m
				if err := tx.Append(ctx, ev); err != nil {
					return err
				}
				out = &Release{Milestone: m, Tender: t, Project: p}
				return nil
			}

			amount, err := releaseAmount(p.Budget, t.LastApprovedPercentage, m.Percentage)
			if err != nil {
				return err
			}
			if amount > 0 {
				if err := tx.Release(ctx, projectID, t.RevealedContractor, amount); err != nil {
					return err
				}
			}

			m.Status = model.MilestoneApproved
			m.ReleasedAmount = amount
			m.UpdatedAt = now
			if err := tx.UpdateMilestone(ctx, m); err != nil {
				return err
			}
			t.LastApprovedPercentage = m.Percentage
			t.ReleasedAmount += amount
			t.UpdatedAt = now
			if err := tx.UpdateTender(ctx, t); err != nil {
				return err
			}
			ev := s.event(model.EventMilestoneApproved, projectID, m.ID, caller, traceID, now)
			ev.Amount = amount
			ev.Milestone = m
			ev.Tender = t
			if err := tx.Append(ctx, ev); err != nil {
				return err
			}

			if m.Percentage == model.FullCompletion {
				p.Status = model.ProjectCompleted
				p.UpdatedAt = now
				if err := tx.UpdateProject(ctx, p); err != nil {
					return err
				}
				ev := s.event(model.EventProjectCompleted, projectID, projectID, caller, traceID, now)
				ev.Project = p
				if err := tx.Append(ctx, ev); err != nil {
					return err
				}
			}
			out = &Release{Milestone: m, Tender: t, Project: p, Amount: amount, Approved: true}
			return nil
		})
		if err != nil {
			out = nil
			return err
		}

		log := logger.WithTrace(ctx, s.logger).With(
			zap.Int64("project_id", projectID),
			zap.Int64("milestone_id", milestoneID),
			zap.Int("percentage", out.Milestone.Percentage),
		)
		if out.Approved {
			metrics.IncrementMilestoneVerdict("approved")
			metrics.AddFundsReleased(out.Amount)
			log.Info("Milestone approved, funds released",
				zap.Int64("amount", out.Amount),
				zap.String("contractor", out.Tender.RevealedContractor.String()),
			)
		} else {
			metrics.IncrementMilestoneVerdict("rejected")
			log.Info("Milestone rejected",
				zap.Bool("quality_verified", v.Quality),
				zap.Bool("gps_verified", v.GPS),
				zap.Bool("progress_verified", v.Progress),
			)
		}
		return nil
	})
	return out, err
}

// AttestAndRelease asks the oracle to attest the milestone against the project site and
// feeds its verdict to VerifyAndReleaseFunds.
func (s *Service) AttestAndRelease(ctx context.Context, caller model.Identity, milestoneID int64, site model.Coordinates) (*Release, error) {
	const op = "attest_milestone"
	if s.oracle == nil {
		return nil, fmt.Errorf("%s: no oracle configured", op)
	}

	m, err := s.store.Milestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	p, err := s.store.Project(ctx, m.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := s.guard.RequireCommitted(op, caller, p.SupervisorCommitment, authz.RoleSupervisor); err != nil {
		return nil, err
	}
	if m.Status != model.MilestoneSubmitted {
		return nil, apperr.New(apperr.KindInvalidState, op, "milestone %d is %s", milestoneID, m.Status)
	}

	v, err := s.oracle.Attest(ctx, model.Evidence{
		MilestoneID: m.ID,
		Submitted:   m.GPS,
		Site:        site,
		SubmittedAt: m.SubmittedAt,
		CapturedAt:  m.CapturedAt,
		ProofRef:    m.ProofImagesRef,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attest milestone %d: %w", milestoneID, err)
	}
	return s.VerifyAndReleaseFunds(ctx, caller, milestoneID, v)
}

// releaseAmount is the share of budget unlocked by moving from the last approved
// checkpoint to next. It is computed from cumulative shares so that the releases of a
// tender always sum to exactly budget at 100%.
func releaseAmount(budget int64, last, next int) (int64, error) {
	if next <= last || next > model.FullCompletion || last < 0 {
		return 0, apperr.New(apperr.KindInvalidCheckpoint, "release", "cannot release from %d%% to %d%%", last, next)
	}
	amount := new(big.Int).Sub(share(budget, next), share(budget, last))
	if !amount.IsInt64() {
		return 0, fmt.Errorf("release amount overflows: %s", amount)
	}
	return amount.Int64(), nil
}

func share(budget int64, pct int) *big.Int {
	n := new(big.Int).Mul(big.NewInt(budget), big.NewInt(int64(pct)))
	return n.Quo(n, big.NewInt(100))
}

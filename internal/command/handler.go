package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"civicledger/internal/apperr"
	"civicledger/internal/commitment"
	"civicledger/internal/escrow"
	"civicledger/internal/model"
	"civicledger/pkg/logger"
	"civicledger/pkg/metrics"
	"civicledger/pkg/trace"
)

// Ledger is the set of escrow operations commands map onto.
type Ledger interface {
	CreateProject(ctx context.Context, caller model.Identity, name string, budget int64, supervisor commitment.Commitment) (*model.Project, error)
	SubmitAnonymousTender(ctx context.Context, projectID int64, bid commitment.Commitment, encryptedDataRef, tenderDocRef, qualityReportRef string) (*model.Tender, error)
	ApproveTender(ctx context.Context, caller model.Identity, tenderID int64, contractor model.Identity, nonce []byte) (*model.Tender, error)
	SubmitMilestone(ctx context.Context, caller model.Identity, tenderID int64, percentage int, proofImagesRef string, gps model.Coordinates, capturedAt time.Time, architectureRef string, qualityMetrics commitment.Commitment) (*model.Milestone, error)
	VerifyAndReleaseFunds(ctx context.Context, caller model.Identity, milestoneID int64, v model.Verification) (*escrow.Release, error)
	AttestAndRelease(ctx context.Context, caller model.Identity, milestoneID int64, site model.Coordinates) (*escrow.Release, error)
}

// Deduper claims a command id so that redeliveries are applied once.
type Deduper interface {
	AcquireOnce(ctx context.Context, handler string, id string) bool
	Release(ctx context.Context, handler string, id string) error
}

// ResultPublisher delivers command results.
type ResultPublisher interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

const dedupHandler = "ledger_command"

type Handler struct {
	ledger  Ledger
	auth    *Authenticator
	dedup   Deduper
	results ResultPublisher
	logger  *zap.Logger
}

func NewHandler(ledger Ledger, auth *Authenticator, dedup Deduper, results ResultPublisher, log *zap.Logger) *Handler {
	return &Handler{
		ledger:  ledger,
		auth:    auth,
		dedup:   dedup,
		results: results,
		logger:  log,
	}
}

// Handle processes one delivery. Refused commands are answered with a rejected result
// and acknowledged; infrastructure failures are returned so the consumer can retry.
func (h *Handler) Handle(ctx context.Context, data json.RawMessage) error {
	ctx, traceID := trace.Ensure(ctx)
	log := logger.WithTrace(ctx, h.logger)

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to decode command envelope: %w", err)
	}
	if err := validateEnvelope(data); err != nil {
		metrics.IncrementCommandProcessed(string(env.Type), "malformed")
		return err
	}
	log = log.With(zap.String("command_id", env.ID), zap.String("command_type", string(env.Type)))

	if !h.dedup.AcquireOnce(ctx, dedupHandler, env.ID) {
		metrics.IncrementCommandProcessed(string(env.Type), "duplicate")
		return nil
	}

	start := time.Now()
	out, err := h.apply(ctx, env, log)
	result := Result{ID: env.ID, Type: env.Type, TraceID: traceID}

	switch {
	case err == nil:
		result.Status = StatusOK
		result.Data = out
		metrics.IncrementCommandProcessed(string(env.Type), "success")
		log.Info("Command applied", zap.Duration("took", time.Since(start)))
	case apperr.KindOf(err) != "":
		result.Status = StatusRejected
		result.ErrorKind = string(apperr.KindOf(err))
		result.Error = err.Error()
		metrics.IncrementCommandProcessed(string(env.Type), "rejected")
		log.Warn("Command rejected", zap.Error(err))
	default:
		// 释放去重锁，让重投递的消息可以重新处理
		h.releaseDedup(ctx, env.ID, log)
		metrics.IncrementCommandProcessed(string(env.Type), "retry")
		return err
	}

	if err := h.results.PublishWithContext(ctx, ResultRoutingKey, result); err != nil {
		log.Warn("Failed to publish command result", zap.Error(err))
	}
	return nil
}

// apply dispatches env. A panic releases the dedup key before it propagates so the
// redelivered command is not dropped as a duplicate.
func (h *Handler) apply(ctx context.Context, env Envelope, log *zap.Logger) (any, error) {
	defer func() {
		if r := recover(); r != nil {
			h.releaseDedup(ctx, env.ID, log)
			metrics.IncrementCommandProcessed(string(env.Type), "panic")
			panic(r)
		}
	}()
	return h.dispatch(ctx, env)
}

func (h *Handler) releaseDedup(ctx context.Context, id string, log *zap.Logger) {
	if err := h.dedup.Release(ctx, dedupHandler, id); err != nil {
		log.Error("Failed to release dedup key", zap.Error(err))
	}
}

func (h *Handler) dispatch(ctx context.Context, env Envelope) (any, error) {
	if env.Type == TypeSubmitTender {
		var p SubmitTenderPayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		return h.ledger.SubmitAnonymousTender(ctx, p.ProjectID, p.BidCommitment, p.EncryptedDataRef, p.TenderDocRef, p.QualityReportRef)
	}

	caller, err := h.auth.Authenticate(env.Token)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeCreateProject:
		var p CreateProjectPayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		return h.ledger.CreateProject(ctx, caller, p.Name, p.Budget, p.SupervisorCommitment)

	case TypeApproveTender:
		var p ApproveTenderPayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		return h.ledger.ApproveTender(ctx, caller, p.TenderID, model.NormalizeIdentity(p.Contractor), p.Nonce)

	case TypeSubmitMilestone:
		var p SubmitMilestonePayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		return h.ledger.SubmitMilestone(ctx, caller, p.TenderID, p.Percentage, p.ProofImagesRef, p.GPS, p.CapturedAt, p.ArchitectureRef, p.QualityMetricsCommitment)

	case TypeVerifyMilestone:
		var p VerifyMilestonePayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		return h.ledger.VerifyAndReleaseFunds(ctx, caller, p.MilestoneID, model.Verification{
			Quality:  p.QualityVerified,
			GPS:      p.GPSVerified,
			Progress: p.ProgressVerified,
		})

	case TypeAttestMilestone:
		var p AttestMilestonePayload
		if err := decode(env, &p); err != nil {
			return nil, err
		}
		return h.ledger.AttestAndRelease(ctx, caller, p.MilestoneID, p.Site)

	default:
		return nil, apperr.New(apperr.KindInvalidArgument, "command", "unknown command type %q", env.Type)
	}
}

func decode(env Envelope, out any) error {
	if len(env.Payload) == 0 {
		return apperr.New(apperr.KindInvalidArgument, string(env.Type), "missing payload")
	}
	if err := validatePayload(env); err != nil {
		return err
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return apperr.New(apperr.KindInvalidArgument, string(env.Type), "invalid payload: %v", err)
	}
	return nil
}

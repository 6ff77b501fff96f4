// Package escrow implements the anonymous tendering protocol and the milestone escrow
// on top of a ledger.Store. Every operation validates all of its preconditions inside a
// single ledger transaction and either commits every effect or none.
package escrow

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"civicledger/internal/apperr"
	"civicledger/internal/authz"
	"civicledger/internal/ledger"
	"civicledger/internal/model"
	"civicledger/pkg/logger"
	"civicledger/pkg/metrics"
	"civicledger/pkg/otel"
	"civicledger/pkg/trace"
)

// Oracle attests the physical-world facts behind a milestone.
type Oracle interface {
	// Observe is told about every committed milestone submission.
	Observe(ctx context.Context, m *model.Milestone) error
	Attest(ctx context.Context, ev model.Evidence) (model.Verification, error)
}

type Service struct {
	store  ledger.Store
	guard  *authz.Guard
	oracle Oracle
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Service)

// WithOracle enables AttestAndRelease and submission observation.
func WithOracle(o Oracle) Option {
	return func(s *Service) { s.oracle = o }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store ledger.Store, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		guard:  authz.NewGuard(),
		logger: log,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// observe wraps an operation with a span, metrics and failure logging.
func (s *Service) observe(ctx context.Context, op string, fn func(ctx context.Context, traceID string) error) error {
	ctx, traceID := trace.Ensure(ctx)
	ctx, span := otel.StartSpan(ctx, "escrow."+op)
	defer span.End()

	start := time.Now()
	err := fn(ctx, traceID)

	result := "ok"
	log := logger.WithTrace(ctx, s.logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if kind := apperr.KindOf(err); kind != "" {
			result = string(kind)
			span.SetAttributes(attribute.String("ledger.error_kind", result))
			log.Warn("Ledger operation refused", zap.String("operation", op), zap.Error(err))
		} else {
			result = "error"
			log.Error("Ledger operation failed", zap.String("operation", op), zap.Error(err))
		}
	}
	metrics.RecordLedgerOperation(op, result, time.Since(start))
	return err
}

func (s *Service) event(kind model.EventKind, projectID, aggregateID int64, actor model.Identity, traceID string, at time.Time) *model.Event {
	return &model.Event{
		Kind:        kind,
		ProjectID:   projectID,
		AggregateID: aggregateID,
		Actor:       actor,
		TraceID:     traceID,
		CreatedAt:   at,
	}
}

func (s *Service) GetProject(ctx context.Context, id int64) (*model.Project, error) {
	return s.store.Project(ctx, id)
}

func (s *Service) GetTender(ctx context.Context, id int64) (*model.Tender, error) {
	return s.store.Tender(ctx, id)
}

func (s *Service) GetMilestone(ctx context.Context, id int64) (*model.Milestone, error) {
	return s.store.Milestone(ctx, id)
}

func (s *Service) ListTenders(ctx context.Context, projectID int64) ([]*model.Tender, error) {
	if _, err := s.store.Project(ctx, projectID); err != nil {
		return nil, err
	}
	return s.store.TendersByProject(ctx, projectID)
}

func (s *Service) ListMilestones(ctx context.Context, tenderID int64) ([]*model.Milestone, error) {
	if _, err := s.store.Tender(ctx, tenderID); err != nil {
		return nil, err
	}
	return s.store.MilestonesByTender(ctx, tenderID)
}

// Balance returns the funds released to id so far.
func (s *Service) Balance(ctx context.Context, id model.Identity) (int64, error) {
	return s.store.Balance(ctx, id)
}

// EscrowBalance returns the funds still held for projectID.
func (s *Service) EscrowBalance(ctx context.Context, projectID int64) (int64, error) {
	return s.store.EscrowBalance(ctx, projectID)
}

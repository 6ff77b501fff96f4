package oracle

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"civicledger/internal/model"
	"civicledger/pkg/logger"
)

type Config struct {
	RadiusKm     float64       `yaml:"radius_km"`
	Tolerance    time.Duration `yaml:"tolerance"`
	DuplicateTTL time.Duration `yaml:"duplicate_ttl"`
}

// Fetcher retrieves content by reference and checks its integrity.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Attestor turns milestone evidence into a verification verdict.
type Attestor struct {
	cfg     Config
	dup     *DuplicateChecker
	fetcher Fetcher
	logger  *zap.Logger
}

type AttestorOption func(*Attestor)

// WithFetcher makes proof retrievability part of the quality check.
func WithFetcher(f Fetcher) AttestorOption {
	return func(a *Attestor) { a.fetcher = f }
}

func NewAttestor(cfg Config, dup *DuplicateChecker, log *zap.Logger, opts ...AttestorOption) *Attestor {
	if cfg.RadiusKm <= 0 {
		cfg.RadiusKm = DefaultRadiusKm
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	a := &Attestor{
		cfg:    cfg,
		dup:    dup,
		logger: log,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Observe records the proof of a newly submitted milestone for duplicate detection.
// Refiling the same proof under one tender is not a duplicate.
func (a *Attestor) Observe(ctx context.Context, m *model.Milestone) error {
	if m.ProofImagesRef == "" {
		return nil
	}
	_, err := a.dup.Record(ctx, m.ProofImagesRef, strconv.FormatInt(m.TenderID, 10))
	return err
}

// Attest checks location against the site, the proof's capture time against the
// filing time, and the proof for duplicates and, when a fetcher is configured,
// retrievability. The verdict does not depend on when Attest is called.
func (a *Attestor) Attest(ctx context.Context, ev model.Evidence) (model.Verification, error) {
	log := logger.WithTrace(ctx, a.logger).With(zap.Int64("milestone_id", ev.MilestoneID))

	v := model.Verification{
		GPS:      CheckGeofence(ev.Submitted, ev.Site, a.cfg.RadiusKm),
		Progress: CheckTimestamp(ev.SubmittedAt, ev.CapturedAt, a.cfg.Tolerance),
	}

	quality, err := a.checkProof(ctx, ev.ProofRef)
	if err != nil {
		return model.Verification{}, err
	}
	v.Quality = quality

	log.Info("Milestone attested",
		zap.Bool("gps_verified", v.GPS),
		zap.Bool("progress_verified", v.Progress),
		zap.Bool("quality_verified", v.Quality),
		zap.Float64("distance_km", DistanceKm(ev.Submitted, ev.Site)),
	)
	return v, nil
}

func (a *Attestor) checkProof(ctx context.Context, ref string) (bool, error) {
	if ref == "" {
		return false, nil
	}
	unique, err := a.dup.CheckDuplicate(ctx, ref)
	if err != nil {
		return false, err
	}
	if !unique {
		return false, nil
	}
	if a.fetcher == nil {
		return true, nil
	}
	if _, err := a.fetcher.Fetch(ctx, ref); err != nil {
		logger.WithTrace(ctx, a.logger).Warn("Proof not retrievable",
			zap.String("ref", ref),
			zap.Error(err),
		)
		return false, nil
	}
	return true, nil
}

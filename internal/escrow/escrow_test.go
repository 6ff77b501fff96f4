package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"civicledger/internal/apperr"
	"civicledger/internal/commitment"
	"civicledger/internal/ledger"
	"civicledger/internal/model"
	"civicledger/internal/oracle"
)

const (
	admin      = model.Identity("0xadmin")
	supervisor = model.Identity("0xsupervisor")
	contractor = model.Identity("0xbuilder")
	stranger   = model.Identity("0xstranger")
)

var (
	allPass = model.Verification{Quality: true, GPS: true, Progress: true}
	site    = model.Coordinates{Lat: 30.2672, Lng: -97.7431}
)

type fixture struct {
	svc   *Service
	store *ledger.MemoryStore
	nonce []byte
	now   time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store: ledger.NewMemoryStore(),
		nonce: []byte("contractor-nonce"),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	opts = append([]Option{WithClock(func() time.Time { return f.now })}, opts...)
	f.svc = NewService(f.store, zap.NewNop(), opts...)
	return f
}

func (f *fixture) project(t *testing.T, budget int64) *model.Project {
	t.Helper()
	p, err := f.svc.CreateProject(context.Background(), admin, "bridge", budget, commitment.Identity(supervisor.String()))
	require.NoError(t, err)
	return p
}

func (f *fixture) tender(t *testing.T, projectID int64, who model.Identity, nonce []byte) *model.Tender {
	t.Helper()
	td, err := f.svc.SubmitAnonymousTender(context.Background(), projectID,
		commitment.Bid(who.String(), nonce), "sha256-bid", "sha256-doc", "sha256-quality")
	require.NoError(t, err)
	return td
}

func (f *fixture) assigned(t *testing.T, budget int64) (*model.Project, *model.Tender) {
	t.Helper()
	p := f.project(t, budget)
	td := f.tender(t, p.ID, contractor, f.nonce)
	td, err := f.svc.ApproveTender(context.Background(), supervisor, td.ID, contractor, f.nonce)
	require.NoError(t, err)
	return p, td
}

func (f *fixture) milestone(t *testing.T, tenderID int64, pct int) *model.Milestone {
	t.Helper()
	m, err := f.svc.SubmitMilestone(context.Background(), contractor, tenderID, pct,
		"sha256-proof", site, f.now.Add(-time.Minute), "sha256-plan", commitment.Commit([]byte("metrics")))
	require.NoError(t, err)
	return m
}

func TestCreateProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.project(t, 10)
	assert.Equal(t, model.ProjectCreated, p.Status)
	assert.Equal(t, admin, p.Admin)

	held, err := f.svc.EscrowBalance(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), held)

	_, err = f.svc.CreateProject(ctx, admin, "bridge", 0, commitment.Identity(supervisor.String()))
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = f.svc.CreateProject(ctx, admin, "bridge", -5, commitment.Identity(supervisor.String()))
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = f.svc.CreateProject(ctx, admin, "bridge", 10, commitment.Zero)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	second := f.project(t, 5)
	assert.Greater(t, second.ID, p.ID)
}

func TestSubmitAnonymousTender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, 10)

	td := f.tender(t, p.ID, contractor, f.nonce)
	assert.Equal(t, model.TenderSubmitted, td.Status)
	assert.True(t, td.RevealedContractor.IsZero())

	_, err := f.svc.SubmitAnonymousTender(ctx, 999, commitment.Bid("x", f.nonce), "", "", "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.SubmitAnonymousTender(ctx, p.ID, commitment.Zero, "", "", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestApproveTender_RevealsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, 10)
	td := f.tender(t, p.ID, contractor, f.nonce)

	approved, err := f.svc.ApproveTender(ctx, supervisor, td.ID, contractor, f.nonce)
	require.NoError(t, err)
	assert.Equal(t, model.TenderApproved, approved.Status)
	assert.Equal(t, contractor, approved.RevealedContractor)

	project, err := f.svc.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProjectTenderAssigned, project.Status)

	_, err = f.svc.ApproveTender(ctx, supervisor, td.ID, stranger, f.nonce)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	got, err := f.svc.GetTender(ctx, td.ID)
	require.NoError(t, err)
	assert.Equal(t, contractor, got.RevealedContractor)
}

func TestApproveTender_RequiresCommittedSupervisor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, 10)
	td := f.tender(t, p.ID, contractor, f.nonce)

	for _, caller := range []model.Identity{admin, stranger, contractor, model.NoIdentity} {
		_, err := f.svc.ApproveTender(ctx, caller, td.ID, contractor, f.nonce)
		assert.ErrorIs(t, err, apperr.ErrUnauthorized, caller)
	}

	got, err := f.svc.GetTender(ctx, td.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TenderSubmitted, got.Status)
	assert.True(t, got.RevealedContractor.IsZero())
}

func TestApproveTender_MismatchLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, 10)
	td := f.tender(t, p.ID, contractor, f.nonce)
	before := f.store.Snapshot()

	cases := []struct {
		name  string
		who   model.Identity
		nonce []byte
	}{
		{"wrong identity", stranger, f.nonce},
		{"wrong nonce", contractor, []byte("guess")},
		{"empty nonce", contractor, nil},
		{"empty identity", model.NoIdentity, f.nonce},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.ApproveTender(ctx, supervisor, td.ID, tc.who, tc.nonce)
			assert.ErrorIs(t, err, apperr.ErrCommitmentMismatch)
		})
	}

	assert.Equal(t, before, f.store.Snapshot())
}

func TestApproveTender_ClosesTendering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, 10)
	loser := f.tender(t, p.ID, stranger, []byte("other-nonce"))
	winner := f.tender(t, p.ID, contractor, f.nonce)

	_, err := f.svc.ApproveTender(ctx, supervisor, winner.ID, contractor, f.nonce)
	require.NoError(t, err)

	got, err := f.svc.GetTender(ctx, loser.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TenderRejected, got.Status)
	assert.True(t, got.RevealedContractor.IsZero())

	_, err = f.svc.ApproveTender(ctx, supervisor, loser.ID, stranger, []byte("other-nonce"))
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = f.svc.SubmitAnonymousTender(ctx, p.ID, commitment.Bid("late", f.nonce), "", "", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	tenders, err := f.svc.ListTenders(ctx, p.ID)
	require.NoError(t, err)
	approved := 0
	for _, td := range tenders {
		if td.Status == model.TenderApproved {
			approved++
		}
	}
	assert.Equal(t, 1, approved)
}

func TestSubmitMilestone_Checkpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, td := f.assigned(t, 10)

	for _, pct := range []int{0, 10, 25, 50, 110, -20} {
		_, err := f.svc.SubmitMilestone(ctx, contractor, td.ID, pct, "p", site, time.Time{}, "a", commitment.Zero)
		assert.ErrorIs(t, err, apperr.ErrInvalidCheckpoint, pct)
	}

	m := f.milestone(t, td.ID, 40)
	_, err := f.svc.VerifyAndReleaseFunds(ctx, supervisor, m.ID, allPass)
	require.NoError(t, err)

	for _, pct := range []int{20, 40} {
		_, err := f.svc.SubmitMilestone(ctx, contractor, td.ID, pct, "p", site, time.Time{}, "a", commitment.Zero)
		assert.ErrorIs(t, err, apperr.ErrInvalidCheckpoint, pct)
	}
	f.milestone(t, td.ID, 60)
}

func TestSubmitMilestone_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, 10)
	td := f.tender(t, p.ID, contractor, f.nonce)

	_, err := f.svc.SubmitMilestone(ctx, contractor, td.ID, 20, "p", site, time.Time{}, "a", commitment.Zero)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = f.svc.ApproveTender(ctx, supervisor, td.ID, contractor, f.nonce)
	require.NoError(t, err)

	_, err = f.svc.SubmitMilestone(ctx, stranger, td.ID, 20, "p", site, time.Time{}, "a", commitment.Zero)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	_, err = f.svc.SubmitMilestone(ctx, supervisor, td.ID, 20, "p", site, time.Time{}, "a", commitment.Zero)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = f.svc.SubmitMilestone(ctx, contractor, td.ID, 20, "p", model.Coordinates{Lat: 91}, time.Time{}, "a", commitment.Zero)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = f.svc.SubmitMilestone(ctx, contractor, 999, 20, "p", site, time.Time{}, "a", commitment.Zero)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestVerifyAndReleaseFunds_RequiresAllChecks(t *testing.T) {
	verdicts := []model.Verification{
		{Quality: false, GPS: true, Progress: true},
		{Quality: true, GPS: false, Progress: true},
		{Quality: true, GPS: true, Progress: false},
		{},
	}
	for _, v := range verdicts {
		f := newFixture(t)
		ctx := context.Background()
		p, td := f.assigned(t, 10)
		m := f.milestone(t, td.ID, 20)

		rel, err := f.svc.VerifyAndReleaseFunds(ctx, supervisor, m.ID, v)
		require.NoError(t, err)
		assert.False(t, rel.Approved)
		assert.Zero(t, rel.Amount)
		assert.Equal(t, model.MilestoneRejected, rel.Milestone.Status)

		bal, err := f.svc.Balance(ctx, contractor)
		require.NoError(t, err)
		assert.Zero(t, bal)
		held, err := f.svc.EscrowBalance(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(10), held)

		// a rejected checkpoint can be filed again
		retry := f.milestone(t, td.ID, 20)
		rel, err = f.svc.VerifyAndReleaseFunds(ctx, supervisor, retry.ID, allPass)
		require.NoError(t, err)
		assert.Equal(t, int64(2), rel.Amount)
	}
}

func TestVerifyAndReleaseFunds_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, td := f.assigned(t, 10)
	m := f.milestone(t, td.ID, 20)
	before := f.store.Snapshot()

	for _, caller := range []model.Identity{admin, contractor, stranger} {
		_, err := f.svc.VerifyAndReleaseFunds(ctx, caller, m.ID, allPass)
		assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	}
	assert.Equal(t, before, f.store.Snapshot())

	_, err := f.svc.VerifyAndReleaseFunds(ctx, supervisor, 999, allPass)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.VerifyAndReleaseFunds(ctx, supervisor, m.ID, allPass)
	require.NoError(t, err)
	_, err = f.svc.VerifyAndReleaseFunds(ctx, supervisor, m.ID, allPass)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestVerifyAndReleaseFunds_StaleDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, td := f.assigned(t, 10)
	first := f.milestone(t, td.ID, 20)
	dup := f.milestone(t, td.ID, 20)

	_, err := f.svc.VerifyAndReleaseFunds(ctx, supervisor, first.ID, allPass)
	require.NoError(t, err)

	_, err = f.svc.VerifyAndReleaseFunds(ctx, supervisor, dup.ID, allPass)
	assert.ErrorIs(t, err, apperr.ErrInvalidCheckpoint)

	bal, err := f.svc.Balance(ctx, contractor)
	require.NoError(t, err)
	assert.Equal(t, int64(2), bal)
}

func TestEndToEnd_BudgetTen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, td := f.assigned(t, 10)

	m := f.milestone(t, td.ID, 20)
	rel, err := f.svc.VerifyAndReleaseFunds(ctx, supervisor, m.ID, allPass)
	require.NoError(t, err)
	assert.True(t, rel.Approved)
	assert.Equal(t, int64(2), rel.Amount)
	assert.Equal(t, model.MilestoneApproved, rel.Milestone.Status)

	bal, err := f.svc.Balance(ctx, contractor)
	require.NoError(t, err)
	assert.Equal(t, int64(2), bal)

	for _, pct := range []int{40, 60, 80, 100} {
		m := f.milestone(t, td.ID, pct)
		_, err := f.svc.VerifyAndReleaseFunds(ctx, supervisor, m.ID, allPass)
		require.NoError(t, err)
	}

	project, err := f.svc.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProjectCompleted, project.Status)

	bal, err = f.svc.Balance(ctx, contractor)
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal)

	held, err := f.svc.EscrowBalance(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, held)

	tender, err := f.svc.GetTender(ctx, td.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), tender.ReleasedAmount)
	assert.Equal(t, 100, tender.LastApprovedPercentage)

	_, err = f.svc.SubmitMilestone(ctx, contractor, td.ID, 100, "p", site, time.Time{}, "a", commitment.Zero)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	milestones, err := f.svc.ListMilestones(ctx, td.ID)
	require.NoError(t, err)
	assert.Len(t, milestones, 5)
}

func TestCumulativeReleaseNeverExceedsBudget(t *testing.T) {
	for _, budget := range []int64{1, 7, 10, 333, 1_000_003} {
		f := newFixture(t)
		ctx := context.Background()
		_, td := f.assigned(t, budget)

		var released int64
		for _, pct := range []int{20, 60, 100} {
			m := f.milestone(t, td.ID, pct)
			rel, err := f.svc.VerifyAndReleaseFunds(ctx, supervisor, m.ID, allPass)
			require.NoError(t, err)
			released += rel.Amount
			assert.LessOrEqual(t, released, budget)
		}
		assert.Equal(t, budget, released, budget)
	}
}

func TestReleaseAmount(t *testing.T) {
	amount, err := releaseAmount(10, 0, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(2), amount)

	amount, err = releaseAmount(1<<62, 80, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<62)-int64(1<<62)/100*80-((int64(1<<62)%100)*80)/100, amount)

	_, err = releaseAmount(10, 40, 40)
	assert.ErrorIs(t, err, apperr.ErrInvalidCheckpoint)
}

func TestReplayMatchesLiveProjection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, td := f.assigned(t, 10)
	f.tender(t, f.project(t, 50).ID, stranger, []byte("n"))

	rejected := f.milestone(t, td.ID, 20)
	_, err := f.svc.VerifyAndReleaseFunds(ctx, supervisor, rejected.ID, model.Verification{})
	require.NoError(t, err)
	for _, pct := range []int{20, 100} {
		m := f.milestone(t, td.ID, pct)
		_, err := f.svc.VerifyAndReleaseFunds(ctx, supervisor, m.ID, allPass)
		require.NoError(t, err)
	}

	events, err := f.store.Events(ctx, 0, 0)
	require.NoError(t, err)
	replayed, err := ledger.Replay(events)
	require.NoError(t, err)
	assert.Equal(t, f.store.Snapshot(), replayed)
	assert.Equal(t, model.ProjectCompleted, replayed.Projects[p.ID].Status)
}

type stubOracle struct {
	verdict  model.Verification
	err      error
	observed []int64
	evidence []model.Evidence
}

func (o *stubOracle) Observe(ctx context.Context, m *model.Milestone) error {
	o.observed = append(o.observed, m.ID)
	return errors.New("counter unavailable")
}

func (o *stubOracle) Attest(ctx context.Context, ev model.Evidence) (model.Verification, error) {
	o.evidence = append(o.evidence, ev)
	return o.verdict, o.err
}

func TestAttestAndRelease(t *testing.T) {
	oracle := &stubOracle{verdict: allPass}
	f := newFixture(t, WithOracle(oracle))
	ctx := context.Background()
	_, td := f.assigned(t, 10)
	m := f.milestone(t, td.ID, 20)
	assert.Equal(t, []int64{m.ID}, oracle.observed)

	_, err := f.svc.AttestAndRelease(ctx, stranger, m.ID, site)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	assert.Empty(t, oracle.evidence)

	rel, err := f.svc.AttestAndRelease(ctx, supervisor, m.ID, site)
	require.NoError(t, err)
	assert.True(t, rel.Approved)
	require.Len(t, oracle.evidence, 1)
	assert.Equal(t, "sha256-proof", oracle.evidence[0].ProofRef)
	assert.Equal(t, site, oracle.evidence[0].Submitted)

	oracle.err = errors.New("oracle offline")
	next := f.milestone(t, td.ID, 40)
	_, err = f.svc.AttestAndRelease(ctx, supervisor, next.ID, site)
	require.Error(t, err)
	assert.Empty(t, apperr.KindOf(err))

	got, err := f.svc.GetMilestone(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneSubmitted, got.Status)
}

func TestAttestAndRelease_LongAfterFiling(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	attestor := oracle.NewAttestor(oracle.Config{}, oracle.NewDuplicateChecker(rdb, time.Hour), zap.NewNop())
	f := newFixture(t, WithOracle(attestor))
	ctx := context.Background()
	_, td := f.assigned(t, 10)

	// proof captured well outside the tolerance is rejected, then refiled with fresh timing
	stale, err := f.svc.SubmitMilestone(ctx, contractor, td.ID, 20, "sha256-proof", site,
		f.now.Add(-time.Hour), "sha256-plan", commitment.Zero)
	require.NoError(t, err)
	rel, err := f.svc.AttestAndRelease(ctx, supervisor, stale.ID, site)
	require.NoError(t, err)
	assert.False(t, rel.Approved)

	m := f.milestone(t, td.ID, 20)
	f.now = f.now.Add(10 * time.Minute)

	rel, err = f.svc.AttestAndRelease(ctx, supervisor, m.ID, site)
	require.NoError(t, err)
	assert.True(t, rel.Approved)
	assert.Equal(t, int64(2), rel.Amount)

	bal, err := f.svc.Balance(ctx, contractor)
	require.NoError(t, err)
	assert.Equal(t, int64(2), bal)
}

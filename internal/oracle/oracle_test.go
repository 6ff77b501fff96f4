package oracle

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

	"civicledger/internal/model"
)

var (
	austin = model.Coordinates{Lat: 30.2672, Lng: -97.7431}
	// roughly 1,400 km north-east of austin
	stLouis = model.Coordinates{Lat: 38.6270, Lng: -90.1994}
)

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	return redis.NewClient(&redis.Options{Addr: mr.Addr()}), mr
}

func TestDistanceKm(t *testing.T) {
	assert.InDelta(t, 0, DistanceKm(austin, austin), 1e-9)
	assert.InDelta(t, 111.19, DistanceKm(model.Coordinates{}, model.Coordinates{Lat: 1}), 0.05)
	assert.InDelta(t, 1200, DistanceKm(austin, stLouis), 250)
}

func TestCheckGeofence(t *testing.T) {
	assert.True(t, CheckGeofence(austin, austin, DefaultRadiusKm))
	assert.False(t, CheckGeofence(austin, stLouis, DefaultRadiusKm))

	near := model.Coordinates{Lat: austin.Lat + 0.02, Lng: austin.Lng}
	assert.True(t, CheckGeofence(near, austin, DefaultRadiusKm))
	assert.True(t, CheckGeofence(near, austin, 0))
	assert.False(t, CheckGeofence(near, austin, 1))

	assert.False(t, CheckGeofence(model.Coordinates{Lat: 95}, austin, DefaultRadiusKm))
}

func TestCheckTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, CheckTimestamp(now, now.Add(-100*time.Second), DefaultTolerance))
	assert.False(t, CheckTimestamp(now, now.Add(-1000*time.Second), DefaultTolerance))
	assert.True(t, CheckTimestamp(now, now.Add(100*time.Second), DefaultTolerance))
	assert.True(t, CheckTimestamp(now, now.Add(-300*time.Second), 0))
	assert.False(t, CheckTimestamp(now, time.Time{}, DefaultTolerance))
}

func TestDuplicateChecker(t *testing.T) {
	rdb, mr := setupRedis(t)
	d := NewDuplicateChecker(rdb, time.Hour)
	ctx := context.Background()

	ok, err := d.CheckDuplicate(ctx, "sha256-a")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := d.Record(ctx, "sha256-a", "1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, time.Hour, mr.TTL(duplicateKey("sha256-a")))

	// the same tender refiling its proof is not a duplicate
	n, err = d.Record(ctx, "sha256-a", "1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	ok, err = d.CheckDuplicate(ctx, "sha256-a")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err = d.Record(ctx, "sha256-a", "2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	ok, err = d.CheckDuplicate(ctx, "sha256-a")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = d.CheckDuplicate(ctx, "sha256-b")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Hour)
	ok, err = d.CheckDuplicate(ctx, "sha256-a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDuplicateChecker_NoTTL(t *testing.T) {
	rdb, mr := setupRedis(t)
	d := NewDuplicateChecker(rdb, 0)

	_, err := d.Record(context.Background(), "sha256-a", "1")
	require.NoError(t, err)
	assert.Zero(t, mr.TTL(duplicateKey("sha256-a")))
}

func TestDuplicateChecker_RedisDown(t *testing.T) {
	rdb, mr := setupRedis(t)
	d := NewDuplicateChecker(rdb, 0)
	mr.Close()

	_, err := d.Record(context.Background(), "sha256-a", "1")
	assert.Error(t, err)
	_, err = d.CheckDuplicate(context.Background(), "sha256-a")
	assert.Error(t, err)
}

type fakeFetcher struct{ err error }

func (f fakeFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	return []byte("proof"), f.err
}

func TestAttestor(t *testing.T) {
	rdb, _ := setupRedis(t)
	filed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	newAttestor := func(opts ...AttestorOption) *Attestor {
		return NewAttestor(Config{}, NewDuplicateChecker(rdb, time.Hour), zap.NewNop(), opts...)
	}

	m := &model.Milestone{ID: 1, TenderID: 7, ProofImagesRef: "sha256-proof", GPS: austin,
		SubmittedAt: filed, CapturedAt: filed.Add(-100 * time.Second)}
	ev := model.Evidence{MilestoneID: 1, Submitted: m.GPS, Site: austin, SubmittedAt: m.SubmittedAt,
		CapturedAt: m.CapturedAt, ProofRef: m.ProofImagesRef}

	a := newAttestor()
	require.NoError(t, a.Observe(ctx, m))
	v, err := a.Attest(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, model.Verification{Quality: true, GPS: true, Progress: true}, v)

	far := ev
	far.Site = stLouis
	far.CapturedAt = filed.Add(-1000 * time.Second)
	v, err = a.Attest(ctx, far)
	require.NoError(t, err)
	assert.False(t, v.GPS)
	assert.False(t, v.Progress)
	assert.True(t, v.Quality)

	uncaptured := ev
	uncaptured.CapturedAt = time.Time{}
	v, err = a.Attest(ctx, uncaptured)
	require.NoError(t, err)
	assert.False(t, v.Progress)

	v, err = newAttestor(WithFetcher(fakeFetcher{err: errors.New("all gateways failed")})).Attest(ctx, ev)
	require.NoError(t, err)
	assert.False(t, v.Quality)

	// refiled by the same tender after a rejection
	require.NoError(t, a.Observe(ctx, m))
	v, err = a.Attest(ctx, ev)
	require.NoError(t, err)
	assert.True(t, v.Quality)

	other := *m
	other.ID, other.TenderID = 2, 8
	require.NoError(t, a.Observe(ctx, &other))
	v, err = a.Attest(ctx, ev)
	require.NoError(t, err)
	assert.False(t, v.Quality)
	assert.True(t, v.GPS)

	missing := ev
	missing.ProofRef = ""
	v, err = a.Attest(ctx, missing)
	require.NoError(t, err)
	assert.False(t, v.Quality)
}

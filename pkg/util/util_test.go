package util

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) *redis.Client {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestDeduper_AcquireOnce(t *testing.T) {
	d := NewDeduper(setupRedis(t), time.Minute)
	ctx := context.Background()

	assert.True(t, d.AcquireOnce(ctx, "cmd", "a"))
	assert.False(t, d.AcquireOnce(ctx, "cmd", "a"))
	assert.True(t, d.AcquireOnce(ctx, "cmd", "b"))

	require.NoError(t, d.Release(ctx, "cmd", "a"))
	assert.True(t, d.AcquireOnce(ctx, "cmd", "a"))
}

func TestRetryCounter(t *testing.T) {
	r := NewRetryCounter(setupRedis(t), time.Minute)
	ctx := context.Background()
	key := FormatRetryKey("q", "m1")

	n, err := r.IncrementAndGet(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = r.IncrementAndGet(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := r.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)

	require.NoError(t, r.Reset(ctx, key))
	got, err = r.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}

type classified struct{ retry bool }

func (c classified) Error() string   { return "classified" }
func (c classified) Retryable() bool { return c.retry }
func (c classified) Code() string    { return "custom" }

func TestIsRetryableError(t *testing.T) {
	var syntaxErr *json.SyntaxError
	jsonErr := json.Unmarshal([]byte("{"), &struct{}{})
	require.ErrorAs(t, jsonErr, &syntaxErr)

	tests := []struct {
		name      string
		err       error
		retryable bool
		kind      string
	}{
		{"nil", nil, false, ""},
		{"classified final", fmt.Errorf("wrap: %w", classified{retry: false}), false, "custom"},
		{"classified retry", classified{retry: true}, true, "custom"},
		{"json", jsonErr, false, "json_decode_error"},
		{"deadline", context.DeadlineExceeded, true, "timeout"},
		{"canceled", context.Canceled, false, "context_canceled"},
		{"serialization", &pgconn.PgError{Code: "40001"}, true, "serialization_failure"},
		{"unique", &pgconn.PgError{Code: "23505"}, false, "duplicate_key"},
		{"unknown", fmt.Errorf("boom"), false, "unknown_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retryable, kind := IsRetryableError(tt.err)
			assert.Equal(t, tt.retryable, retryable)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, ShouldRetry(3, 3, true))
	assert.False(t, ShouldRetry(4, 3, true))
	assert.False(t, ShouldRetry(1, 3, false))
}

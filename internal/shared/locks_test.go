package shared

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newLocker(t *testing.T) (*redislock.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redislock.New(client), mr
}

func TestRunExclusiveHoldsAndReleases(t *testing.T) {
	locker, mr := newLocker(t)
	key := JobLockKey("ledger:integrity")
	require.Equal(t, "posting:jobs:ledger:integrity:lock", key)

	err := RunExclusive(context.Background(), locker, key, time.Minute, func(ctx context.Context) error {
		require.True(t, mr.Exists(key))
		err := RunExclusive(ctx, locker, key, time.Minute, func(context.Context) error {
			t.Fatal("nested run must not acquire the lock")
			return nil
		})
		require.ErrorIs(t, err, ErrLockHeld)
		return nil
	})
	require.NoError(t, err)
	require.False(t, mr.Exists(key))
}

func TestRunExclusivePropagatesError(t *testing.T) {
	locker, mr := newLocker(t)
	boom := errors.New("boom")

	err := RunExclusive(context.Background(), locker, "k", time.Minute, func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	require.False(t, mr.Exists("k"))
}

func TestRunExclusiveWithoutLocker(t *testing.T) {
	ran := false
	require.NoError(t, RunExclusive(context.Background(), nil, "k", time.Minute, func(context.Context) error {
		ran = true
		return nil
	}))
	require.True(t, ran)
}

func TestRunExclusiveRedisDown(t *testing.T) {
	locker, mr := newLocker(t)
	mr.Close()

	err := RunExclusive(context.Background(), locker, "k", time.Minute, func(context.Context) error { return nil })
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrLockHeld)
}

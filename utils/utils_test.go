package utils

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fail() (any, error)    { return nil, errors.New("dependency down") }
func succeed() (any, error) { return "ok", nil }

func testBreaker() *Breaker {
	return NewBreaker("test", BreakerConfig{
		MinCalls:     4,
		FailureRatio: 0.5,
		Cooldown:     time.Minute,
		HalfOpenMax:  2,
	})
}

func TestBreaker_PassesResultsThrough(t *testing.T) {
	b := testBreaker()
	ctx := context.Background()

	res, err := b.Do(ctx, succeed)
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, BreakerClosed, b.State())

	_, err = b.Do(ctx, fail)
	assert.EqualError(t, err, "dependency down")
	assert.Equal(t, BreakerClosed, b.State(), "one failure does not trip")
}

func TestBreaker_OpensOnFailureRatio(t *testing.T) {
	b := testBreaker()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		b.Do(ctx, fail)
	}
	assert.Equal(t, BreakerOpen, b.State())

	_, err := b.Do(ctx, func() (any, error) {
		t.Fatal("open breaker must not call through")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrBreakerOpen)
}

func TestBreaker_StaysClosedBelowMinCalls(t *testing.T) {
	b := testBreaker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Do(ctx, fail)
	}
	assert.Equal(t, BreakerClosed, b.State(), "too few calls to judge the ratio")
}

func TestBreaker_RecoversThroughHalfOpen(t *testing.T) {
	b := testBreaker()
	ctx := context.Background()

	clock := time.Now()
	b.now = func() time.Time { return clock }

	for i := 0; i < 4; i++ {
		b.Do(ctx, fail)
	}
	require.Equal(t, BreakerOpen, b.State())

	clock = clock.Add(2 * time.Minute)
	assert.Equal(t, BreakerHalfOpen, b.State())

	// Two trial successes close it again.
	_, err := b.Do(ctx, succeed)
	require.NoError(t, err)
	_, err = b.Do(ctx, succeed)
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := testBreaker()
	ctx := context.Background()

	clock := time.Now()
	b.now = func() time.Time { return clock }

	for i := 0; i < 4; i++ {
		b.Do(ctx, fail)
	}
	clock = clock.Add(2 * time.Minute)
	require.Equal(t, BreakerHalfOpen, b.State())

	b.Do(ctx, fail)
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreaker_HalfOpenCapsTrialCalls(t *testing.T) {
	b := testBreaker()
	ctx := context.Background()

	clock := time.Now()
	b.now = func() time.Time { return clock }

	for i := 0; i < 4; i++ {
		b.Do(ctx, fail)
	}
	clock = clock.Add(2 * time.Minute)
	require.Equal(t, BreakerHalfOpen, b.State())

	var inFlight sync.WaitGroup
	release := make(chan struct{})
	for i := 0; i < 2; i++ {
		inFlight.Add(1)
		go func() {
			defer inFlight.Done()
			b.Do(ctx, func() (any, error) {
				<-release
				return "ok", nil
			})
		}()
	}

	// Give the two trial calls time to be admitted.
	time.Sleep(50 * time.Millisecond)
	_, err := b.Do(ctx, succeed)
	assert.ErrorIs(t, err, ErrBreakerOpen, "third trial call is shed")

	close(release)
	inFlight.Wait()
}

func TestBreaker_CancelledContext(t *testing.T) {
	b := testBreaker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Do(ctx, func() (any, error) {
		t.Fatal("must not call through with a dead context")
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, BreakerClosed, b.State(), "caller's cancellation is not a dependency failure")
}

func TestRandomRef(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		ref, err := RandomRef(5)
		require.NoError(t, err)
		assert.Len(t, ref, 10, "5 bytes hex-encoded")
		assert.Equal(t, strings.ToUpper(ref), ref)
		seen[ref] = true
	}
	assert.Len(t, seen, 100, "collisions this early would be alarming")
}

func TestNumericCode(t *testing.T) {
	code, err := NumericCode(8)
	require.NoError(t, err)
	assert.Len(t, code, 8)
	for _, r := range code {
		assert.True(t, r >= '0' && r <= '9')
	}
}

func TestRedisHealthCheck(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mock.ExpectPing().SetVal("PONG")
	require.NoError(t, RedisHealthCheck(db))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisHealthCheck_Down(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mock.ExpectPing().SetErr(errors.New("connection refused"))

	err := RedisHealthCheck(db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis health check failed")
}

package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/BradenHooton/ladderguard/internal/models"
	"github.com/BradenHooton/ladderguard/internal/services"
	"github.com/BradenHooton/ladderguard/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLockoutService(sink logger.EventSink) *services.LockoutService {
	s := newMemoryStore()
	limiter := services.NewRateLimitService(s, sink, discardLogger())
	return services.NewLockoutService(s, limiter, sink, discardLogger(), 5, 15*time.Minute)
}

func TestLockout_EngagesAtThresholdAndExpires(t *testing.T) {
	sink := &RecordingSink{}
	svc := newLockoutService(sink)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		locked := svc.RecordFailure(ctx, at(time.Duration(i)*time.Second), "login", "alice")
		assert.False(t, locked, "failure %d", i)
	}
	assert.False(t, svc.IsLocked(ctx, at(5*time.Second), "login", "alice"))

	require.True(t, svc.RecordFailure(ctx, at(5*time.Second), "login", "alice"))
	assert.True(t, svc.IsLocked(ctx, at(6*time.Second), "login", "alice"))
	assert.Equal(t, 5, svc.Attempts(ctx, at(6*time.Second), "login", "alice"))
	assert.Equal(t, 15*time.Minute-time.Second, svc.Remaining(ctx, at(6*time.Second), "login", "alice"))
	assert.Contains(t, sink.Types(), logger.EventLockoutEngaged)
	assert.Contains(t, sink.Types(), logger.EventIdentifierBlocked)

	// Failures while locked are not counted
	assert.True(t, svc.RecordFailure(ctx, at(time.Minute), "login", "alice"))
	assert.Equal(t, 5, svc.Attempts(ctx, at(time.Minute), "login", "alice"))

	after := at(5*time.Second + 15*time.Minute)
	assert.False(t, svc.IsLocked(ctx, after, "login", "alice"))
	assert.Equal(t, 0, svc.Attempts(ctx, after, "login", "alice"))
	assert.Equal(t, time.Duration(0), svc.Remaining(ctx, after, "login", "alice"))

	// A fresh count starts after the lockout ran out
	assert.False(t, svc.RecordFailure(ctx, after, "login", "alice"))
	assert.Equal(t, 1, svc.Attempts(ctx, after, "login", "alice"))
}

func TestLockout_ResetClearsCounterAndBlock(t *testing.T) {
	svc := newLockoutService(nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		svc.RecordFailure(ctx, at(0), "login", "bob")
	}
	require.True(t, svc.IsLocked(ctx, at(time.Second), "login", "bob"))

	svc.Reset(ctx, at(time.Second), "login", "bob")
	assert.False(t, svc.IsLocked(ctx, at(2*time.Second), "login", "bob"))
	assert.Equal(t, 0, svc.Attempts(ctx, at(2*time.Second), "login", "bob"))
}

func TestLockout_UnblockLiftsLockout(t *testing.T) {
	s := newMemoryStore()
	limiter := services.NewRateLimitService(s, nil, discardLogger())
	svc := services.NewLockoutService(s, limiter, nil, discardLogger(), 2, time.Hour)
	ctx := context.Background()

	svc.RecordFailure(ctx, at(0), "pin", "carol")
	require.True(t, svc.RecordFailure(ctx, at(0), "pin", "carol"))

	require.NoError(t, limiter.Unblock(ctx, at(time.Second), "pin", "carol"))
	assert.False(t, svc.IsLocked(ctx, at(time.Second), "pin", "carol"))
	assert.False(t, svc.RecordFailure(ctx, at(2*time.Second), "pin", "carol"))
	assert.Equal(t, 1, svc.Attempts(ctx, at(2*time.Second), "pin", "carol"))
}

func TestLockout_FailsOpen(t *testing.T) {
	limiter := services.NewRateLimitService(FailingStore{}, nil, discardLogger())
	svc := services.NewLockoutService(FailingStore{}, limiter, nil, discardLogger(), 1, time.Hour)
	ctx := context.Background()

	assert.False(t, svc.RecordFailure(ctx, at(0), "login", "dave"))
	assert.False(t, svc.IsLocked(ctx, at(0), "login", "dave"))
}

func TestLockout_ContentionCountsAsLocked(t *testing.T) {
	s := ContendedStore{newMemoryStore()}
	limiter := services.NewRateLimitService(s, nil, discardLogger())
	svc := services.NewLockoutService(s, limiter, nil, discardLogger(), 5, time.Hour)

	assert.True(t, svc.RecordFailure(context.Background(), at(0), "login", "erin"))
}

func TestLockout_CheckReturnsAccountLocked(t *testing.T) {
	svc := newLockoutService(nil)
	ctx := context.Background()

	require.NoError(t, svc.Check(ctx, at(0), "login", "frank"))
	for i := 0; i < 5; i++ {
		svc.RecordFailure(ctx, at(0), "login", "frank")
	}

	err := svc.Check(ctx, at(time.Minute), "login", "frank")
	require.ErrorIs(t, err, models.ErrAccountLocked)
	assert.NotErrorIs(t, err, models.ErrIdentifierBlocked)

	var guard *models.GuardError
	require.ErrorAs(t, err, &guard)
	assert.Equal(t, 14*time.Minute, guard.RetryAfter)
}

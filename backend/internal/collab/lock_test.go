package collab

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"designCollab/backend/internal/eventbus"
)

func TestAcquireLock_ExclusiveScenario(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	ctx := context.Background()
	s := newSession(t, e, nil, "A")

	l, err := e.AcquireLock(ctx, s.ID, "A", "wall-1", LockExclusive, "moving")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, "A", l.HolderID)
	require.NotNil(t, l.ExpiresAt)
	assert.Equal(t, clk.Now().Add(DefaultLockTTL), *l.ExpiresAt)

	blocked, err := e.AcquireLock(ctx, s.ID, "H", "wall-1", LockExclusive, "")
	require.NoError(t, err)
	assert.Nil(t, blocked)

	require.NoError(t, e.ReleaseLock(ctx, s.ID, "A", "wall-1"))

	l, err = e.AcquireLock(ctx, s.ID, "H", "wall-1", LockExclusive, "")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, "H", l.HolderID)
}

func TestAcquireLock_SoftAndHardAreAdvisory(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	s := newSession(t, e, nil, "A")

	for _, typ := range []LockType{LockSoft, LockHard} {
		resource := "res-" + string(typ)
		_, err := e.AcquireLock(ctx, s.ID, "A", resource, typ, "")
		require.NoError(t, err)

		l, err := e.AcquireLock(ctx, s.ID, "H", resource, LockExclusive, "")
		require.NoError(t, err)
		require.NotNil(t, l, "lock type %s should not block", typ)
		assert.Equal(t, "H", l.HolderID)
	}
}

func TestAcquireLock_HardLocksBlockOption(t *testing.T) {
	e, _ := newTestEngine(t, Options{HardLocksBlock: true})
	ctx := context.Background()
	s := newSession(t, e, nil, "A")

	_, err := e.AcquireLock(ctx, s.ID, "A", "wall-1", LockHard, "")
	require.NoError(t, err)

	l, err := e.AcquireLock(ctx, s.ID, "H", "wall-1", LockSoft, "")
	require.NoError(t, err)
	assert.Nil(t, l)

	_, err = e.SubmitChange(ctx, s.ID, "H", Change{ResourceID: "wall-1"})
	require.ErrorIs(t, err, ErrElementLocked)
}

func TestAcquireLock_DefaultTypeFromSettings(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	settings := DefaultSessionSettings()
	settings.DefaultLockType = LockExclusive
	s := newSession(t, e, &settings, "A")

	l, err := e.AcquireLock(context.Background(), s.ID, "A", "wall-1", "", "")
	require.NoError(t, err)
	assert.Equal(t, LockExclusive, l.Type)
}

func TestAcquireLock_Errors(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	s := newSession(t, e, nil)

	_, err := e.AcquireLock(ctx, "missing", "H", "wall-1", LockSoft, "")
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = e.AcquireLock(ctx, s.ID, "stranger", "wall-1", LockSoft, "")
	require.ErrorIs(t, err, ErrParticipantNotFound)
	_, err = e.AcquireLock(ctx, s.ID, "H", "", LockSoft, "")
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = e.AcquireLock(ctx, s.ID, "H", "wall-1", LockType("mega"), "")
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.Empty(t, e.GetSessionLocks(s.ID))
	_, err = e.AcquireLock(canceledCtx(), s.ID, "H", "wall-1", LockSoft, "")
	require.ErrorIs(t, err, ErrOperationCancelled)
}

func TestAcquireLock_ConcurrentExclusiveHasOneWinner(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	settings := DefaultSessionSettings()
	settings.MaxParticipants = 32

	users := make([]string, 16)
	for i := range users {
		users[i] = fmt.Sprintf("u%d", i)
	}
	s := newSession(t, e, &settings, users...)

	var winners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, u := range users {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			<-start
			l, err := e.AcquireLock(ctx, s.ID, u, "wall-1", LockExclusive, "")
			if err != nil {
				t.Errorf("AcquireLock(%s) error = %v", u, err)
				return
			}
			if l != nil {
				winners.Add(1)
			}
		}(u)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Len(t, e.GetSessionLocks(s.ID), 1)
}

func TestReleaseLock_OnlyHolderReleases(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	s := newSession(t, e, nil, "A")

	_, err := e.AcquireLock(ctx, s.ID, "A", "wall-1", LockExclusive, "")
	require.NoError(t, err)

	require.NoError(t, e.ReleaseLock(ctx, s.ID, "H", "wall-1"))
	l, held := e.GetLock("wall-1")
	require.True(t, held)
	assert.Equal(t, "A", l.HolderID)

	require.NoError(t, e.ReleaseLock(ctx, s.ID, "A", "unknown"))
}

func TestLocks_ExpireAndSweep(t *testing.T) {
	e, clk := newTestEngine(t, Options{LockTTL: time.Minute})
	ctx := context.Background()
	s := newSession(t, e, nil, "A")

	_, err := e.AcquireLock(ctx, s.ID, "A", "wall-1", LockExclusive, "")
	require.NoError(t, err)
	_, err = e.AcquireLock(ctx, s.ID, "A", "wall-2", LockSoft, "")
	require.NoError(t, err)

	sub, err := e.SubscribeToEvents(ctx, s.ID)
	require.NoError(t, err)
	defer sub.Close()

	clk.Advance(time.Minute)
	_, held := e.GetLock("wall-1")
	assert.False(t, held)
	assert.Empty(t, e.GetSessionLocks(s.ID))

	assert.Equal(t, 2, e.SweepExpiredLocks())
	assert.Equal(t, 0, e.SweepExpiredLocks())

	for i := 0; i < 2; i++ {
		evt, ok := nextEvent(t, sub)
		require.True(t, ok)
		assert.Equal(t, eventbus.TypeLockReleased, evt.Type)
		assert.Equal(t, lockReasonExpired, evt.Payload.(LockEvent).Reason)
	}
}

func TestAcquireLock_ExpiredExclusiveCanBeTaken(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	ctx := context.Background()
	s := newSession(t, e, nil, "A")

	_, err := e.AcquireLock(ctx, s.ID, "A", "wall-1", LockExclusive, "")
	require.NoError(t, err)
	clk.Advance(DefaultLockTTL + time.Second)

	l, err := e.AcquireLock(ctx, s.ID, "H", "wall-1", LockExclusive, "")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, "H", l.HolderID)
}

func TestAcquireLock_SameUserOtherSessionNotifiesOldSession(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	s1 := newSession(t, e, nil, "A")
	s2 := newSession(t, e, nil, "A")

	_, err := e.AcquireLock(ctx, s1.ID, "A", "wall-1", LockExclusive, "")
	require.NoError(t, err)
	sub, err := e.SubscribeToEvents(ctx, s1.ID)
	require.NoError(t, err)

	l, err := e.AcquireLock(ctx, s2.ID, "A", "wall-1", LockSoft, "")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, s2.ID, l.SessionID)

	evt, ok := nextEvent(t, sub)
	require.True(t, ok)
	require.Equal(t, eventbus.TypeLockReleased, evt.Type)
	released := evt.Payload.(LockEvent)
	assert.Equal(t, lockReasonSuperseded, released.Reason)
	assert.Equal(t, s1.ID, released.Lock.SessionID)

	assert.Empty(t, e.GetSessionLocks(s1.ID))
	assert.Len(t, e.GetSessionLocks(s2.ID), 1)
}

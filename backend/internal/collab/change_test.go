package collab

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"designCollab/backend/internal/eventbus"
)

func withStrategy(strategy ConflictStrategy) *SessionSettings {
	s := DefaultSessionSettings()
	s.ConflictStrategy = strategy
	return &s
}

func TestSubmitChange_StampsAuthorTimeAndSequence(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	ctx := context.Background()
	s1 := newSession(t, e, nil, "A")
	s2 := newSession(t, e, nil, "A")

	c1, err := e.SubmitChange(ctx, s1.ID, "A", Change{ResourceID: "r1", AuthorID: "spoofed", NewValues: map[string]any{"height": 3.0}})
	require.NoError(t, err)
	c2, err := e.SubmitChange(ctx, s2.ID, "A", Change{ResourceID: "r1", Kind: ChangeDelete})
	require.NoError(t, err)

	assert.Equal(t, "A", c1.AuthorID)
	assert.Equal(t, clk.Now(), c1.Timestamp)
	assert.Equal(t, ChangeModify, c1.Kind)
	assert.Less(t, c1.Sequence, c2.Sequence)
	assert.False(t, c1.IsConflict)
}

func TestSubmitChange_EventTypeFollowsKind(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	s := newSession(t, e, nil)

	sub, err := e.SubscribeToEvents(ctx, s.ID)
	require.NoError(t, err)
	defer sub.Close()

	for i, kind := range []ChangeKind{ChangeCreate, ChangeMove, ChangeDelete} {
		_, err := e.SubmitChange(ctx, s.ID, "H", Change{ResourceID: string(rune('a' + i)), Kind: kind})
		require.NoError(t, err)
	}
	var types []eventbus.Type
	for i := 0; i < 3; i++ {
		evt, ok := nextEvent(t, sub)
		require.True(t, ok)
		types = append(types, evt.Type)
	}
	assert.Equal(t, []eventbus.Type{eventbus.TypeElementCreated, eventbus.TypeElementModified, eventbus.TypeElementDeleted}, types)
}

func TestSubmitChange_Validation(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	noEdit := DefaultSessionSettings()
	noEdit.AllowEditing = false
	locked := newSession(t, e, &noEdit, "A")
	_, err := e.SubmitChange(ctx, locked.ID, "A", Change{ResourceID: "r1"})
	require.ErrorIs(t, err, ErrEditingDisabled)

	s := newSession(t, e, nil, "A")
	_, err = e.JoinSession(ctx, s.ID, "V", "Viewer", RoleViewer)
	require.NoError(t, err)
	_, err = e.SubmitChange(ctx, s.ID, "V", Change{ResourceID: "r1"})
	require.ErrorIs(t, err, ErrForbidden)

	_, err = e.SubmitChange(ctx, s.ID, "stranger", Change{ResourceID: "r1"})
	require.ErrorIs(t, err, ErrParticipantNotFound)

	_, err = e.SubmitChange(ctx, s.ID, "A", Change{})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = e.AcquireLock(ctx, s.ID, "A", "wall-1", LockExclusive, "")
	require.NoError(t, err)
	_, err = e.SubmitChange(ctx, s.ID, "H", Change{ResourceID: "wall-1"})
	require.ErrorIs(t, err, ErrElementLocked)
	_, err = e.SubmitChange(ctx, s.ID, "A", Change{ResourceID: "wall-1"})
	require.NoError(t, err)

	_, err = e.SubmitChange(canceledCtx(), s.ID, "A", Change{ResourceID: "r2"})
	require.ErrorIs(t, err, ErrOperationCancelled)
	stats, err := e.GetSessionStats(s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ChangeCount)

	require.NoError(t, e.EndSession(ctx, s.ID))
	_, err = e.SubmitChange(ctx, s.ID, "A", Change{ResourceID: "r1"})
	require.ErrorIs(t, err, ErrSessionEnded)
}

func TestSubmitChange_ConflictWithinWindow(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	ctx := context.Background()
	s := newSession(t, e, withStrategy(StrategyManual), "A", "B")

	a, err := e.SubmitChange(ctx, s.ID, "A", Change{ResourceID: "r1"})
	require.NoError(t, err)
	assert.False(t, a.IsConflict)

	clk.Advance(time.Second)
	b, err := e.SubmitChange(ctx, s.ID, "B", Change{ResourceID: "r1"})
	require.NoError(t, err)
	assert.True(t, b.IsConflict)

	recent, err := e.GetRecentChanges(s.ID, "r1")
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.True(t, recent[0].IsConflict)
	assert.True(t, recent[1].IsConflict)

	conflicts, err := e.GetConflicts(s.ID, ConflictPending)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, "r1", c.ResourceID)
	require.Len(t, c.Changes, 2)
	assert.Equal(t, a.Sequence, c.Changes[0].Sequence)
	assert.Equal(t, b.Sequence, c.Changes[1].Sequence)
}

func TestSubmitChange_NoConflictOutsideWindowOrSameAuthor(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	ctx := context.Background()
	s := newSession(t, e, nil, "A", "B")

	_, err := e.SubmitChange(ctx, s.ID, "A", Change{ResourceID: "r1"})
	require.NoError(t, err)
	clk.Advance(6 * time.Second)
	b, err := e.SubmitChange(ctx, s.ID, "B", Change{ResourceID: "r1"})
	require.NoError(t, err)
	assert.False(t, b.IsConflict)

	again, err := e.SubmitChange(ctx, s.ID, "B", Change{ResourceID: "r1"})
	require.NoError(t, err)
	assert.False(t, again.IsConflict)

	other, err := e.SubmitChange(ctx, s.ID, "A", Change{ResourceID: "r2"})
	require.NoError(t, err)
	assert.False(t, other.IsConflict)

	conflicts, err := e.GetConflicts(s.ID, "")
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestConflict_AutoResolveStrategies(t *testing.T) {
	cases := []struct {
		strategy ConflictStrategy
		winner   string
	}{
		{StrategyLastWriteWins, "B"},
		{StrategyFirstWriteWins, "A"},
	}
	for _, tc := range cases {
		t.Run(string(tc.strategy), func(t *testing.T) {
			e, clk := newTestEngine(t, Options{})
			ctx := context.Background()
			s := newSession(t, e, withStrategy(tc.strategy), "A", "B")

			sub, err := e.SubscribeToEvents(ctx, s.ID)
			require.NoError(t, err)
			defer sub.Close()

			_, err = e.SubmitChange(ctx, s.ID, "A", Change{ResourceID: "r1"})
			require.NoError(t, err)
			clk.Advance(time.Second)
			_, err = e.SubmitChange(ctx, s.ID, "B", Change{ResourceID: "r1"})
			require.NoError(t, err)

			events := eventsUntil(t, sub, eventbus.TypeConflictResolved)
			resolved := events[len(events)-1].Payload.(ConflictEvent).Conflict
			assert.Equal(t, ConflictAutoResolved, resolved.Status)
			require.NotNil(t, resolved.Resolution)
			assert.Equal(t, tc.winner, resolved.Resolution.AuthorID)
			assert.Equal(t, systemResolver, resolved.ResolvedBy)
		})
	}
}

func TestConflict_ManualResolveAndReject(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	ctx := context.Background()
	s := newSession(t, e, withStrategy(StrategyManual), "A", "B")
	_, err := e.JoinSession(ctx, s.ID, "V", "Viewer", RoleViewer)
	require.NoError(t, err)

	a, err := e.SubmitChange(ctx, s.ID, "A", Change{ResourceID: "r1"})
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = e.SubmitChange(ctx, s.ID, "B", Change{ResourceID: "r1"})
	require.NoError(t, err)

	pending, err := e.GetConflicts(s.ID, ConflictPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	id := pending[0].ID

	_, err = e.ResolveConflict(ctx, s.ID, "V", id, a.Sequence)
	require.ErrorIs(t, err, ErrForbidden)
	_, err = e.ResolveConflict(ctx, s.ID, "H", id, 999999)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = e.ResolveConflict(ctx, s.ID, "H", "missing", a.Sequence)
	require.ErrorIs(t, err, ErrConflictNotFound)

	resolved, err := e.ResolveConflict(ctx, s.ID, "H", id, a.Sequence)
	require.NoError(t, err)
	assert.Equal(t, ConflictManuallyResolved, resolved.Status)
	assert.Equal(t, "H", resolved.ResolvedBy)
	assert.Equal(t, a.Sequence, resolved.Resolution.Sequence)

	_, err = e.RejectConflict(ctx, s.ID, "H", id)
	require.ErrorIs(t, err, ErrConflictClosed)

	// 第二个冲突走拒绝
	clk.Advance(10 * time.Second)
	_, err = e.SubmitChange(ctx, s.ID, "A", Change{ResourceID: "r2"})
	require.NoError(t, err)
	_, err = e.SubmitChange(ctx, s.ID, "B", Change{ResourceID: "r2"})
	require.NoError(t, err)
	pending, err = e.GetConflicts(s.ID, ConflictPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	rejected, err := e.RejectConflict(ctx, s.ID, "A", pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, ConflictRejected, rejected.Status)
	assert.Nil(t, rejected.Resolution)

	all, err := e.GetConflicts(s.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestConflict_MergeFallsBackToManualUnlessRegistered(t *testing.T) {
	t.Run("fallback", func(t *testing.T) {
		e, clk := newTestEngine(t, Options{})
		ctx := context.Background()
		s := newSession(t, e, withStrategy(StrategyMerge), "A", "B")
		_, _ = e.SubmitChange(ctx, s.ID, "A", Change{ResourceID: "r1"})
		clk.Advance(time.Second)
		_, _ = e.SubmitChange(ctx, s.ID, "B", Change{ResourceID: "r1"})

		pending, err := e.GetConflicts(s.ID, ConflictPending)
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})

	t.Run("registered", func(t *testing.T) {
		merge := ResolverFunc(func(_ context.Context, c *Conflict) (Resolution, error) {
			merged := c.Changes[len(c.Changes)-1]
			merged.NewValues = map[string]any{"merged": len(c.Changes)}
			return Resolution{Status: ConflictAutoResolved, Chosen: &merged}, nil
		})
		e, clk := newTestEngine(t, Options{Resolvers: map[ConflictStrategy]ConflictResolver{StrategyMerge: merge}})
		ctx := context.Background()
		s := newSession(t, e, withStrategy(StrategyMerge), "A", "B")
		_, _ = e.SubmitChange(ctx, s.ID, "A", Change{ResourceID: "r1"})
		clk.Advance(time.Second)
		_, _ = e.SubmitChange(ctx, s.ID, "B", Change{ResourceID: "r1"})

		all, err := e.GetConflicts(s.ID, "")
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, ConflictAutoResolved, all[0].Status)
		assert.Equal(t, 2, all[0].Resolution.NewValues["merged"])
	})

	t.Run("resolver error leaves pending", func(t *testing.T) {
		broken := ResolverFunc(func(context.Context, *Conflict) (Resolution, error) {
			return Resolution{}, errors.New("boom")
		})
		e, clk := newTestEngine(t, Options{Resolvers: map[ConflictStrategy]ConflictResolver{StrategyServerAuthoritative: broken}})
		ctx := context.Background()
		s := newSession(t, e, withStrategy(StrategyServerAuthoritative), "A", "B")
		_, _ = e.SubmitChange(ctx, s.ID, "A", Change{ResourceID: "r1"})
		clk.Advance(time.Second)
		_, _ = e.SubmitChange(ctx, s.ID, "B", Change{ResourceID: "r1"})

		pending, err := e.GetConflicts(s.ID, ConflictPending)
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})
}

func TestConflict_ResolverMayRejectWithoutChosen(t *testing.T) {
	reject := ResolverFunc(func(context.Context, *Conflict) (Resolution, error) {
		return Resolution{Status: ConflictRejected}, nil
	})
	noChoice := ResolverFunc(func(context.Context, *Conflict) (Resolution, error) {
		return Resolution{Status: ConflictAutoResolved}, nil
	})
	e, clk := newTestEngine(t, Options{Resolvers: map[ConflictStrategy]ConflictResolver{
		StrategyServerAuthoritative: reject,
		StrategyMerge:               noChoice,
	}})
	ctx := context.Background()

	s := newSession(t, e, withStrategy(StrategyServerAuthoritative), "A", "B")
	sub, err := e.SubscribeToEvents(ctx, s.ID)
	require.NoError(t, err)
	defer sub.Close()
	_, _ = e.SubmitChange(ctx, s.ID, "A", Change{ResourceID: "r1"})
	clk.Advance(time.Second)
	_, _ = e.SubmitChange(ctx, s.ID, "B", Change{ResourceID: "r1"})

	events := eventsUntil(t, sub, eventbus.TypeConflictResolved)
	rejected := events[len(events)-1].Payload.(ConflictEvent).Conflict
	assert.Equal(t, ConflictRejected, rejected.Status)
	assert.Nil(t, rejected.Resolution)
	assert.Equal(t, systemResolver, rejected.ResolvedBy)
	require.NotNil(t, rejected.ResolvedAt)

	pending, err := e.GetConflicts(s.ID, ConflictPending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// 非 Rejected 的结论必须带上选中的变更，否则保持 Pending
	m := newSession(t, e, withStrategy(StrategyMerge), "A", "B")
	_, _ = e.SubmitChange(ctx, m.ID, "A", Change{ResourceID: "r1"})
	clk.Advance(time.Second)
	_, _ = e.SubmitChange(ctx, m.ID, "B", Change{ResourceID: "r1"})
	pending, err = e.GetConflicts(m.ID, ConflictPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestSubmitChange_ValuesAreNotShared(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	ctx := context.Background()
	s := newSession(t, e, withStrategy(StrategyManual), "A", "B")
	sub, err := e.SubscribeToEvents(ctx, s.ID)
	require.NoError(t, err)
	defer sub.Close()

	input := map[string]any{"height": 3.0, "layers": []any{"base", "finish"}}
	got, err := e.SubmitChange(ctx, s.ID, "A", Change{ResourceID: "r1", NewValues: input})
	require.NoError(t, err)

	input["height"] = 99.0
	got.NewValues["height"] = 42.0
	got.NewValues["layers"].([]any)[0] = "changed"

	evt, ok := nextEvent(t, sub)
	require.True(t, ok)
	emitted := evt.Payload.(ChangeEvent).Change
	assert.Equal(t, 3.0, emitted.NewValues["height"])
	assert.Equal(t, []any{"base", "finish"}, emitted.NewValues["layers"])

	recent, err := e.GetRecentChanges(s.ID, "r1")
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, 3.0, recent[0].NewValues["height"])
	recent[0].NewValues["height"] = 7.0

	clk.Advance(time.Second)
	_, err = e.SubmitChange(ctx, s.ID, "B", Change{ResourceID: "r1", NewValues: map[string]any{"height": 4.0}})
	require.NoError(t, err)
	conflicts, err := e.GetConflicts(s.ID, ConflictPending)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, 3.0, conflicts[0].Changes[0].NewValues["height"])
	assert.Equal(t, []any{"base", "finish"}, conflicts[0].Changes[0].NewValues["layers"])
}

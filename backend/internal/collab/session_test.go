package collab

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"designCollab/backend/internal/eventbus"
)

type fakePresence struct {
	mu      sync.Mutex
	members map[string]string
	cursors map[string][]byte
}

func newFakePresence() *fakePresence {
	return &fakePresence{members: make(map[string]string), cursors: make(map[string][]byte)}
}

func (f *fakePresence) AddMember(_ context.Context, sessionID, userID, name string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[sessionID+"/"+userID] = name
	return nil
}

func (f *fakePresence) RemoveMember(_ context.Context, sessionID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members, sessionID+"/"+userID)
	return nil
}

func (f *fakePresence) SetCursor(_ context.Context, sessionID, userID string, jsonData []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors[sessionID+"/"+userID] = jsonData
	return nil
}

func TestCreateSession_HostIsFirstParticipant(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	s, err := e.CreateSession(context.Background(), "project-1", "H", "Host", nil)
	require.NoError(t, err)

	assert.NotEmpty(t, s.ID)
	assert.True(t, s.IsActive())
	assert.Equal(t, "H", s.HostID)
	assert.Equal(t, clk.Now(), s.StartedAt)
	require.Len(t, s.Participants, 1)
	assert.Equal(t, RoleHost, s.Participants[0].Role)
	assert.Equal(t, participantColors[0], s.Participants[0].Color)
	assert.Equal(t, DefaultSessionSettings(), s.Settings)
}

func TestCreateSession_DefaultMaxParticipantsFromOptions(t *testing.T) {
	e, _ := newTestEngine(t, Options{DefaultMaxParticipants: 3})
	ctx := context.Background()

	s, err := e.CreateSession(ctx, "p", "H", "Host", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Settings.MaxParticipants)

	s, err = e.CreateSession(ctx, "p", "H", "Host", &SessionSettings{AllowEditing: true})
	require.NoError(t, err)
	assert.Equal(t, 3, s.Settings.MaxParticipants)
	assert.Equal(t, LockSoft, s.Settings.DefaultLockType)
	assert.Equal(t, StrategyLastWriteWins, s.Settings.ConflictStrategy)
	assert.False(t, s.Settings.AllowMarkups)
}

func TestCreateSession_RequiresHost(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	_, err := e.CreateSession(context.Background(), "p", "", "", nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestJoinSession_CapacityScenario(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	settings := DefaultSessionSettings()
	settings.MaxParticipants = 2
	s := newSession(t, e, &settings)

	a, err := e.JoinSession(ctx, s.ID, "A", "Alice", RoleEditor)
	require.NoError(t, err)
	assert.Equal(t, participantColors[1], a.Color)

	_, err = e.JoinSession(ctx, s.ID, "B", "Bob", RoleEditor)
	require.ErrorIs(t, err, ErrSessionFull)

	got, err := e.GetParticipants(s.ID)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestJoinSession_Errors(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	_, err := e.JoinSession(ctx, "missing", "A", "Alice", RoleEditor)
	require.ErrorIs(t, err, ErrSessionNotFound)

	s := newSession(t, e, nil)
	require.NoError(t, e.EndSession(ctx, s.ID))
	_, err = e.JoinSession(ctx, s.ID, "A", "Alice", RoleEditor)
	require.ErrorIs(t, err, ErrSessionEnded)

	_, err = e.JoinSession(canceledCtx(), s.ID, "A", "Alice", RoleEditor)
	require.ErrorIs(t, err, ErrOperationCancelled)
}

func TestJoinSession_DefaultRoleAndRejoin(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	s := newSession(t, e, nil)

	p, err := e.JoinSession(ctx, s.ID, "A", "Alice", "")
	require.NoError(t, err)
	assert.Equal(t, RoleEditor, p.Role)

	again, err := e.JoinSession(ctx, s.ID, "A", "Alice", RoleViewer)
	require.NoError(t, err)
	assert.Equal(t, RoleEditor, again.Role)

	got, err := e.GetParticipants(s.ID)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestLeaveSession_ReleasesLocksAndKeepsSession(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	s := newSession(t, e, nil, "A", "B")

	_, err := e.AcquireLock(ctx, s.ID, "A", "wall-1", LockExclusive, "")
	require.NoError(t, err)

	sub, err := e.SubscribeToEvents(ctx, s.ID)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, e.LeaveSession(ctx, s.ID, "A"))

	events := eventsUntil(t, sub, eventbus.TypeUserLeft)
	assert.Equal(t, []eventbus.Type{eventbus.TypeLockReleased, eventbus.TypeUserLeft}, eventTypes(events))
	assert.Equal(t, lockReasonOwnerLeft, events[0].Payload.(LockEvent).Reason)

	_, held := e.GetLock("wall-1")
	assert.False(t, held)
	got, err := e.GetSession(s.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive())
	assert.Len(t, got.Participants, 2)

	require.ErrorIs(t, e.LeaveSession(ctx, s.ID, "A"), ErrParticipantNotFound)
}

func TestLeaveSession_HostLeavingEndsSession(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	s := newSession(t, e, nil, "A")

	sub, err := e.SubscribeToEvents(ctx, s.ID)
	require.NoError(t, err)

	require.NoError(t, e.LeaveSession(ctx, s.ID, "H"))

	var types []eventbus.Type
	for {
		evt, ok := nextEvent(t, sub)
		if !ok {
			break
		}
		types = append(types, evt.Type)
	}
	assert.Equal(t, []eventbus.Type{eventbus.TypeUserLeft, eventbus.TypeUserLeft, eventbus.TypeSessionEnded}, types)

	got, err := e.GetSession(s.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive())
	assert.Empty(t, e.ListActiveSessions(""))
}

func TestLeaveSession_LastParticipantEndsSession(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	s := newSession(t, e, nil)

	require.NoError(t, e.LeaveSession(ctx, s.ID, "H"))
	got, err := e.GetSession(s.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.EndedAt)
}

func TestEndSession_IdempotentAndReleasesLocks(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	s := newSession(t, e, nil, "A")

	_, err := e.AcquireLock(ctx, s.ID, "A", "wall-1", LockExclusive, "")
	require.NoError(t, err)

	require.NoError(t, e.EndSession(ctx, s.ID))
	require.NoError(t, e.EndSession(ctx, s.ID))

	assert.Empty(t, e.GetSessionLocks(s.ID))
	require.ErrorIs(t, e.EndSession(ctx, "missing"), ErrSessionNotFound)
}

func TestEndSession_CancelledStillClosesStream(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	s := newSession(t, e, nil, "A", "B")

	sub, err := e.SubscribeToEvents(context.Background(), s.ID)
	require.NoError(t, err)

	err = e.EndSession(canceledCtx(), s.ID)
	require.ErrorIs(t, err, ErrOperationCancelled)

	got, gerr := e.GetSession(s.ID)
	require.NoError(t, gerr)
	assert.False(t, got.IsActive())

	var last eventbus.Event
	for {
		evt, ok := nextEvent(t, sub)
		if !ok {
			break
		}
		last = evt
	}
	assert.Equal(t, eventbus.TypeSessionEnded, last.Type)
}

func TestListActiveSessions_FiltersByProject(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	ctx := context.Background()

	first, err := e.CreateSession(ctx, "p1", "H", "Host", nil)
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = e.CreateSession(ctx, "p2", "H", "Host", nil)
	require.NoError(t, err)
	clk.Advance(time.Second)
	third, err := e.CreateSession(ctx, "p1", "H", "Host", nil)
	require.NoError(t, err)

	got := e.ListActiveSessions("p1")
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, third.ID, got[1].ID)
	assert.Len(t, e.ListActiveSessions(""), 3)
}

func TestPresenceMirror_TracksMembership(t *testing.T) {
	mirror := newFakePresence()
	e, _ := newTestEngine(t, Options{Presence: mirror})
	ctx := context.Background()
	s := newSession(t, e, nil, "A")

	require.NoError(t, e.UpdateCursor(ctx, s.ID, "A", Cursor{Position: Vector3{X: 1}}))
	require.NoError(t, e.LeaveSession(ctx, s.ID, "A"))

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	assert.Contains(t, mirror.members, s.ID+"/H")
	assert.NotContains(t, mirror.members, s.ID+"/A")
	assert.JSONEq(t, `{"position":{"x":1,"y":0,"z":0}}`, string(mirror.cursors[s.ID+"/A"]))
}

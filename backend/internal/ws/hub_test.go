package ws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"designCollab/backend/internal/cache"
	"designCollab/backend/internal/collab"
)

type stubPresence struct {
	members []cache.PresenceMember
	cursors map[string][]byte
	err     error
}

func (s *stubPresence) AddMember(context.Context, string, string, string, time.Duration) error {
	return nil
}
func (s *stubPresence) RemoveMember(context.Context, string, string) error { return nil }
func (s *stubPresence) GetAliveMembersWithNames(context.Context, string) ([]cache.PresenceMember, error) {
	return s.members, s.err
}
func (s *stubPresence) SetCursor(context.Context, string, string, []byte, time.Duration) error {
	return nil
}
func (s *stubPresence) GetCursor(_ context.Context, _ string, userID string) ([]byte, error) {
	return s.cursors[userID], s.err
}

func TestHub_MembersPrefersPresenceCache(t *testing.T) {
	e := collab.NewEngine(collab.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	ctx := context.Background()
	s, err := e.CreateSession(ctx, "p1", "H", "Host", nil)
	require.NoError(t, err)

	remote := &stubPresence{members: []cache.PresenceMember{{UserID: "H", Name: "Host"}, {UserID: "Z", Name: "on another node"}}}
	members, err := NewHub(remote, e).Members(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, []PresenceMember{{UserID: "H", Username: "Host"}, {UserID: "Z", Username: "on another node"}}, members)

	// redis 不可用时回退到引擎
	down := &stubPresence{err: errors.New("connection refused")}
	members, err = NewHub(down, e).Members(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, []PresenceMember{{UserID: "H", Username: "Host"}}, members)

	_, err = NewHub(nil, e).Members(ctx, "missing")
	require.ErrorIs(t, err, collab.ErrSessionNotFound)
}

func TestHub_CursorsReplayForLateJoiner(t *testing.T) {
	e := collab.NewEngine(collab.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	ctx := context.Background()
	s, err := e.CreateSession(ctx, "p1", "H", "Host", nil)
	require.NoError(t, err)
	_, err = e.JoinSession(ctx, s.ID, "A", "Alice", collab.RoleEditor)
	require.NoError(t, err)
	require.NoError(t, e.UpdateCursor(ctx, s.ID, "H", collab.Cursor{Position: collab.Vector3{X: 1, Y: 2}}))

	// redis 中的光标（含其他节点上的成员）
	remote := &stubPresence{
		members: []cache.PresenceMember{{UserID: "H"}, {UserID: "Z"}, {UserID: "A"}},
		cursors: map[string][]byte{"H": []byte(`{"position":{"x":1,"y":2,"z":0}}`), "A": []byte(`{}`)},
	}
	cursors, err := NewHub(remote, e).Cursors(ctx, s.ID, "A")
	require.NoError(t, err)
	require.Len(t, cursors, 1)
	assert.Equal(t, "H", cursors[0].UserID)
	assert.JSONEq(t, `{"position":{"x":1,"y":2,"z":0}}`, string(cursors[0].Cursor))

	// redis 不可用时读引擎
	down := &stubPresence{err: errors.New("connection refused")}
	cursors, err = NewHub(down, e).Cursors(ctx, s.ID, "A")
	require.NoError(t, err)
	require.Len(t, cursors, 1)
	assert.Equal(t, "H", cursors[0].UserID)
	assert.JSONEq(t, `{"position":{"x":1,"y":2,"z":0}}`, string(cursors[0].Cursor))

	// 关闭 ShowCursors 的会话不回放
	hidden := collab.DefaultSessionSettings()
	hidden.ShowCursors = false
	s2, err := e.CreateSession(ctx, "p1", "H", "Host", &hidden)
	require.NoError(t, err)
	require.NoError(t, e.UpdateCursor(ctx, s2.ID, "H", collab.Cursor{}))
	cursors, err = NewHub(nil, e).Cursors(ctx, s2.ID, "A")
	require.NoError(t, err)
	assert.Empty(t, cursors)
}

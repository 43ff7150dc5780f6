package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"

	"designCollab/backend/internal/cache"
	"designCollab/backend/internal/collab"
)

// Hub 记录每个会话下的 websocket 连接。
// 一个用户可开多个标签页/设备，房间里按连接存而不是按 userID 存；
// 用户的最后一个连接断开时才真正离开会话
type Hub struct {
	// 可为 nil（未配置 redis 时从引擎读取成员）
	presence cache.PresenceCache
	engine   *collab.Engine
	// 同一会话并发的成员查询合并为一次 redis 读取
	sf singleflight.Group

	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
}

func NewHub(p cache.PresenceCache, engine *collab.Engine) *Hub {
	return &Hub{presence: p, engine: engine, rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入会话房间
func (h *Hub) Join(sessionID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[sessionID] == nil {
		h.rooms[sessionID] = make(map[*Conn]struct{})
	}
	h.rooms[sessionID][c] = struct{}{}
}

// Leave 将连接移出会话房间，返回该用户在此会话中是否还有其他连接
func (h *Hub) Leave(sessionID string, c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.rooms[sessionID]
	if !ok {
		return false
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.rooms, sessionID)
		return false
	}
	for other := range conns {
		if other.userID == c.userID {
			return true
		}
	}
	return false
}

func (h *Hub) ConnCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}

// Members 优先读 redis 镜像（其他节点的成员也可见），失败或未配置时读引擎
func (h *Hub) Members(ctx context.Context, sessionID string) ([]PresenceMember, error) {
	if h.presence != nil {
		val, err, _ := h.sf.Do(sessionID, func() (interface{}, error) {
			return h.presence.GetAliveMembersWithNames(ctx, sessionID)
		})
		if err == nil {
			members, ok := val.([]cache.PresenceMember)
			if !ok {
				return nil, errors.New("internal type error")
			}
			out := make([]PresenceMember, len(members))
			for i, m := range members {
				out[i] = PresenceMember{UserID: m.UserID, Username: m.Name}
			}
			return out, nil
		}
	}
	participants, err := h.engine.GetParticipants(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]PresenceMember, len(participants))
	for i, p := range participants {
		out[i] = PresenceMember{UserID: p.UserID, Username: p.Name}
	}
	return out, nil
}

// Cursors 其他成员的最新光标，用于给后加入者回放。优先读 redis（含其他节点的成员），
// 失败或未配置时读引擎；会话关闭 ShowCursors 时不回放
func (h *Hub) Cursors(ctx context.Context, sessionID, exclude string) ([]CursorSnapshot, error) {
	s, err := h.engine.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if !s.Settings.ShowCursors {
		return nil, nil
	}
	if h.presence != nil {
		out, err := h.cachedCursors(ctx, sessionID, exclude)
		if err == nil {
			return out, nil
		}
	}
	var out []CursorSnapshot
	for _, p := range s.Participants {
		if p.UserID == exclude || p.Cursor == nil {
			continue
		}
		b, err := json.Marshal(p.Cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, CursorSnapshot{UserID: p.UserID, Cursor: b})
	}
	return out, nil
}

func (h *Hub) cachedCursors(ctx context.Context, sessionID, exclude string) ([]CursorSnapshot, error) {
	members, err := h.presence.GetAliveMembersWithNames(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var out []CursorSnapshot
	for _, m := range members {
		if m.UserID == exclude {
			continue
		}
		b, err := h.presence.GetCursor(ctx, sessionID, m.UserID)
		if err != nil {
			return nil, err
		}
		if b == nil {
			continue
		}
		out = append(out, CursorSnapshot{UserID: m.UserID, Cursor: b})
	}
	return out, nil
}

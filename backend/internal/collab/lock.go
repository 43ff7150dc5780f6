package collab

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"designCollab/backend/internal/eventbus"
)

const (
	lockReasonReleased     = "released"
	lockReasonExpired      = "expired"
	lockReasonSuperseded   = "superseded"
	lockReasonOwnerLeft    = "owner_left"
	lockReasonSessionEnded = "session_ended"
)

type LockEvent struct {
	Lock   ResourceLock `json:"lock"`
	Reason string       `json:"reason,omitempty"`
}

// lockTable resourceID -> lock，任意时刻每个资源最多一把锁
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*ResourceLock
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*ResourceLock)}
}

// releaseWhere 扫描并删除满足条件的锁，返回被删除锁的拷贝
func (t *lockTable) releaseWhere(match func(*ResourceLock) bool) []ResourceLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []ResourceLock
	for id, l := range t.locks {
		if match(l) {
			out = append(out, *l)
			delete(t.locks, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out
}

func (t *lockTable) get(resourceID string) *ResourceLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l := t.locks[resourceID]; l != nil {
		cp := *l
		return &cp
	}
	return nil
}

func (t *lockTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.locks = make(map[string]*ResourceLock)
}

// blocks 该类型的锁是否阻止其他用户获取锁以及提交变更
func (e *Engine) blocks(t LockType) bool {
	return t == LockExclusive || (e.opts.HardLocksBlock && t == LockHard)
}

// AcquireLock 获取资源锁。资源被其他用户的排他锁占用时返回 nil, nil（不是错误）；
// lockType 为空或 None 时使用会话默认锁类型
func (e *Engine) AcquireLock(ctx context.Context, sessionID, userID, resourceID string, lockType LockType, reason string) (*ResourceLock, error) {
	if resourceID == "" {
		return nil, fmt.Errorf("%w: resource id is required", ErrInvalidArgument)
	}
	switch lockType {
	case "", LockNone, LockSoft, LockHard, LockExclusive:
	default:
		return nil, fmt.Errorf("%w: unknown lock type %q", ErrInvalidArgument, lockType)
	}
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	ss, err := e.getSession(sessionID)
	if err != nil {
		return nil, err
	}

	ss.mu.RLock()
	if !ss.session.IsActive() {
		ss.mu.RUnlock()
		return nil, ErrSessionEnded
	}
	if ss.participant(userID) == nil {
		ss.mu.RUnlock()
		return nil, ErrParticipantNotFound
	}
	if lockType == "" || lockType == LockNone {
		lockType = ss.session.Settings.DefaultLockType
	}

	now := e.now()
	var displaced *ResourceLock
	e.locks.mu.Lock()
	if cur := e.locks.locks[resourceID]; cur != nil {
		switch {
		case cur.IsExpired(now):
			displaced = cur
		case cur.HolderID != userID && e.blocks(cur.Type):
			e.locks.mu.Unlock()
			ss.mu.RUnlock()
			e.log.Debug("lock contention", "session", sessionID, "user", userID, "resource", resourceID, "holder", cur.HolderID)
			return nil, nil
		case cur.HolderID != userID || cur.SessionID != sessionID:
			// 同一用户在另一个会话里的锁也被接管，旧会话需要收到释放通知
			displaced = cur
		}
	}
	expires := now.Add(e.opts.LockTTL)
	l := &ResourceLock{
		ResourceID: resourceID,
		SessionID:  sessionID,
		HolderID:   userID,
		Type:       lockType,
		AcquiredAt: now,
		ExpiresAt:  &expires,
		Reason:     reason,
	}
	e.locks.locks[resourceID] = l
	acquired := *l
	e.locks.mu.Unlock()
	ss.mu.RUnlock()

	if displaced != nil {
		why := lockReasonSuperseded
		if displaced.IsExpired(now) {
			why = lockReasonExpired
		}
		e.publish(displaced.SessionID, displaced.HolderID, eventbus.TypeLockReleased, LockEvent{Lock: *displaced, Reason: why})
	}
	e.publish(sessionID, userID, eventbus.TypeLockAcquired, LockEvent{Lock: acquired, Reason: reason})
	return &acquired, nil
}

// ReleaseLock 只有当前持有者释放才生效，否则是 no-op
func (e *Engine) ReleaseLock(ctx context.Context, sessionID, userID, resourceID string) error {
	if err := cancelled(ctx); err != nil {
		return err
	}
	if _, err := e.getSession(sessionID); err != nil {
		return err
	}

	e.locks.mu.Lock()
	cur := e.locks.locks[resourceID]
	if cur == nil || cur.HolderID != userID || cur.SessionID != sessionID {
		e.locks.mu.Unlock()
		return nil
	}
	delete(e.locks.locks, resourceID)
	released := *cur
	e.locks.mu.Unlock()

	e.publish(sessionID, userID, eventbus.TypeLockReleased, LockEvent{Lock: released, Reason: lockReasonReleased})
	return nil
}

// GetLock 返回资源上未过期的锁
func (e *Engine) GetLock(resourceID string) (*ResourceLock, bool) {
	l := e.locks.get(resourceID)
	if l == nil || l.IsExpired(e.now()) {
		return nil, false
	}
	return l, true
}

// GetSessionLocks 会话内所有未过期的锁，按资源 id 排序
func (e *Engine) GetSessionLocks(sessionID string) []ResourceLock {
	now := e.now()
	e.locks.mu.Lock()
	out := make([]ResourceLock, 0)
	for _, l := range e.locks.locks {
		if l.SessionID == sessionID && !l.IsExpired(now) {
			out = append(out, *l)
		}
	}
	e.locks.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out
}

// SweepExpiredLocks 释放所有过期锁并广播 LockReleased，返回释放数量
func (e *Engine) SweepExpiredLocks() int {
	now := e.now()
	expired := e.locks.releaseWhere(func(l *ResourceLock) bool { return l.IsExpired(now) })
	for _, l := range expired {
		e.publish(l.SessionID, l.HolderID, eventbus.TypeLockReleased, LockEvent{Lock: l, Reason: lockReasonExpired})
	}
	return len(expired)
}

package collab

import (
	"context"
	"fmt"
	"sort"

	"designCollab/backend/internal/eventbus"
)

type ChangeEvent struct {
	Change Change `json:"change"`
}

func eventTypeForChange(kind ChangeKind) eventbus.Type {
	switch kind {
	case ChangeCreate, ChangeCopy, ChangeMirror:
		return eventbus.TypeElementCreated
	case ChangeDelete:
		return eventbus.TypeElementDeleted
	default:
		return eventbus.TypeElementModified
	}
}

// SubmitChange 校验权限与锁后接受变更，盖上作者、时间与全局序号；
// 冲突窗口内有其他用户修改同一资源时标记冲突并交给解决策略。
// 无论是否冲突，被接受的变更都会写入历史并广播。
func (e *Engine) SubmitChange(ctx context.Context, sessionID, userID string, change Change) (*Change, error) {
	if change.ResourceID == "" {
		return nil, fmt.Errorf("%w: resource id is required", ErrInvalidArgument)
	}
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	ss, err := e.getSession(sessionID)
	if err != nil {
		return nil, err
	}

	ss.mu.Lock()
	active := ss.session.IsActive()
	settings := ss.session.Settings
	var role Role
	p := ss.participant(userID)
	if p != nil {
		role = p.Role
		p.LastActivityAt = e.now()
	}
	ss.mu.Unlock()

	switch {
	case !active:
		return nil, ErrSessionEnded
	case !settings.AllowEditing:
		return nil, ErrEditingDisabled
	case p == nil:
		return nil, ErrParticipantNotFound
	case role == RoleViewer:
		return nil, ErrForbidden
	}
	if l, ok := e.GetLock(change.ResourceID); ok && l.HolderID != userID && e.blocks(l.Type) {
		return nil, ErrElementLocked
	}
	if change.Kind == "" {
		change.Kind = ChangeModify
	}

	// 最后一个取消检查点：之后的写入不可中断，不会出现半应用的变更
	if err := cancelled(ctx); err != nil {
		return nil, err
	}

	// 与调用方的 map 脱钩，之后历史、事件和返回值各持一份
	change = *change.clone()

	ss.histMu.Lock()
	now := e.now()
	change.AuthorID = userID
	change.Timestamp = now
	change.Sequence = e.clock.Next()
	change.IsConflict = false

	window := e.opts.ConflictWindow
	recent := ss.history[change.ResourceID][:0:0]
	var colliding []Change
	for _, prev := range ss.history[change.ResourceID] {
		if now.Sub(prev.Timestamp) >= window {
			continue
		}
		recent = append(recent, prev)
		if prev.AuthorID != userID {
			prev.IsConflict = true
			colliding = append(colliding, *prev.clone())
		}
	}
	if len(colliding) > 0 {
		change.IsConflict = true
	}
	ss.history[change.ResourceID] = append(recent, change.clone())
	ss.changeCount++
	ss.histMu.Unlock()

	if change.IsConflict {
		e.handleConflict(ctx, ss, sessionID, *change.clone(), colliding)
	}
	e.publish(sessionID, userID, eventTypeForChange(change.Kind), ChangeEvent{Change: *change.clone()})
	return &change, nil
}

// GetRecentChanges 冲突窗口内某资源的近期变更（按序号）
func (e *Engine) GetRecentChanges(sessionID, resourceID string) ([]Change, error) {
	ss, err := e.getSession(sessionID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	ss.histMu.Lock()
	defer ss.histMu.Unlock()
	out := make([]Change, 0, len(ss.history[resourceID]))
	for _, c := range ss.history[resourceID] {
		if now.Sub(c.Timestamp) < e.opts.ConflictWindow {
			out = append(out, *c.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

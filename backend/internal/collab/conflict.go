package collab

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"designCollab/backend/internal/eventbus"
)

const systemResolver = "system"

// Resolution 解决策略的输出。Status 为 Pending 或 Rejected 时 Chosen 为空
type Resolution struct {
	Status ConflictStatus
	Chosen *Change
}

// ConflictResolver 冲突解决策略。Changes 按序号升序
type ConflictResolver interface {
	Resolve(ctx context.Context, c *Conflict) (Resolution, error)
}

type ResolverFunc func(ctx context.Context, c *Conflict) (Resolution, error)

func (f ResolverFunc) Resolve(ctx context.Context, c *Conflict) (Resolution, error) { return f(ctx, c) }

// LastWriteWins 取序号最大的变更
type LastWriteWins struct{}

func (LastWriteWins) Resolve(_ context.Context, c *Conflict) (Resolution, error) {
	if len(c.Changes) == 0 {
		return Resolution{Status: ConflictPending}, nil
	}
	chosen := c.Changes[0]
	for _, ch := range c.Changes[1:] {
		if ch.Sequence > chosen.Sequence {
			chosen = ch
		}
	}
	return Resolution{Status: ConflictAutoResolved, Chosen: &chosen}, nil
}

// FirstWriteWins 取序号最小的变更
type FirstWriteWins struct{}

func (FirstWriteWins) Resolve(_ context.Context, c *Conflict) (Resolution, error) {
	if len(c.Changes) == 0 {
		return Resolution{Status: ConflictPending}, nil
	}
	chosen := c.Changes[0]
	for _, ch := range c.Changes[1:] {
		if ch.Sequence < chosen.Sequence {
			chosen = ch
		}
	}
	return Resolution{Status: ConflictAutoResolved, Chosen: &chosen}, nil
}

// ManualResolution 保持 Pending，等待人工处理
type ManualResolution struct{}

func (ManualResolution) Resolve(context.Context, *Conflict) (Resolution, error) {
	return Resolution{Status: ConflictPending}, nil
}

func (e *Engine) resolverFor(strategy ConflictStrategy) ConflictResolver {
	if r, ok := e.opts.Resolvers[strategy]; ok && r != nil {
		return r
	}
	switch strategy {
	case StrategyLastWriteWins:
		return LastWriteWins{}
	case StrategyFirstWriteWins:
		return FirstWriteWins{}
	default:
		// Merge / ServerAuthoritative 没有默认算法
		return ManualResolution{}
	}
}

type ConflictEvent struct {
	Conflict *Conflict `json:"conflict"`
}

func (e *Engine) handleConflict(ctx context.Context, ss *sessionState, sessionID string, incoming Change, colliding []Change) {
	changes := append(append([]Change(nil), colliding...), incoming)
	sort.Slice(changes, func(i, j int) bool { return changes[i].Sequence < changes[j].Sequence })

	ss.mu.RLock()
	strategy := ss.session.Settings.ConflictStrategy
	ss.mu.RUnlock()

	c := &Conflict{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		ResourceID: incoming.ResourceID,
		Changes:    changes,
		Status:     ConflictPending,
		DetectedAt: e.now(),
	}
	res, err := e.resolverFor(strategy).Resolve(ctx, c.clone())
	if err != nil {
		e.log.Warn("conflict resolver failed, leave pending", "session", sessionID, "resource", incoming.ResourceID, "strategy", strategy, "err", err)
		res = Resolution{Status: ConflictPending}
	}
	now := e.now()
	switch {
	case res.Status == ConflictPending:
	case res.Status == ConflictRejected:
		c.Status = ConflictRejected
		c.ResolvedBy = systemResolver
		c.ResolvedAt = &now
	case res.Chosen == nil:
		e.log.Warn("conflict resolver returned no change, leave pending", "session", sessionID, "resource", incoming.ResourceID, "strategy", strategy, "status", res.Status)
	default:
		c.Status = res.Status
		c.Resolution = res.Chosen.clone()
		c.ResolvedBy = systemResolver
		c.ResolvedAt = &now
	}

	ss.dataMu.Lock()
	ss.conflicts[c.ID] = c
	ss.conflictOrder = append(ss.conflictOrder, c.ID)
	snap := c.clone()
	ss.dataMu.Unlock()

	e.log.Info("conflict detected", "session", sessionID, "resource", c.ResourceID, "changes", len(changes), "status", c.Status)
	if snap.Status == ConflictPending {
		e.publish(sessionID, incoming.AuthorID, eventbus.TypeConflictDetected, ConflictEvent{Conflict: snap})
		return
	}
	e.publish(sessionID, incoming.AuthorID, eventbus.TypeConflictResolved, ConflictEvent{Conflict: snap})
}

// ResolveConflict 人工选择 changeSeq 对应的变更作为结果（仅 Host/Editor）
func (e *Engine) ResolveConflict(ctx context.Context, sessionID, userID, conflictID string, changeSeq uint64) (*Conflict, error) {
	return e.closeConflict(ctx, sessionID, userID, conflictID, func(c *Conflict) error {
		for _, ch := range c.Changes {
			if ch.Sequence == changeSeq {
				c.Resolution = ch.clone()
				c.Status = ConflictManuallyResolved
				return nil
			}
		}
		return fmt.Errorf("%w: change %d is not part of conflict %s", ErrInvalidArgument, changeSeq, conflictID)
	})
}

// RejectConflict 拒绝冲突中的全部变更
func (e *Engine) RejectConflict(ctx context.Context, sessionID, userID, conflictID string) (*Conflict, error) {
	return e.closeConflict(ctx, sessionID, userID, conflictID, func(c *Conflict) error {
		c.Status = ConflictRejected
		c.Resolution = nil
		return nil
	})
}

func (e *Engine) closeConflict(ctx context.Context, sessionID, userID, conflictID string, apply func(*Conflict) error) (*Conflict, error) {
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	ss, err := e.getSession(sessionID)
	if err != nil {
		return nil, err
	}
	ss.mu.RLock()
	active := ss.session.IsActive()
	p := ss.participant(userID)
	var role Role
	if p != nil {
		role = p.Role
	}
	ss.mu.RUnlock()
	switch {
	case !active:
		return nil, ErrSessionEnded
	case p == nil:
		return nil, ErrParticipantNotFound
	case role != RoleHost && role != RoleEditor:
		return nil, ErrForbidden
	}

	ss.dataMu.Lock()
	c := ss.conflicts[conflictID]
	if c == nil {
		ss.dataMu.Unlock()
		return nil, ErrConflictNotFound
	}
	if c.Status != ConflictPending {
		ss.dataMu.Unlock()
		return nil, ErrConflictClosed
	}
	if err := apply(c); err != nil {
		ss.dataMu.Unlock()
		return nil, err
	}
	now := e.now()
	c.ResolvedBy = userID
	c.ResolvedAt = &now
	snap := c.clone()
	ss.dataMu.Unlock()

	e.publish(sessionID, userID, eventbus.TypeConflictResolved, ConflictEvent{Conflict: snap.clone()})
	return snap, nil
}

// GetConflicts 按检测顺序返回冲突；status 为空返回全部
func (e *Engine) GetConflicts(sessionID string, status ConflictStatus) ([]*Conflict, error) {
	ss, err := e.getSession(sessionID)
	if err != nil {
		return nil, err
	}
	ss.dataMu.RLock()
	defer ss.dataMu.RUnlock()
	out := make([]*Conflict, 0, len(ss.conflictOrder))
	for _, id := range ss.conflictOrder {
		c := ss.conflicts[id]
		if status == "" || c.Status == status {
			out = append(out, c.clone())
		}
	}
	return out, nil
}

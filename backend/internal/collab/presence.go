package collab

import (
	"context"
	"encoding/json"

	"designCollab/backend/internal/eventbus"
)

type PresenceEvent struct {
	UserID    string         `json:"userId"`
	Status    PresenceStatus `json:"status,omitempty"`
	Cursor    *Cursor        `json:"cursor,omitempty"`
	Selection *Selection     `json:"selection,omitempty"`
	View      *ViewState     `json:"view,omitempty"`
}

// touch 校验参与者存在，刷新活跃时间并写入最新快照（字段级后写覆盖）
func (e *Engine) touch(ctx context.Context, sessionID, userID string, apply func(*Participant)) (SessionSettings, error) {
	if err := cancelled(ctx); err != nil {
		return SessionSettings{}, err
	}
	ss, err := e.getSession(sessionID)
	if err != nil {
		return SessionSettings{}, err
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if !ss.session.IsActive() {
		return SessionSettings{}, ErrSessionEnded
	}
	p := ss.participant(userID)
	if p == nil {
		return SessionSettings{}, ErrParticipantNotFound
	}
	apply(p)
	p.LastActivityAt = e.now()
	return ss.session.Settings, nil
}

func (e *Engine) UpdatePresence(ctx context.Context, sessionID, userID string, status PresenceStatus) error {
	if _, err := e.touch(ctx, sessionID, userID, func(p *Participant) { p.Status = status }); err != nil {
		return err
	}
	e.publish(sessionID, userID, eventbus.TypePresenceChanged, PresenceEvent{UserID: userID, Status: status})
	return nil
}

// UpdateCursor 关闭 ShowCursors 时只记录不广播
func (e *Engine) UpdateCursor(ctx context.Context, sessionID, userID string, cursor Cursor) error {
	settings, err := e.touch(ctx, sessionID, userID, func(p *Participant) {
		c := cursor
		p.Cursor = &c
	})
	if err != nil {
		return err
	}
	e.mirrorCursor(ctx, sessionID, userID, cursor)
	if !settings.ShowCursors {
		return nil
	}
	e.publish(sessionID, userID, eventbus.TypeCursorMoved, PresenceEvent{UserID: userID, Cursor: &cursor})
	return nil
}

// UpdateSelection 关闭 ShowSelections 时只记录不广播
func (e *Engine) UpdateSelection(ctx context.Context, sessionID, userID string, selection Selection) error {
	sel := Selection{ResourceIDs: append([]string(nil), selection.ResourceIDs...)}
	settings, err := e.touch(ctx, sessionID, userID, func(p *Participant) {
		cp := Selection{ResourceIDs: append([]string(nil), sel.ResourceIDs...)}
		p.Selection = &cp
	})
	if err != nil {
		return err
	}
	if !settings.ShowSelections {
		return nil
	}
	e.publish(sessionID, userID, eventbus.TypeSelectionChanged, PresenceEvent{UserID: userID, Selection: &sel})
	return nil
}

func (e *Engine) UpdateView(ctx context.Context, sessionID, userID string, view ViewState) error {
	if _, err := e.touch(ctx, sessionID, userID, func(p *Participant) {
		v := view
		p.View = &v
	}); err != nil {
		return err
	}
	e.publish(sessionID, userID, eventbus.TypeViewChanged, PresenceEvent{UserID: userID, View: &view})
	return nil
}

func (e *Engine) mirrorCursor(ctx context.Context, sessionID, userID string, cursor Cursor) {
	if e.opts.Presence == nil {
		return
	}
	b, err := json.Marshal(cursor)
	if err != nil {
		return
	}
	mctx, cancel := e.mirrorCtx(ctx)
	defer cancel()
	if err := e.opts.Presence.SetCursor(mctx, sessionID, userID, b, e.opts.PresenceTTL); err != nil {
		e.log.Warn("presence mirror set cursor failed", "session", sessionID, "user", userID, "err", err)
	}
}

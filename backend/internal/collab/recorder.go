package collab

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"designCollab/backend/internal/eventbus"
)

// Recording 一段会话事件日志，用于回放与统计
type Recording struct {
	ID           string                `json:"id"`
	SessionID    string                `json:"sessionId"`
	StartedAt    time.Time             `json:"startedAt"`
	StoppedAt    *time.Time            `json:"stoppedAt,omitempty"`
	Events       []eventbus.Event      `json:"events"`
	CountsByType map[eventbus.Type]int `json:"countsByType"`
}

func (r *Recording) Duration() time.Duration {
	if r.StoppedAt == nil {
		return 0
	}
	return r.StoppedAt.Sub(r.StartedAt)
}

func (r *Recording) clone() *Recording {
	cp := *r
	cp.Events = append([]eventbus.Event(nil), r.Events...)
	cp.CountsByType = make(map[eventbus.Type]int, len(r.CountsByType))
	for k, v := range r.CountsByType {
		cp.CountsByType[k] = v
	}
	if r.StoppedAt != nil {
		t := *r.StoppedAt
		cp.StoppedAt = &t
	}
	return &cp
}

type recorder struct {
	mu     sync.Mutex
	active map[string]*Recording
	done   map[string]*Recording
}

func newRecorder() *recorder {
	return &recorder{
		active: make(map[string]*Recording),
		done:   make(map[string]*Recording),
	}
}

// observe 作为 eventbus hook 调用，持有会话通道锁，保证按序号追加
func (r *recorder) observe(evt eventbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.active[evt.SessionID]
	if rec == nil {
		return
	}
	rec.Events = append(rec.Events, evt)
	rec.CountsByType[evt.Type]++
}

func (r *recorder) start(sessionID string, now time.Time) (*Recording, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec := r.active[sessionID]; rec != nil {
		return rec.clone(), false
	}
	rec := &Recording{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		StartedAt:    now,
		CountsByType: make(map[eventbus.Type]int),
	}
	r.active[sessionID] = rec
	return rec.clone(), true
}

func (r *recorder) stop(sessionID string, now time.Time) *Recording {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.active[sessionID]
	if rec == nil {
		return nil
	}
	delete(r.active, sessionID)
	rec.StoppedAt = &now
	r.done[sessionID] = rec
	return rec.clone()
}

func (r *recorder) forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, sessionID)
	delete(r.done, sessionID)
}

func (r *recorder) get(sessionID string) *Recording {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec := r.active[sessionID]; rec != nil {
		return rec.clone()
	}
	if rec := r.done[sessionID]; rec != nil {
		return rec.clone()
	}
	return nil
}

// StartRecording 开始录制会话事件；已在录制时返回当前录制
func (e *Engine) StartRecording(ctx context.Context, sessionID string) (*Recording, error) {
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	ss, err := e.getSession(sessionID)
	if err != nil {
		return nil, err
	}
	ss.mu.RLock()
	active := ss.session.IsActive()
	ss.mu.RUnlock()
	if !active {
		return nil, ErrSessionEnded
	}
	rec, started := e.recorder.start(sessionID, e.now())
	if started {
		e.log.Info("recording started", "session", sessionID, "recording", rec.ID)
	}
	return rec, nil
}

// StopRecording 停止录制并交给 RecordingSink 持久化（失败只记录日志）
func (e *Engine) StopRecording(ctx context.Context, sessionID string) (*Recording, error) {
	if _, err := e.getSession(sessionID); err != nil {
		return nil, err
	}
	rec := e.recorder.stop(sessionID, e.now())
	if rec == nil {
		return nil, ErrRecordingNotFound
	}
	e.persistRecording(ctx, rec)
	return rec, nil
}

// GetRecording 返回进行中或最近一次结束的录制
func (e *Engine) GetRecording(sessionID string) (*Recording, error) {
	rec := e.recorder.get(sessionID)
	if rec == nil {
		return nil, ErrRecordingNotFound
	}
	return rec, nil
}

func (e *Engine) persistRecording(ctx context.Context, rec *Recording) {
	if e.opts.Recordings == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.opts.Recordings.SaveRecording(sctx, rec); err != nil {
		e.log.Warn("save recording failed", "session", rec.SessionID, "recording", rec.ID, "err", err)
		return
	}
	e.log.Info("recording saved", "session", rec.SessionID, "recording", rec.ID, "events", len(rec.Events))
}

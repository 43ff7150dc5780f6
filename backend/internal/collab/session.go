package collab

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"designCollab/backend/internal/eventbus"
)

// sessionState 单个会话的全部内存状态。
// 锁顺序：mu -> Engine.locks.mu；histMu、dataMu 互不嵌套
type sessionState struct {
	// 保护 session（成员表、设置、结束时间）
	mu      sync.RWMutex
	session Session

	// 冲突检测窗口内的近期变更，按资源 id
	histMu      sync.Mutex
	history     map[string][]*Change
	changeCount int

	// 聊天、批注、冲突、跟随请求
	dataMu        sync.RWMutex
	chat          []ChatMessage
	annotations   []*Annotation
	conflicts     map[string]*Conflict
	conflictOrder []string
	follows       map[string]*FollowRequest
}

type ParticipantEvent struct {
	Participant *Participant `json:"participant"`
}

type LeftEvent struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

type SessionEndedEvent struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

const (
	leaveReasonLeft         = "left"
	leaveReasonSessionEnded = "session_ended"
)

// 调用方持有 mu
func (s *sessionState) participant(userID string) *Participant {
	for _, p := range s.session.Participants {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

// snapshot 返回深拷贝，调用方持有 mu（读锁即可）
func (s *sessionState) snapshot() *Session {
	cp := s.session
	cp.Participants = make([]*Participant, 0, len(s.session.Participants))
	for _, p := range s.session.Participants {
		cp.Participants = append(cp.Participants, p.clone())
	}
	if s.session.EndedAt != nil {
		t := *s.session.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

func (e *Engine) normalizeSettings(in *SessionSettings) SessionSettings {
	def := DefaultSessionSettings()
	def.MaxParticipants = e.opts.DefaultMaxParticipants
	if in == nil {
		return def
	}
	st := *in
	if st.MaxParticipants <= 0 {
		st.MaxParticipants = def.MaxParticipants
	}
	if st.DefaultLockType == "" || st.DefaultLockType == LockNone {
		st.DefaultLockType = def.DefaultLockType
	}
	if st.ConflictStrategy == "" {
		st.ConflictStrategy = def.ConflictStrategy
	}
	return st
}

// CreateSession 创建会话，host 作为第一个参与者；创建受信号量准入控制
func (e *Engine) CreateSession(ctx context.Context, projectID, hostID, hostName string, settings *SessionSettings) (*Session, error) {
	if e.closed.Load() {
		return nil, ErrEngineShutdown
	}
	if hostID == "" {
		return nil, fmt.Errorf("%w: host user id is required", ErrInvalidArgument)
	}

	acquireCtx, cancel := context.WithTimeout(ctx, e.opts.CreateTimeout)
	defer cancel()
	if err := e.createSem.Acquire(acquireCtx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOperationCancelled, err)
	}
	defer e.createSem.Release()

	now := e.now()
	host := &Participant{
		UserID:         hostID,
		Name:           hostName,
		Color:          participantColors[0],
		Role:           RoleHost,
		Status:         PresenceActive,
		JoinedAt:       now,
		LastActivityAt: now,
	}
	ss := &sessionState{
		session: Session{
			ID:           uuid.NewString(),
			ProjectID:    projectID,
			HostID:       hostID,
			Participants: []*Participant{host},
			Settings:     e.normalizeSettings(settings),
			StartedAt:    now,
		},
		history:   make(map[string][]*Change),
		conflicts: make(map[string]*Conflict),
		follows:   make(map[string]*FollowRequest),
	}
	id := ss.session.ID

	e.bus.Open(id)
	e.mu.Lock()
	e.sessions[id] = ss
	e.mu.Unlock()

	e.publish(id, hostID, eventbus.TypeUserJoined, ParticipantEvent{Participant: host.clone()})
	e.mirrorJoin(ctx, id, hostID, hostName)
	e.log.Info("session created", "session", id, "project", projectID, "host", hostID)

	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.snapshot(), nil
}

// JoinSession 加入会话；role 为空时按 Editor 处理。重复加入返回已有参与者
func (e *Engine) JoinSession(ctx context.Context, sessionID, userID, name string, role Role) (*Participant, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	ss, err := e.getSession(sessionID)
	if err != nil {
		return nil, err
	}
	if role == "" {
		role = RoleEditor
	}

	ss.mu.Lock()
	if !ss.session.IsActive() {
		ss.mu.Unlock()
		return nil, ErrSessionEnded
	}
	if existing := ss.participant(userID); existing != nil {
		existing.LastActivityAt = e.now()
		cp := existing.clone()
		ss.mu.Unlock()
		return cp, nil
	}
	if len(ss.session.Participants) >= ss.session.Settings.MaxParticipants {
		ss.mu.Unlock()
		return nil, ErrSessionFull
	}
	now := e.now()
	p := &Participant{
		UserID:         userID,
		Name:           name,
		Color:          participantColors[len(ss.session.Participants)%len(participantColors)],
		Role:           role,
		Status:         PresenceActive,
		JoinedAt:       now,
		LastActivityAt: now,
	}
	ss.session.Participants = append(ss.session.Participants, p)
	cp := p.clone()
	ss.mu.Unlock()

	e.publish(sessionID, userID, eventbus.TypeUserJoined, ParticipantEvent{Participant: cp.clone()})
	e.mirrorJoin(ctx, sessionID, userID, name)
	e.log.Info("participant joined", "session", sessionID, "user", userID, "role", role)
	return cp, nil
}

// LeaveSession 移除参与者并释放其持有的全部锁；host 离开或成员清空时结束会话
func (e *Engine) LeaveSession(ctx context.Context, sessionID, userID string) error {
	if err := cancelled(ctx); err != nil {
		return err
	}
	ss, err := e.getSession(sessionID)
	if err != nil {
		return err
	}

	ss.mu.Lock()
	if !ss.session.IsActive() {
		ss.mu.Unlock()
		return nil
	}
	idx := -1
	for i, p := range ss.session.Participants {
		if p.UserID == userID {
			idx = i
			break
		}
	}
	if idx < 0 {
		ss.mu.Unlock()
		return ErrParticipantNotFound
	}
	left := ss.session.Participants[idx]
	ss.session.Participants = append(ss.session.Participants[:idx], ss.session.Participants[idx+1:]...)
	isHost := userID == ss.session.HostID
	empty := len(ss.session.Participants) == 0
	// 成员变化与锁释放在同一临界区内线性化
	released := e.locks.releaseWhere(func(l *ResourceLock) bool {
		return l.SessionID == sessionID && l.HolderID == userID
	})
	ss.mu.Unlock()

	ss.dataMu.Lock()
	for id, f := range ss.follows {
		if f.FollowerID == userID || f.LeaderID == userID {
			delete(ss.follows, id)
		}
	}
	ss.dataMu.Unlock()

	for _, l := range released {
		e.publish(sessionID, userID, eventbus.TypeLockReleased, LockEvent{Lock: l, Reason: lockReasonOwnerLeft})
	}
	e.publish(sessionID, userID, eventbus.TypeUserLeft, LeftEvent{UserID: userID, Name: left.Name, Reason: leaveReasonLeft})
	e.mirrorLeave(ctx, sessionID, userID)
	e.log.Info("participant left", "session", sessionID, "user", userID, "locksReleased", len(released))

	if isHost || empty {
		return e.EndSession(ctx, sessionID)
	}
	return nil
}

// EndSession 幂等。通知剩余参与者后关闭事件通道；
// 每处理一个参与者前检查取消，单个通知失败只记录日志
func (e *Engine) EndSession(ctx context.Context, sessionID string) error {
	ss, err := e.getSession(sessionID)
	if err != nil {
		return err
	}

	ss.mu.Lock()
	if !ss.session.IsActive() {
		ss.mu.Unlock()
		return nil
	}
	now := e.now()
	ss.session.EndedAt = &now
	remaining := make([]*Participant, 0, len(ss.session.Participants))
	for _, p := range ss.session.Participants {
		remaining = append(remaining, p.clone())
	}
	released := e.locks.releaseWhere(func(l *ResourceLock) bool { return l.SessionID == sessionID })
	ss.mu.Unlock()

	for _, l := range released {
		e.publish(sessionID, l.HolderID, eventbus.TypeLockReleased, LockEvent{Lock: l, Reason: lockReasonSessionEnded})
	}

	var cancelErr error
	for _, p := range remaining {
		if err := ctx.Err(); err != nil {
			cancelErr = err
			e.log.Warn("end session notifications cancelled", "session", sessionID, "err", err)
			break
		}
		e.publish(sessionID, p.UserID, eventbus.TypeUserLeft, LeftEvent{UserID: p.UserID, Name: p.Name, Reason: leaveReasonSessionEnded})
		e.mirrorLeave(ctx, sessionID, p.UserID)
	}

	e.publish(sessionID, "", eventbus.TypeSessionEnded, SessionEndedEvent{SessionID: sessionID, Reason: leaveReasonSessionEnded})
	if rec := e.recorder.stop(sessionID, e.now()); rec != nil {
		e.persistRecording(ctx, rec)
	}
	e.bus.Close(sessionID)

	// 结束后冲突窗口不再有意义，历史先释放；会话本身保留到 SweepEndedSessions
	ss.histMu.Lock()
	ss.history = make(map[string][]*Change)
	ss.histMu.Unlock()
	e.log.Info("session ended", "session", sessionID, "participants", len(remaining))

	if cancelErr != nil {
		return fmt.Errorf("%w: %v", ErrOperationCancelled, cancelErr)
	}
	return nil
}

// GetSession 返回会话快照
func (e *Engine) GetSession(sessionID string) (*Session, error) {
	ss, err := e.getSession(sessionID)
	if err != nil {
		return nil, err
	}
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.snapshot(), nil
}

func (e *Engine) GetParticipants(sessionID string) ([]*Participant, error) {
	s, err := e.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	return s.Participants, nil
}

// ListActiveSessions 按开始时间排序
func (e *Engine) ListActiveSessions(projectID string) []*Session {
	e.mu.RLock()
	states := make([]*sessionState, 0, len(e.sessions))
	for _, ss := range e.sessions {
		states = append(states, ss)
	}
	e.mu.RUnlock()

	out := make([]*Session, 0, len(states))
	for _, ss := range states {
		ss.mu.RLock()
		if ss.session.IsActive() && (projectID == "" || ss.session.ProjectID == projectID) {
			out = append(out, ss.snapshot())
		}
		ss.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (e *Engine) mirrorJoin(ctx context.Context, sessionID, userID, name string) {
	if e.opts.Presence == nil {
		return
	}
	mctx, cancel := e.mirrorCtx(ctx)
	defer cancel()
	if err := e.opts.Presence.AddMember(mctx, sessionID, userID, name, e.opts.PresenceTTL); err != nil {
		e.log.Warn("presence mirror add member failed", "session", sessionID, "user", userID, "err", err)
	}
}

func (e *Engine) mirrorLeave(ctx context.Context, sessionID, userID string) {
	if e.opts.Presence == nil {
		return
	}
	mctx, cancel := e.mirrorCtx(ctx)
	defer cancel()
	if err := e.opts.Presence.RemoveMember(mctx, sessionID, userID); err != nil {
		e.log.Warn("presence mirror remove member failed", "session", sessionID, "user", userID, "err", err)
	}
}

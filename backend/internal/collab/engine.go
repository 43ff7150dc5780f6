package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"designCollab/backend/internal/eventbus"
	"designCollab/backend/internal/sequence"
)

const (
	DefaultLockTTL          = 30 * time.Minute
	DefaultConflictWindow   = 5 * time.Second
	DefaultChatHistoryLimit = 500
	DefaultCreateTimeout    = 2 * time.Second
	DefaultPresenceTTL      = 600 * time.Second
	DefaultEndedRetention   = 10 * time.Minute
)

// PresenceMirror 把在线成员与光标同步到外部缓存（redis 实现见 cache 包），
// 失败只记录日志，不影响会话本身
type PresenceMirror interface {
	AddMember(ctx context.Context, sessionID, userID, name string, ttl time.Duration) error
	RemoveMember(ctx context.Context, sessionID, userID string) error
	SetCursor(ctx context.Context, sessionID, userID string, jsonData []byte, ttl time.Duration) error
}

// EventSink 接收每一条已广播的事件（例如 KafkaDispatcher），必须非阻塞
type EventSink interface {
	TryEnqueue(evt eventbus.Event) bool
}

// RecordingSink 持久化已停止的录制（gorm 实现见 store 包）
type RecordingSink interface {
	SaveRecording(ctx context.Context, rec *Recording) error
}

type Options struct {
	Logger *slog.Logger
	// Now 可注入时钟，测试用
	Now func() time.Time

	// 会话创建准入：同时进行中的 CreateSession 上限与等待时间
	MaxConcurrentCreates int
	CreateTimeout        time.Duration

	// 未指定 settings 或 MaxParticipants<=0 时使用
	DefaultMaxParticipants int

	LockTTL        time.Duration
	HardLocksBlock bool
	ConflictWindow time.Duration

	ChatHistoryLimit    int
	SubscriberBuffer    int
	ShutdownParallelism int

	// 已结束会话保留多久（期间仍可查询、订阅得到已关闭的流），之后由 SweepEndedSessions 回收
	EndedSessionRetention time.Duration

	// 覆盖或补充冲突解决策略（Merge / ServerAuthoritative 未注册时按 Manual 处理）
	Resolvers map[ConflictStrategy]ConflictResolver

	Presence    PresenceMirror
	PresenceTTL time.Duration
	Sink        EventSink
	Recordings  RecordingSink
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.MaxConcurrentCreates <= 0 {
		o.MaxConcurrentCreates = DefaultMaxSemaphore
	}
	if o.CreateTimeout <= 0 {
		o.CreateTimeout = DefaultCreateTimeout
	}
	if o.DefaultMaxParticipants <= 0 {
		o.DefaultMaxParticipants = DefaultSessionSettings().MaxParticipants
	}
	if o.LockTTL <= 0 {
		o.LockTTL = DefaultLockTTL
	}
	if o.ConflictWindow <= 0 {
		o.ConflictWindow = DefaultConflictWindow
	}
	if o.ChatHistoryLimit <= 0 {
		o.ChatHistoryLimit = DefaultChatHistoryLimit
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = eventbus.DefaultBufferSize
	}
	if o.ShutdownParallelism <= 0 {
		o.ShutdownParallelism = 8
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = DefaultPresenceTTL
	}
	if o.EndedSessionRetention <= 0 {
		o.EndedSessionRetention = DefaultEndedRetention
	}
	return o
}

// Engine 协作协调引擎：会话、在线状态、锁、变更与冲突、事件流
type Engine struct {
	opts Options
	log  *slog.Logger
	now  func() time.Time

	// 进程级序号，分配给 Change
	clock     *sequence.Clock
	bus       *eventbus.Bus
	createSem *SemaphoreControl
	locks     *lockTable
	recorder  *recorder

	mu       sync.RWMutex
	sessions map[string]*sessionState

	shutdownOnce sync.Once
	closed       atomic.Bool
}

func NewEngine(opts Options) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		opts:      opts,
		log:       opts.Logger,
		now:       opts.Now,
		clock:     sequence.NewClock(),
		bus:       eventbus.NewBus(opts.SubscriberBuffer, opts.Now),
		createSem: NewSemaphoreControl(opts.MaxConcurrentCreates),
		locks:     newLockTable(),
		recorder:  newRecorder(),
		sessions:  make(map[string]*sessionState),
	}
	e.bus.AddHook(e.recorder.observe)
	if opts.Sink != nil {
		sink := opts.Sink
		e.bus.AddHook(func(evt eventbus.Event) {
			if !sink.TryEnqueue(evt) {
				e.log.Warn("event sink queue full, drop event",
					"session", evt.SessionID, "type", evt.Type, "seq", evt.Sequence)
			}
		})
	}
	return e
}

func (e *Engine) getSession(sessionID string) (*sessionState, error) {
	e.mu.RLock()
	ss := e.sessions[sessionID]
	e.mu.RUnlock()
	if ss == nil {
		return nil, ErrSessionNotFound
	}
	return ss, nil
}

func (e *Engine) publish(sessionID, userID string, typ eventbus.Type, payload any) {
	if _, err := e.bus.Publish(sessionID, userID, typ, payload); err != nil {
		if errors.Is(err, eventbus.ErrChannelClosed) {
			e.log.Debug("drop event on closed session", "session", sessionID, "type", typ)
			return
		}
		e.log.Warn("publish event failed", "session", sessionID, "type", typ, "err", err)
	}
}

// SubscribeToEvents 订阅会话事件流。会话结束后订阅得到一个已关闭的流
func (e *Engine) SubscribeToEvents(ctx context.Context, sessionID string) (*eventbus.Subscription, error) {
	if _, err := e.getSession(sessionID); err != nil {
		return nil, err
	}
	sub, err := e.bus.Subscribe(ctx, sessionID)
	if err != nil {
		if errors.Is(err, eventbus.ErrChannelNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// GetSessionStats 会话统计：人数、时长、事件/变更/冲突/锁/聊天/批注数量
func (e *Engine) GetSessionStats(sessionID string) (*SessionStats, error) {
	ss, err := e.getSession(sessionID)
	if err != nil {
		return nil, err
	}

	stats := &SessionStats{SessionID: sessionID}
	ss.mu.RLock()
	stats.IsActive = ss.session.IsActive()
	stats.ParticipantCount = len(ss.session.Participants)
	end := e.now()
	if ss.session.EndedAt != nil {
		end = *ss.session.EndedAt
	}
	stats.Duration = end.Sub(ss.session.StartedAt)
	ss.mu.RUnlock()

	ss.histMu.Lock()
	stats.ChangeCount = ss.changeCount
	ss.histMu.Unlock()

	ss.dataMu.RLock()
	stats.ConflictCount = len(ss.conflicts)
	for _, c := range ss.conflicts {
		if c.Status == ConflictPending {
			stats.PendingConflicts++
		}
	}
	stats.ChatMessageCount = len(ss.chat)
	stats.AnnotationCount = len(ss.annotations)
	ss.dataMu.RUnlock()

	stats.LockCount = len(e.GetSessionLocks(sessionID))
	stats.EventCount = e.bus.Published(sessionID)
	stats.SubscriberCount = e.bus.SubscriberCount(sessionID)
	return stats, nil
}

// SweepEndedSessions 回收结束时间超过保留期的会话：会话状态、事件通道和录制一起删除。
// 返回回收数量
func (e *Engine) SweepEndedSessions() int {
	now := e.now()
	var expired []string
	e.mu.Lock()
	for id, ss := range e.sessions {
		ss.mu.RLock()
		ended := ss.session.EndedAt
		ss.mu.RUnlock()
		if ended != nil && now.Sub(*ended) >= e.opts.EndedSessionRetention {
			expired = append(expired, id)
			delete(e.sessions, id)
		}
	}
	e.mu.Unlock()

	for _, id := range expired {
		e.bus.Remove(id)
		e.recorder.forget(id)
	}
	return len(expired)
}

// RunLockReaper 周期性清理过期锁与超过保留期的已结束会话，直到 ctx 结束
func (e *Engine) RunLockReaper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := e.SweepExpiredLocks(); n > 0 {
				e.log.Info("expired locks released", "count", n)
			}
			if n := e.SweepEndedSessions(); n > 0 {
				e.log.Info("ended sessions evicted", "count", n)
			}
		}
	}
}

// Shutdown 结束所有会话、关闭所有事件通道并释放内存状态。
// 幂等；调用方保证不与正常流量并发。
func (e *Engine) Shutdown(ctx context.Context) error {
	var err error
	e.shutdownOnce.Do(func() {
		e.closed.Store(true)

		e.mu.RLock()
		ids := make([]string, 0, len(e.sessions))
		for id := range e.sessions {
			ids = append(ids, id)
		}
		e.mu.RUnlock()

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.opts.ShutdownParallelism)
		for _, id := range ids {
			g.Go(func() error {
				// 单个会话失败不影响整体关闭
				if endErr := e.EndSession(gctx, id); endErr != nil {
					e.log.Warn("end session during shutdown failed", "session", id, "err", endErr)
				}
				return nil
			})
		}
		_ = g.Wait()

		e.bus.CloseAll()
		e.locks.clear()

		e.mu.Lock()
		for id := range e.sessions {
			e.bus.Remove(id)
		}
		e.sessions = make(map[string]*sessionState)
		e.mu.Unlock()

		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ErrOperationCancelled, ctx.Err())
		}
		e.log.Info("collaboration engine shut down", "sessions", len(ids))
	})
	return err
}

// 外部缓存调用使用独立超时，不继承调用方的取消
func (e *Engine) mirrorCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 500*time.Millisecond)
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrOperationCancelled, err)
	}
	return nil
}

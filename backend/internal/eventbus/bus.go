package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"designCollab/backend/internal/sequence"
)

var (
	ErrChannelNotFound = errors.New("EVENT_CHANNEL_NOT_FOUND")
	ErrChannelClosed   = errors.New("EVENT_CHANNEL_CLOSED")
)

// DefaultBufferSize 每个订阅者的缓冲上限，满了丢最旧的一条
const DefaultBufferSize = 1024

// Hook 在事件入队后同步调用（持有会话通道锁），必须非阻塞
type Hook func(Event)

// Bus：每个会话一条有序、多订阅者的事件通道
type Bus struct {
	mu         sync.RWMutex
	channels   map[string]*channel
	bufferSize int
	now        func() time.Time

	hooksMu sync.RWMutex
	hooks   []Hook
}

type channel struct {
	mu        sync.Mutex
	sessionID string
	// 会话内序号，保证同一会话的流严格递增且无空洞
	clock     *sequence.Clock
	subs      map[uint64]*Subscription
	nextSubID uint64
	closed    bool
}

// Subscription 一个订阅者句柄，Events() 按入队顺序产出事件，
// 会话结束或 ctx 取消时通道被关闭
type Subscription struct {
	id      uint64
	ch      chan Event
	owner   *channel
	once    sync.Once
	stop    chan struct{}
	dropped atomic.Uint64
}

func NewBus(bufferSize int, now func() time.Time) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if now == nil {
		now = time.Now
	}
	return &Bus{
		channels:   make(map[string]*channel),
		bufferSize: bufferSize,
		now:        now,
	}
}

// AddHook 注册一个观察者（录制、Kafka 转发等）
func (b *Bus) AddHook(h Hook) {
	b.hooksMu.Lock()
	defer b.hooksMu.Unlock()
	b.hooks = append(b.hooks, h)
}

// Open 为会话分配通道；已存在时返回 false
func (b *Bus) Open(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.channels[sessionID]; ok {
		return false
	}
	b.channels[sessionID] = &channel{
		sessionID: sessionID,
		clock:     sequence.NewClock(),
		subs:      make(map[uint64]*Subscription),
	}
	return true
}

func (b *Bus) get(sessionID string) *channel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.channels[sessionID]
}

// Publish 盖上序号与时间戳后扇出给所有订阅者
func (b *Bus) Publish(sessionID, userID string, typ Type, payload any) (Event, error) {
	c := b.get(sessionID)
	if c == nil {
		return Event{}, ErrChannelNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Event{}, ErrChannelClosed
	}
	evt := Event{
		SessionID: sessionID,
		UserID:    userID,
		Type:      typ,
		Payload:   payload,
		Sequence:  c.clock.Next(),
		Timestamp: b.now(),
	}
	for _, s := range c.subs {
		s.deliver(evt)
	}

	b.hooksMu.RLock()
	hooks := b.hooks
	b.hooksMu.RUnlock()
	for _, h := range hooks {
		h(evt)
	}
	return evt, nil
}

// Subscribe 返回一个新的订阅。已关闭的通道返回一个已经结束的流
func (b *Bus) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	c := b.get(sessionID)
	if c == nil {
		return nil, ErrChannelNotFound
	}

	s := &Subscription{
		ch:    make(chan Event, b.bufferSize),
		owner: c,
		stop:  make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.finish()
		return s, nil
	}
	c.nextSubID++
	s.id = c.nextSubID
	c.subs[s.id] = s
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.stop:
		}
	}()
	return s, nil
}

// Close 关闭会话通道：不再接受写入，所有订阅者看到流正常结束
func (b *Bus) Close(sessionID string) {
	c := b.get(sessionID)
	if c == nil {
		return
	}
	c.close()
}

// Remove 关闭并删除会话通道
func (b *Bus) Remove(sessionID string) {
	b.mu.Lock()
	c := b.channels[sessionID]
	delete(b.channels, sessionID)
	b.mu.Unlock()
	if c != nil {
		c.close()
	}
}

// CloseAll 关闭所有通道（幂等）
func (b *Bus) CloseAll() {
	b.mu.RLock()
	cs := make([]*channel, 0, len(b.channels))
	for _, c := range b.channels {
		cs = append(cs, c)
	}
	b.mu.RUnlock()
	for _, c := range cs {
		c.close()
	}
}

// Published 返回会话已广播的事件数
func (b *Bus) Published(sessionID string) uint64 {
	c := b.get(sessionID)
	if c == nil {
		return 0
	}
	return c.clock.Current()
}

func (b *Bus) SubscriberCount(sessionID string) int {
	c := b.get(sessionID)
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (b *Bus) IsClosed(sessionID string) bool {
	c := b.get(sessionID)
	if c == nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *channel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, s := range c.subs {
		delete(c.subs, id)
		s.finish()
	}
}

func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped 因缓冲区满被丢弃的事件数
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close 取消订阅（幂等）
func (s *Subscription) Close() {
	c := s.owner
	c.mu.Lock()
	delete(c.subs, s.id)
	s.finish()
	c.mu.Unlock()
}

// 调用方必须持有 owner.mu，或者订阅尚未注册
func (s *Subscription) finish() {
	s.once.Do(func() {
		close(s.ch)
		close(s.stop)
	})
}

// deliver 非阻塞投递；满了先丢最旧的一条再放入
func (s *Subscription) deliver(evt Event) {
	select {
	case s.ch <- evt:
		return
	default:
	}
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- evt:
	default:
		s.dropped.Add(1)
	}
}

package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"designCollab/backend/internal/collab"
	"designCollab/backend/internal/eventbus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
	// 单条消息的处理上限（含信号量等待）
	handleTimeout = 2 * time.Second
	// 断线后离开会话使用的独立超时
	leaveTimeout = 2 * time.Second
)

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	engine   *collab.Engine
	sem      *collab.SemaphoreControl
	log      *slog.Logger
	userID   string
	username string

	// 当前所在会话及其事件订阅，只在读循环 goroutine 中读写
	sessionID string
	sub       *eventbus.Subscription

	send      chan OutboundMessage
	done      chan struct{}
	closeOnce sync.Once
}

func NewConn(ws *websocket.Conn, hub *Hub, engine *collab.Engine, sem *collab.SemaphoreControl, log *slog.Logger, userID, username string) *Conn {
	if log == nil {
		log = slog.Default()
	}
	return &Conn{
		ws:       ws,
		hub:      hub,
		engine:   engine,
		sem:      sem,
		log:      log.With("user", userID),
		userID:   userID,
		username: username,
		send:     make(chan OutboundMessage, sendBuffer),
		done:     make(chan struct{}),
	}
}

// Enqueue 非阻塞入队，连接已关闭或队列满时丢弃
func (c *Conn) Enqueue(msg OutboundMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.log.Warn("send queue full, drop message", "type", msg.MessageType())
		return false
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.shutdown(ctx)
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read failed", "session", c.sessionID, "err", err)
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.Enqueue(errorMessage(msg, fmt.Errorf("%w: %v", collab.ErrInvalidArgument, err)))
			continue
		}
		c.Enqueue(c.handle(ctx, msg))
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.log.Warn("websocket write failed", "err", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// relay 把会话事件流转发到本连接，会话结束或订阅关闭时退出
func (c *Conn) relay(sub *eventbus.Subscription) {
	for evt := range sub.Events() {
		c.Enqueue(EventMessage{Type: "event", Event: evt})
	}
}

// handle 处理一条客户端消息并返回应答
func (c *Conn) handle(ctx context.Context, msg ClientMessage) OutboundMessage {
	hctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	if c.sem != nil {
		if err := c.sem.Acquire(hctx); err != nil {
			return errorMessage(msg, fmt.Errorf("%w: %v", collab.ErrOperationCancelled, err))
		}
		defer c.sem.Release()
	}

	data, err := c.dispatch(hctx, msg)
	if err != nil {
		c.log.Debug("message rejected", "type", msg.Type, "session", c.target(msg), "err", err)
		return errorMessage(msg, err)
	}
	if reply, ok := data.(ServerMessage); ok {
		return reply
	}
	return ServerMessage{Type: msg.Type, ReqID: msg.ReqID, SessionID: c.target(msg), Data: data}
}

func (c *Conn) dispatch(ctx context.Context, msg ClientMessage) (any, error) {
	sid := c.target(msg)
	switch msg.Type {
	case MsgHeartbeat:
		// 续期 redis 中的在线成员，不产生会话事件
		if sid != "" && c.hub.presence != nil {
			if err := c.hub.presence.AddMember(ctx, sid, c.userID, c.username, collab.DefaultPresenceTTL); err != nil {
				c.log.Warn("presence heartbeat failed", "session", sid, "err", err)
			}
		}
		return ServerMessage{Type: "feedback", ReqID: msg.ReqID, Content: "Heartbeat received"}, nil

	case MsgCreateSession:
		s, err := c.engine.CreateSession(ctx, msg.ProjectID, c.userID, c.username, msg.Settings)
		if err != nil {
			return nil, err
		}
		if err := c.enterRoom(ctx, s.ID); err != nil {
			return nil, err
		}
		return ServerMessage{Type: msg.Type, ReqID: msg.ReqID, SessionID: s.ID, Data: s}, nil

	case MsgJoinSession:
		if sid == "" {
			return nil, fmt.Errorf("%w: sessionId is required", collab.ErrInvalidArgument)
		}
		p, err := c.engine.JoinSession(ctx, sid, c.userID, c.username, msg.Role)
		if err != nil {
			return nil, err
		}
		if err := c.enterRoom(ctx, sid); err != nil {
			return nil, err
		}
		// 后加入者看不到加入前的 CursorMoved 事件，随应答回放一次
		cursors, err := c.hub.Cursors(ctx, sid, c.userID)
		if err != nil {
			c.log.Warn("cursor replay failed", "session", sid, "err", err)
		}
		return ServerMessage{Type: msg.Type, ReqID: msg.ReqID, SessionID: sid, Data: p, Cursors: cursors}, nil

	case MsgLeaveSession:
		if err := c.engine.LeaveSession(ctx, sid, c.userID); err != nil {
			return nil, err
		}
		if sid == c.sessionID {
			c.leaveRoom()
		}
		return nil, nil

	case MsgEndSession:
		s, err := c.engine.GetSession(sid)
		if err != nil {
			return nil, err
		}
		if s.HostID != c.userID {
			return nil, collab.ErrForbidden
		}
		return nil, c.engine.EndSession(ctx, sid)

	case MsgUpdatePresence:
		return nil, c.engine.UpdatePresence(ctx, sid, c.userID, msg.Status)

	case MsgUpdateCursor:
		if msg.Cursor == nil {
			return nil, fmt.Errorf("%w: cursor is required", collab.ErrInvalidArgument)
		}
		return nil, c.engine.UpdateCursor(ctx, sid, c.userID, *msg.Cursor)

	case MsgUpdateSelection:
		if msg.Selection == nil {
			return nil, fmt.Errorf("%w: selection is required", collab.ErrInvalidArgument)
		}
		return nil, c.engine.UpdateSelection(ctx, sid, c.userID, *msg.Selection)

	case MsgUpdateView:
		if msg.View == nil {
			return nil, fmt.Errorf("%w: view is required", collab.ErrInvalidArgument)
		}
		return nil, c.engine.UpdateView(ctx, sid, c.userID, *msg.View)

	case MsgAcquireLock:
		lock, err := c.engine.AcquireLock(ctx, sid, c.userID, msg.ResourceID, msg.LockType, msg.Reason)
		if err != nil {
			return nil, err
		}
		if lock == nil {
			// 被他人持有：不是错误，回传当前持有者
			holder, _ := c.engine.GetLock(msg.ResourceID)
			return LockReply{Acquired: false, Lock: holder}, nil
		}
		return LockReply{Acquired: true, Lock: lock}, nil

	case MsgReleaseLock:
		return nil, c.engine.ReleaseLock(ctx, sid, c.userID, msg.ResourceID)

	case MsgSubmitChange:
		if msg.Change == nil {
			return nil, fmt.Errorf("%w: change is required", collab.ErrInvalidArgument)
		}
		return c.engine.SubmitChange(ctx, sid, c.userID, *msg.Change)

	case MsgResolveConflict:
		return c.engine.ResolveConflict(ctx, sid, c.userID, msg.ConflictID, msg.ChangeSeq)

	case MsgRejectConflict:
		return c.engine.RejectConflict(ctx, sid, c.userID, msg.ConflictID)

	case MsgChat:
		return c.engine.SendChatMessage(ctx, sid, c.userID, msg.Content, collab.ChatOptions{
			Type:      msg.ChatType,
			ReplyToID: msg.ReplyToID,
			Mentions:  msg.Mentions,
		})

	case MsgAddAnnotation:
		if msg.Annotation == nil {
			return nil, fmt.Errorf("%w: annotation is required", collab.ErrInvalidArgument)
		}
		return c.engine.AddAnnotation(ctx, sid, c.userID, *msg.Annotation)

	case MsgResolveAnnotation:
		return c.engine.ResolveAnnotation(ctx, sid, c.userID, msg.AnnotationID)

	case MsgRequestFollow:
		return c.engine.RequestFollow(ctx, sid, c.userID, msg.LeaderID)

	case MsgAcceptFollow:
		return c.engine.AcceptFollow(ctx, sid, c.userID, msg.FollowID)

	case MsgStopFollowing:
		return nil, c.engine.StopFollowing(ctx, sid, c.userID)

	case MsgShowMembers:
		members, err := c.hub.Members(ctx, sid)
		if err != nil {
			return nil, err
		}
		return ServerMessage{Type: msg.Type, ReqID: msg.ReqID, SessionID: sid, Members: members}, nil

	case MsgStats:
		return c.engine.GetSessionStats(sid)

	default:
		return ServerMessage{Type: "ignored", ReqID: msg.ReqID, Content: "Unknown message type"}, nil
	}
}

type LockReply struct {
	Acquired bool                 `json:"acquired"`
	Lock     *collab.ResourceLock `json:"lock,omitempty"`
}

// target 消息里没带 sessionId 时使用连接当前所在会话
func (c *Conn) target(msg ClientMessage) string {
	if msg.SessionID != "" {
		return msg.SessionID
	}
	return c.sessionID
}

// enterRoom 切换到新会话：先退出旧房间（这是用户在旧会话的最后一个连接时同时离开旧会话），
// 再订阅新会话的事件流
func (c *Conn) enterRoom(ctx context.Context, sessionID string) error {
	if c.sessionID == sessionID && c.sub != nil {
		return nil
	}
	if old := c.sessionID; old != "" && !c.leaveRoom() {
		c.leaveSession(ctx, old)
	}
	// 订阅跟随连接生命周期，不跟随单条消息的超时
	sub, err := c.engine.SubscribeToEvents(context.WithoutCancel(ctx), sessionID)
	if err != nil {
		return err
	}
	c.sessionID = sessionID
	c.sub = sub
	c.hub.Join(sessionID, c)
	go c.relay(sub)
	return nil
}

// leaveRoom 只退出房间与订阅，不改变会话成员
func (c *Conn) leaveRoom() (stillConnected bool) {
	if c.sessionID == "" {
		return false
	}
	if c.sub != nil {
		c.sub.Close()
		c.sub = nil
	}
	stillConnected = c.hub.Leave(c.sessionID, c)
	c.sessionID = ""
	return stillConnected
}

// shutdown 连接断开：用户在该会话没有其他连接时离开会话
func (c *Conn) shutdown(ctx context.Context) {
	c.closeOnce.Do(func() {
		close(c.done)
		sid := c.sessionID
		if sid == "" {
			return
		}
		if c.leaveRoom() {
			return
		}
		c.leaveSession(ctx, sid)
	})
}

// leaveSession 使用独立超时离开会话；会话已结束或已不是成员时只记录日志
func (c *Conn) leaveSession(ctx context.Context, sessionID string) {
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaveTimeout)
	defer cancel()
	if err := c.engine.LeaveSession(lctx, sessionID, c.userID); err != nil {
		c.log.Debug("leave session", "session", sessionID, "err", err)
	}
}

func errorMessage(msg ClientMessage, err error) ServerMessage {
	return ServerMessage{
		Type:      "error",
		ReqID:     msg.ReqID,
		SessionID: msg.SessionID,
		Code:      collab.ErrorCode(err),
		Content:   err.Error(),
	}
}

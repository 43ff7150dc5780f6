package ws

import (
	"encoding/json"

	"designCollab/backend/internal/collab"
	"designCollab/backend/internal/eventbus"
)

// 客户端消息类型
const (
	MsgHeartbeat         = "heartbeat"
	MsgCreateSession     = "createSession"
	MsgJoinSession       = "joinSession"
	MsgLeaveSession      = "leaveSession"
	MsgEndSession        = "endSession"
	MsgUpdatePresence    = "updatePresence"
	MsgUpdateCursor      = "updateCursor"
	MsgUpdateSelection   = "updateSelection"
	MsgUpdateView        = "updateView"
	MsgAcquireLock       = "acquireLock"
	MsgReleaseLock       = "releaseLock"
	MsgSubmitChange      = "submitChange"
	MsgResolveConflict   = "resolveConflict"
	MsgRejectConflict    = "rejectConflict"
	MsgChat              = "chat"
	MsgAddAnnotation     = "addAnnotation"
	MsgResolveAnnotation = "resolveAnnotation"
	MsgRequestFollow     = "requestFollow"
	MsgAcceptFollow      = "acceptFollow"
	MsgStopFollowing     = "stopFollowing"
	MsgShowMembers       = "show_alive_members"
	MsgStats             = "stats"
)

// ClientMessage 客户端上行消息；不同 type 只用到其中一部分字段
type ClientMessage struct {
	Type string `json:"type"`
	// 客户端自定义的请求号，原样带回到应答里
	ReqID     string `json:"reqId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	ProjectID string `json:"projectId,omitempty"`

	Role     collab.Role             `json:"role,omitempty"`
	Settings *collab.SessionSettings `json:"settings,omitempty"`

	Status    collab.PresenceStatus `json:"status,omitempty"`
	Cursor    *collab.Cursor        `json:"cursor,omitempty"`
	Selection *collab.Selection     `json:"selection,omitempty"`
	View      *collab.ViewState     `json:"view,omitempty"`

	ResourceID string          `json:"resourceId,omitempty"`
	LockType   collab.LockType `json:"lockType,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Change     *collab.Change  `json:"change,omitempty"`

	ConflictID string `json:"conflictId,omitempty"`
	ChangeSeq  uint64 `json:"changeSeq,omitempty"`

	Content   string                 `json:"content,omitempty"`
	ChatType  collab.ChatMessageType `json:"chatType,omitempty"`
	ReplyToID *string                `json:"replyToId,omitempty"`
	Mentions  []string               `json:"mentions,omitempty"`

	Annotation   *collab.Annotation `json:"annotation,omitempty"`
	AnnotationID string             `json:"annotationId,omitempty"`

	LeaderID string `json:"leaderId,omitempty"`
	FollowID string `json:"followId,omitempty"`
}

type PresenceMember struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// ServerMessage 对某条客户端消息的应答；出错时 Code 为错误代码
type ServerMessage struct {
	Type      string           `json:"type"`
	ReqID     string           `json:"reqId,omitempty"`
	SessionID string           `json:"sessionId,omitempty"`
	Code      string           `json:"code,omitempty"`
	Content   string           `json:"content,omitempty"`
	Members   []PresenceMember `json:"members,omitempty"`
	Cursors   []CursorSnapshot `json:"cursors,omitempty"`
	Data      any              `json:"data,omitempty"`
}

// CursorSnapshot 某个成员的最新光标（JSON 原样转发）
type CursorSnapshot struct {
	UserID string          `json:"userId"`
	Cursor json.RawMessage `json:"cursor"`
}

// EventMessage 转发会话事件流中的一条事件
type EventMessage struct {
	Type  string         `json:"type"` // 固定 "event"
	Event eventbus.Event `json:"event"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func (m ServerMessage) MessageType() string { return m.Type }
func (m EventMessage) MessageType() string  { return m.Type }

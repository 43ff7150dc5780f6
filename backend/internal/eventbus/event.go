package eventbus

import "time"

// 事件类型（对外广播的全部可观察动作）
type Type string

const (
	TypeUserJoined        Type = "user_joined"
	TypeUserLeft          Type = "user_left"
	TypeSessionEnded      Type = "session_ended"
	TypePresenceChanged   Type = "presence_changed"
	TypeCursorMoved       Type = "cursor_moved"
	TypeSelectionChanged  Type = "selection_changed"
	TypeViewChanged       Type = "view_changed"
	TypeLockAcquired      Type = "lock_acquired"
	TypeLockReleased      Type = "lock_released"
	TypeElementCreated    Type = "element_created"
	TypeElementModified   Type = "element_modified"
	TypeElementDeleted    Type = "element_deleted"
	TypeConflictDetected  Type = "conflict_detected"
	TypeConflictResolved  Type = "conflict_resolved"
	TypeChatMessage       Type = "chat_message"
	TypeAnnotationAdded   Type = "annotation_added"
	TypeAnnotationUpdated Type = "annotation_updated"
	TypeFollowRequested   Type = "follow_requested"
	TypeFollowAccepted    Type = "follow_accepted"
	TypeFollowStopped     Type = "follow_stopped"
)

// Event 一旦发出即不可变；会话内的全序由 Sequence 决定，而不是 Timestamp
type Event struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Type      Type      `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

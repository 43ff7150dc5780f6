package collab

import (
	"time"

	"designCollab/backend/internal/eventbus"
)

// SessionEventMessage 写入 Kafka 的会话事件（以 sessionId 作为分区 key）
type SessionEventMessage struct {
	EventType  string    `json:"eventType"` // 固定 "SESSION_EVENT"
	SessionID  string    `json:"sessionId"`
	UserID     string    `json:"userId,omitempty"`
	Type       string    `json:"type"`
	Sequence   uint64    `json:"sequence"`
	Payload    any       `json:"payload,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

func newSessionEventMessage(evt eventbus.Event) SessionEventMessage {
	return SessionEventMessage{
		EventType:  "SESSION_EVENT",
		SessionID:  evt.SessionID,
		UserID:     evt.UserID,
		Type:       string(evt.Type),
		Sequence:   evt.Sequence,
		Payload:    evt.Payload,
		OccurredAt: evt.Timestamp,
	}
}

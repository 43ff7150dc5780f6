package collab

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"designCollab/backend/internal/eventbus"
)

type AnnotationEvent struct {
	Annotation *Annotation `json:"annotation"`
}

// 读取活跃会话中的参与者快照
func (e *Engine) activeParticipant(ctx context.Context, sessionID, userID string) (*sessionState, *Participant, SessionSettings, error) {
	if err := cancelled(ctx); err != nil {
		return nil, nil, SessionSettings{}, err
	}
	ss, err := e.getSession(sessionID)
	if err != nil {
		return nil, nil, SessionSettings{}, err
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if !ss.session.IsActive() {
		return nil, nil, SessionSettings{}, ErrSessionEnded
	}
	p := ss.participant(userID)
	if p == nil {
		return nil, nil, SessionSettings{}, ErrParticipantNotFound
	}
	p.LastActivityAt = e.now()
	return ss, p.clone(), ss.session.Settings, nil
}

// SendChatMessage 聊天记录是有界的，超过上限丢弃最旧的
func (e *Engine) SendChatMessage(ctx context.Context, sessionID, userID, content string, opts ChatOptions) (*ChatMessage, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: empty chat message", ErrInvalidArgument)
	}
	ss, p, _, err := e.activeParticipant(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	typ := opts.Type
	if typ == "" {
		typ = ChatText
	}
	msg := ChatMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		UserName:  p.Name,
		Content:   content,
		Type:      typ,
		Mentions:  append([]string(nil), opts.Mentions...),
		SentAt:    e.now(),
	}
	if opts.ReplyToID != nil {
		id := *opts.ReplyToID
		msg.ReplyToID = &id
	}

	ss.dataMu.Lock()
	// 环形缓冲：达到容量时丢弃最老的一条
	if limit := e.opts.ChatHistoryLimit; len(ss.chat) >= limit {
		n := len(ss.chat) - limit + 1
		copy(ss.chat[0:], ss.chat[n:])
		ss.chat = ss.chat[:len(ss.chat)-n]
	}
	ss.chat = append(ss.chat, *msg.clone())
	ss.dataMu.Unlock()

	e.publish(sessionID, userID, eventbus.TypeChatMessage, *msg.clone())
	return &msg, nil
}

// GetChatHistory 返回最近 limit 条（limit<=0 返回全部保留的记录）
func (e *Engine) GetChatHistory(sessionID string, limit int) ([]ChatMessage, error) {
	ss, err := e.getSession(sessionID)
	if err != nil {
		return nil, err
	}
	ss.dataMu.RLock()
	defer ss.dataMu.RUnlock()
	start := 0
	if limit > 0 && len(ss.chat) > limit {
		start = len(ss.chat) - limit
	}
	out := make([]ChatMessage, 0, len(ss.chat)-start)
	for i := range ss.chat[start:] {
		out = append(out, *ss.chat[start+i].clone())
	}
	return out, nil
}

// AddAnnotation 需要会话开启 AllowMarkups
func (e *Engine) AddAnnotation(ctx context.Context, sessionID, userID string, a Annotation) (*Annotation, error) {
	ss, p, settings, err := e.activeParticipant(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if !settings.AllowMarkups {
		return nil, ErrMarkupsDisabled
	}

	a.ID = uuid.NewString()
	a.SessionID = sessionID
	a.AuthorID = userID
	a.CreatedAt = e.now()
	a.Resolved = false
	a.ResolvedBy = ""
	if a.Kind == "" {
		a.Kind = AnnotationComment
	}
	if a.Color == "" {
		a.Color = p.Color
	}
	out := a.clone()

	ss.dataMu.Lock()
	ss.annotations = append(ss.annotations, out.clone())
	ss.dataMu.Unlock()

	e.publish(sessionID, userID, eventbus.TypeAnnotationAdded, AnnotationEvent{Annotation: out.clone()})
	return out, nil
}

func (e *Engine) ResolveAnnotation(ctx context.Context, sessionID, userID, annotationID string) (*Annotation, error) {
	ss, _, settings, err := e.activeParticipant(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if !settings.AllowMarkups {
		return nil, ErrMarkupsDisabled
	}

	ss.dataMu.Lock()
	var found *Annotation
	for _, a := range ss.annotations {
		if a.ID == annotationID {
			found = a
			break
		}
	}
	if found == nil {
		ss.dataMu.Unlock()
		return nil, ErrAnnotationNotFound
	}
	found.Resolved = true
	found.ResolvedBy = userID
	out := found.clone()
	ss.dataMu.Unlock()

	e.publish(sessionID, userID, eventbus.TypeAnnotationUpdated, AnnotationEvent{Annotation: out.clone()})
	return out, nil
}

// GetAnnotations 全部批注（不设上限，供后加入者回放）
func (e *Engine) GetAnnotations(sessionID string) ([]Annotation, error) {
	ss, err := e.getSession(sessionID)
	if err != nil {
		return nil, err
	}
	ss.dataMu.RLock()
	defer ss.dataMu.RUnlock()
	out := make([]Annotation, 0, len(ss.annotations))
	for _, a := range ss.annotations {
		out = append(out, *a.clone())
	}
	return out, nil
}

package collab

import (
	"time"
)

type Role string

const (
	RoleHost      Role = "host"
	RoleEditor    Role = "editor"
	RoleCommenter Role = "commenter"
	RoleViewer    Role = "viewer"
)

type PresenceStatus string

const (
	PresenceActive PresenceStatus = "active"
	PresenceIdle   PresenceStatus = "idle"
	PresenceAway   PresenceStatus = "away"
	PresenceBusy   PresenceStatus = "busy"
)

type LockType string

const (
	LockNone      LockType = "none"
	LockSoft      LockType = "soft"
	LockHard      LockType = "hard"
	LockExclusive LockType = "exclusive"
)

type ConflictStrategy string

const (
	StrategyLastWriteWins       ConflictStrategy = "last_write_wins"
	StrategyFirstWriteWins      ConflictStrategy = "first_write_wins"
	StrategyManual              ConflictStrategy = "manual"
	StrategyMerge               ConflictStrategy = "merge"
	StrategyServerAuthoritative ConflictStrategy = "server_authoritative"
)

type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeModify ChangeKind = "modify"
	ChangeDelete ChangeKind = "delete"
	ChangeMove   ChangeKind = "move"
	ChangeCopy   ChangeKind = "copy"
	ChangeMirror ChangeKind = "mirror"
)

type ConflictStatus string

const (
	ConflictPending          ConflictStatus = "pending"
	ConflictAutoResolved     ConflictStatus = "auto_resolved"
	ConflictManuallyResolved ConflictStatus = "manually_resolved"
	ConflictRejected         ConflictStatus = "rejected"
)

// 参与者颜色，按加入顺序（当前人数取模）分配
var participantColors = []string{
	"#E74C3C", "#3498DB", "#2ECC71", "#F39C12", "#9B59B6",
	"#1ABC9C", "#E67E22", "#34495E", "#E91E63", "#00BCD4",
}

type SessionSettings struct {
	MaxParticipants  int              `json:"maxParticipants" mapstructure:"maxParticipants"`
	AllowEditing     bool             `json:"allowEditing" mapstructure:"allowEditing"`
	AllowMarkups     bool             `json:"allowMarkups" mapstructure:"allowMarkups"`
	ShowCursors      bool             `json:"showCursors" mapstructure:"showCursors"`
	ShowSelections   bool             `json:"showSelections" mapstructure:"showSelections"`
	DefaultLockType  LockType         `json:"defaultLockType" mapstructure:"defaultLockType"`
	ConflictStrategy ConflictStrategy `json:"conflictStrategy" mapstructure:"conflictStrategy"`
}

func DefaultSessionSettings() SessionSettings {
	return SessionSettings{
		MaxParticipants:  10,
		AllowEditing:     true,
		AllowMarkups:     true,
		ShowCursors:      true,
		ShowSelections:   true,
		DefaultLockType:  LockSoft,
		ConflictStrategy: StrategyLastWriteWins,
	}
}

type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Cursor struct {
	Position   Vector3 `json:"position"`
	ViewportID string  `json:"viewportId,omitempty"`
	ResourceID string  `json:"resourceId,omitempty"` // 悬停的元素
}

type Selection struct {
	ResourceIDs []string `json:"resourceIds"`
}

type ViewState struct {
	Camera      Vector3 `json:"camera"`
	Target      Vector3 `json:"target"`
	Up          Vector3 `json:"up"`
	FieldOfView float64 `json:"fieldOfView,omitempty"`
	Zoom        float64 `json:"zoom,omitempty"`
	ViewName    string  `json:"viewName,omitempty"`
}

// Participant 只属于一个 Session；返回给调用方的都是拷贝
type Participant struct {
	UserID         string         `json:"userId"`
	Name           string         `json:"name"`
	Color          string         `json:"color"`
	Role           Role           `json:"role"`
	Status         PresenceStatus `json:"status"`
	Cursor         *Cursor        `json:"cursor,omitempty"`
	Selection      *Selection     `json:"selection,omitempty"`
	View           *ViewState     `json:"view,omitempty"`
	JoinedAt       time.Time      `json:"joinedAt"`
	LastActivityAt time.Time      `json:"lastActivityAt"`
}

func (p *Participant) clone() *Participant {
	cp := *p
	if p.Cursor != nil {
		c := *p.Cursor
		cp.Cursor = &c
	}
	if p.Selection != nil {
		cp.Selection = &Selection{ResourceIDs: append([]string(nil), p.Selection.ResourceIDs...)}
	}
	if p.View != nil {
		v := *p.View
		cp.View = &v
	}
	return &cp
}

type Session struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"projectId"`
	HostID       string          `json:"hostId"`
	Participants []*Participant  `json:"participants"`
	Settings     SessionSettings `json:"settings"`
	StartedAt    time.Time       `json:"startedAt"`
	EndedAt      *time.Time      `json:"endedAt,omitempty"`
}

// IsActive 当且仅当结束时间未设置
func (s *Session) IsActive() bool { return s.EndedAt == nil }

type ResourceLock struct {
	ResourceID string     `json:"resourceId"`
	SessionID  string     `json:"sessionId"`
	HolderID   string     `json:"holderId"`
	Type       LockType   `json:"type"`
	AcquiredAt time.Time  `json:"acquiredAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

func (l *ResourceLock) IsExpired(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

type Change struct {
	ResourceID string         `json:"resourceId"`
	AuthorID   string         `json:"authorId"`
	Kind       ChangeKind     `json:"kind"`
	OldValues  map[string]any `json:"oldValues,omitempty"`
	NewValues  map[string]any `json:"newValues,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Sequence   uint64         `json:"sequence"`
	IsConflict bool           `json:"isConflict"`
}

// clone 深拷贝属性值，发出的事件与历史记录不与调用方共享内存
func (c *Change) clone() *Change {
	cp := *c
	cp.OldValues = cloneValues(c.OldValues)
	cp.NewValues = cloneValues(c.NewValues)
	return &cp
}

func cloneValues(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// 只需处理 JSON 形状的值（map / slice / 标量）
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneValues(t)
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = cloneValue(x)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []float64:
		return append([]float64(nil), t...)
	default:
		return v
	}
}

type Conflict struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionId"`
	ResourceID string         `json:"resourceId"`
	Changes    []Change       `json:"changes"`
	Status     ConflictStatus `json:"status"`
	Resolution *Change        `json:"resolution,omitempty"`
	ResolvedBy string         `json:"resolvedBy,omitempty"`
	ResolvedAt *time.Time     `json:"resolvedAt,omitempty"`
	DetectedAt time.Time      `json:"detectedAt"`
}

func (c *Conflict) clone() *Conflict {
	cp := *c
	cp.Changes = make([]Change, len(c.Changes))
	for i := range c.Changes {
		cp.Changes[i] = *c.Changes[i].clone()
	}
	if c.Resolution != nil {
		cp.Resolution = c.Resolution.clone()
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

type ChatMessageType string

const (
	ChatText   ChatMessageType = "text"
	ChatSystem ChatMessageType = "system"
	ChatMarkup ChatMessageType = "markup"
)

type ChatMessage struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	UserID    string          `json:"userId"`
	UserName  string          `json:"userName"`
	Content   string          `json:"content"`
	Type      ChatMessageType `json:"type"`
	ReplyToID *string         `json:"replyToId,omitempty"`
	Mentions  []string        `json:"mentions,omitempty"`
	SentAt    time.Time       `json:"sentAt"`
}

func (m *ChatMessage) clone() *ChatMessage {
	cp := *m
	cp.Mentions = append([]string(nil), m.Mentions...)
	if m.ReplyToID != nil {
		id := *m.ReplyToID
		cp.ReplyToID = &id
	}
	return &cp
}

// ChatOptions SendChatMessage 的可选参数
type ChatOptions struct {
	Type      ChatMessageType
	ReplyToID *string
	Mentions  []string
}

type AnnotationKind string

const (
	AnnotationComment   AnnotationKind = "comment"
	AnnotationMarkup    AnnotationKind = "markup"
	AnnotationIssue     AnnotationKind = "issue"
	AnnotationDimension AnnotationKind = "dimension"
)

type Annotation struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionId"`
	AuthorID   string         `json:"authorId"`
	ResourceID string         `json:"resourceId,omitempty"`
	Kind       AnnotationKind `json:"kind"`
	Text       string         `json:"text"`
	Position   *Vector3       `json:"position,omitempty"`
	Color      string         `json:"color,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	Resolved   bool           `json:"resolved"`
	ResolvedBy string         `json:"resolvedBy,omitempty"`
}

func (a *Annotation) clone() *Annotation {
	cp := *a
	if a.Position != nil {
		pos := *a.Position
		cp.Position = &pos
	}
	return &cp
}

type FollowRequest struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"sessionId"`
	FollowerID  string     `json:"followerId"`
	LeaderID    string     `json:"leaderId"`
	Accepted    bool       `json:"accepted"`
	RequestedAt time.Time  `json:"requestedAt"`
	AcceptedAt  *time.Time `json:"acceptedAt,omitempty"`
}

func (f *FollowRequest) clone() *FollowRequest {
	cp := *f
	if f.AcceptedAt != nil {
		t := *f.AcceptedAt
		cp.AcceptedAt = &t
	}
	return &cp
}

type SessionStats struct {
	SessionID        string        `json:"sessionId"`
	IsActive         bool          `json:"isActive"`
	ParticipantCount int           `json:"participantCount"`
	Duration         time.Duration `json:"duration"`
	EventCount       uint64        `json:"eventCount"`
	ChangeCount      int           `json:"changeCount"`
	ConflictCount    int           `json:"conflictCount"`
	PendingConflicts int           `json:"pendingConflicts"`
	LockCount        int           `json:"lockCount"`
	ChatMessageCount int           `json:"chatMessageCount"`
	AnnotationCount  int           `json:"annotationCount"`
	SubscriberCount  int           `json:"subscriberCount"`
}

package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"designCollab/backend/internal/collab"
	"designCollab/backend/internal/store"
)

// RecordingReader 已持久化录制的只读查询（store.RecordingStore）
type RecordingReader interface {
	GetRecording(ctx context.Context, id string) (*store.SessionRecording, error)
	ListEvents(ctx context.Context, recordingID string, limit int) ([]store.RecordedEvent, error)
}

type SessionHandler struct {
	engine     *collab.Engine
	recordings RecordingReader
}

// recordings 可为 nil（未配置 mysql）
func NewSessionHandler(engine *collab.Engine, recordings RecordingReader) *SessionHandler {
	return &SessionHandler{engine: engine, recordings: recordings}
}

// Register 挂载 REST 路由；r 上应已挂好鉴权中间件
func (h *SessionHandler) Register(r gin.IRouter) {
	r.POST("/sessions", h.CreateSession)
	r.GET("/sessions", h.ListSessions)
	r.GET("/sessions/:id", h.GetSession)
	r.POST("/sessions/:id/join", h.JoinSession)
	r.POST("/sessions/:id/leave", h.LeaveSession)
	r.POST("/sessions/:id/end", h.EndSession)
	r.GET("/sessions/:id/stats", h.Stats)
	r.GET("/sessions/:id/locks", h.Locks)
	r.GET("/sessions/:id/changes", h.RecentChanges)
	r.GET("/sessions/:id/conflicts", h.Conflicts)
	r.GET("/sessions/:id/chat", h.ChatHistory)
	r.GET("/sessions/:id/annotations", h.Annotations)
	r.GET("/sessions/:id/follows", h.Follows)
	r.POST("/sessions/:id/recording/start", h.StartRecording)
	r.POST("/sessions/:id/recording/stop", h.StopRecording)
	r.GET("/sessions/:id/recording", h.GetRecording)
	r.GET("/recordings/:recordingId", h.GetStoredRecording)
	r.GET("/recordings/:recordingId/events", h.GetStoredEvents)
}

type createSessionReq struct {
	ProjectID string                  `json:"projectId"`
	Settings  *collab.SessionSettings `json:"settings"`
}

func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req createSessionReq
	// 允许空 body
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ARGUMENT", "message": err.Error()})
		return
	}
	s, err := h.engine.CreateSession(c.Request.Context(), req.ProjectID, c.GetString("userId"), c.GetString("username"), req.Settings)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

func (h *SessionHandler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.engine.ListActiveSessions(c.Query("projectId"))})
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	s, err := h.engine.GetSession(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

type joinSessionReq struct {
	Role collab.Role `json:"role"`
}

func (h *SessionHandler) JoinSession(c *gin.Context) {
	var req joinSessionReq
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ARGUMENT", "message": err.Error()})
		return
	}
	p, err := h.engine.JoinSession(c.Request.Context(), c.Param("id"), c.GetString("userId"), c.GetString("username"), req.Role)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *SessionHandler) LeaveSession(c *gin.Context) {
	if err := h.engine.LeaveSession(c.Request.Context(), c.Param("id"), c.GetString("userId")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// EndSession 只有 host 可以结束会话
func (h *SessionHandler) EndSession(c *gin.Context) {
	id := c.Param("id")
	s, err := h.engine.GetSession(id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if s.HostID != c.GetString("userId") {
		abortWithError(c, collab.ErrForbidden)
		return
	}
	if err := h.engine.EndSession(c.Request.Context(), id); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// requireParticipant 会话数据只对 host 和参与者开放，返回会话 id
func (h *SessionHandler) requireParticipant(c *gin.Context) (string, bool) {
	id := c.Param("id")
	s, err := h.engine.GetSession(id)
	if err != nil {
		abortWithError(c, err)
		return "", false
	}
	uid := c.GetString("userId")
	if s.HostID == uid {
		return id, true
	}
	for _, p := range s.Participants {
		if p.UserID == uid {
			return id, true
		}
	}
	abortWithError(c, collab.ErrForbidden)
	return "", false
}

func (h *SessionHandler) Stats(c *gin.Context) {
	id, ok := h.requireParticipant(c)
	if !ok {
		return
	}
	stats, err := h.engine.GetSessionStats(id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *SessionHandler) Locks(c *gin.Context) {
	id, ok := h.requireParticipant(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"locks": h.engine.GetSessionLocks(id)})
}

func (h *SessionHandler) RecentChanges(c *gin.Context) {
	id, ok := h.requireParticipant(c)
	if !ok {
		return
	}
	changes, err := h.engine.GetRecentChanges(id, c.Query("resourceId"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": changes})
}

func (h *SessionHandler) Conflicts(c *gin.Context) {
	id, ok := h.requireParticipant(c)
	if !ok {
		return
	}
	conflicts, err := h.engine.GetConflicts(id, collab.ConflictStatus(c.Query("status")))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": conflicts})
}

func (h *SessionHandler) ChatHistory(c *gin.Context) {
	id, ok := h.requireParticipant(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	msgs, err := h.engine.GetChatHistory(id, limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *SessionHandler) Annotations(c *gin.Context) {
	id, ok := h.requireParticipant(c)
	if !ok {
		return
	}
	anns, err := h.engine.GetAnnotations(id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"annotations": anns})
}

func (h *SessionHandler) Follows(c *gin.Context) {
	id, ok := h.requireParticipant(c)
	if !ok {
		return
	}
	reqs, err := h.engine.GetFollowRequests(id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"follows": reqs})
}

func (h *SessionHandler) StartRecording(c *gin.Context) {
	id, ok := h.requireParticipant(c)
	if !ok {
		return
	}
	rec, err := h.engine.StartRecording(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *SessionHandler) StopRecording(c *gin.Context) {
	id, ok := h.requireParticipant(c)
	if !ok {
		return
	}
	rec, err := h.engine.StopRecording(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *SessionHandler) GetRecording(c *gin.Context) {
	id, ok := h.requireParticipant(c)
	if !ok {
		return
	}
	rec, err := h.engine.GetRecording(id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *SessionHandler) GetStoredRecording(c *gin.Context) {
	if h.recordings == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"code": "RECORDING_STORE_DISABLED"})
		return
	}
	rec, err := h.recordings.GetRecording(c.Request.Context(), c.Param("recordingId"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if rec == nil {
		abortWithError(c, collab.ErrRecordingNotFound)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *SessionHandler) GetStoredEvents(c *gin.Context) {
	if h.recordings == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"code": "RECORDING_STORE_DISABLED"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	events, err := h.recordings.ListEvents(c.Request.Context(), c.Param("recordingId"), limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

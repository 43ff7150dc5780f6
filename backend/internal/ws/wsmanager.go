package ws

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"designCollab/backend/internal/collab"
)

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	h      *Hub
	engine *collab.Engine
	sem    *collab.SemaphoreControl
	log    *slog.Logger
}

func NewManager(h *Hub, engine *collab.Engine, sem *collab.SemaphoreControl, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{h: h, engine: engine, sem: sem, log: log}
}

// WebSocketConnect 升级连接；身份由鉴权中间件写入 userId / username。
// 带 ?sessionId= 时连接建立后直接加入该会话
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetString("userId")
	username := c.GetString("username")
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "missing user identity"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Warn("websocket upgrade failed", "err", err, "origin", c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.h, m.engine, m.sem, m.log, userID, username)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	wsConn.Enqueue(ServerMessage{Type: "welcome", Content: "connected as " + userID})

	ctx := c.Request.Context()
	if sid := c.Query("sessionId"); sid != "" {
		wsConn.Enqueue(wsConn.handle(ctx, ClientMessage{
			Type:      MsgJoinSession,
			SessionID: sid,
			Role:      collab.Role(c.Query("role")),
		}))
	}

	// 最后再进入读循环（阻塞至连接关闭）
	wsConn.readLoop(ctx)
}

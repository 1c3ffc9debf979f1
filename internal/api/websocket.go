// internal/api/websocket.go
package api

import (
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Lianues/manosaba-ai/internal/services"
	"github.com/Lianues/manosaba-ai/internal/utils"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = wsPongWait * 9 / 10
	wsReadLimit    = 4096
)

// WebSocketClient 表示一个订阅会话阶段事件的连接
type WebSocketClient struct {
	conn      *websocket.Conn
	sessionID string
	closed    int32 // 原子操作标志，0=开启，1=关闭
	createdAt time.Time
}

// Close 安全关闭客户端连接
func (client *WebSocketClient) Close() {
	if atomic.CompareAndSwapInt32(&client.closed, 0, 1) {
		client.conn.Close()
	}
}

// IsClosed 检查连接是否已关闭
func (client *WebSocketClient) IsClosed() bool {
	return atomic.LoadInt32(&client.closed) == 1
}

// WebSocketManager 管理所有会话的 WebSocket 连接
type WebSocketManager struct {
	connections map[string]map[*WebSocketClient]struct{} // sessionID -> clients
	mutex       sync.RWMutex
	progress    *services.ProgressService
	upgrader    websocket.Upgrader
	logger      *utils.Logger
}

// NewWebSocketManager 创建管理器；allowedOrigins 为空或包含 * 时不校验来源
func NewWebSocketManager(progress *services.ProgressService, allowedOrigins []string) *WebSocketManager {
	m := &WebSocketManager{
		connections: make(map[string]map[*WebSocketClient]struct{}),
		progress:    progress,
		logger:      utils.GetLogger(),
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return m
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

func (manager *WebSocketManager) registerClient(client *WebSocketClient) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	if manager.connections[client.sessionID] == nil {
		manager.connections[client.sessionID] = make(map[*WebSocketClient]struct{})
	}
	manager.connections[client.sessionID][client] = struct{}{}
	manager.logger.Info("WebSocket 客户端已连接", map[string]interface{}{"session_id": client.sessionID})
}

func (manager *WebSocketManager) unregisterClient(client *WebSocketClient) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	if connections, exists := manager.connections[client.sessionID]; exists {
		delete(connections, client)
		if len(connections) == 0 {
			delete(manager.connections, client.sessionID)
		}
	}
	client.Close()
	manager.logger.Info("WebSocket 客户端已断开", map[string]interface{}{"session_id": client.sessionID})
}

// SessionWebSocket 推送会话阶段事件
func (manager *WebSocketManager) SessionWebSocket(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		NewResponseHelper().BadRequest(c, "会话ID缺失", map[string]string{"id": "必填"})
		return
	}

	conn, err := manager.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		manager.logger.Warn("WebSocket 升级失败", map[string]interface{}{"session_id": sessionID, "error": err})
		return
	}

	client := &WebSocketClient{conn: conn, sessionID: sessionID, createdAt: time.Now()}
	manager.registerClient(client)
	events := manager.progress.Subscribe(sessionID)
	defer func() {
		manager.progress.Unsubscribe(sessionID, events)
		manager.unregisterClient(client)
	}()

	done := make(chan struct{})
	go manager.readLoop(client, done)

	if err := manager.write(client, map[string]interface{}{
		"type":      "connected",
		"sessionId": sessionID,
		"timestamp": time.Now(),
	}); err != nil {
		return
	}

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := manager.write(client, ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (manager *WebSocketManager) write(client *WebSocketClient, v interface{}) error {
	if client.IsClosed() {
		return websocket.ErrCloseSent
	}
	client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return client.conn.WriteJSON(v)
}

// readLoop 只处理控制帧，客户端消息被忽略
func (manager *WebSocketManager) readLoop(client *WebSocketClient, done chan struct{}) {
	defer close(done)
	client.conn.SetReadLimit(wsReadLimit)
	client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// GetStatus 获取连接状态
func (manager *WebSocketManager) GetStatus() map[string]interface{} {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()

	sessions := make(map[string]int, len(manager.connections))
	total := 0
	for id, connections := range manager.connections {
		sessions[id] = len(connections)
		total += len(connections)
	}
	return map[string]interface{}{
		"total_sessions":    len(manager.connections),
		"total_connections": total,
		"sessions":          sessions,
	}
}

// Shutdown 关闭所有连接
func (manager *WebSocketManager) Shutdown() {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	for _, connections := range manager.connections {
		for client := range connections {
			client.Close()
		}
	}
	manager.connections = make(map[string]map[*WebSocketClient]struct{})
}

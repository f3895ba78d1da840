// internal/api/websocket.go
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Corphon/MysteryForgeMCP/internal/models"
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 在生产环境中应该进行更严格的检查
		return true
	},
}

// WebSocketClient 表示一个订阅会话状态的客户端连接
type WebSocketClient struct {
	conn      *websocket.Conn
	sessionID string
	send      chan []byte
	closed    int32     // 原子操作标志，0=开启，1=关闭
	lastPing  time.Time // 最后一次ping时间
	createdAt time.Time
}

// WebSocketManager 管理所有会话订阅连接
// 按 sessionID 分组，会话状态变化时向对应分组推送
type WebSocketManager struct {
	connections   map[string]map[*websocket.Conn]*WebSocketClient // sessionID -> connections
	register      chan *WebSocketClient
	unregister    chan *WebSocketClient
	cleanup       chan bool
	mutex         sync.RWMutex
	pingTimeout   time.Duration
	cleanupTicker *time.Ticker
}

// 全局 WebSocket 管理器
var manager = &WebSocketManager{
	connections: make(map[string]map[*websocket.Conn]*WebSocketClient),
	register:    make(chan *WebSocketClient, 256),
	unregister:  make(chan *WebSocketClient, 256),
	cleanup:     make(chan bool, 1),
	pingTimeout: 60 * time.Second,
}

func init() {
	go manager.run()
}

// SessionEventHub 返回全局管理器，供服务层注册为事件发布器
func SessionEventHub() *WebSocketManager {
	return manager
}

// ========================================
// WebSocketClient 方法
// ========================================

// Close 安全关闭客户端连接
func (client *WebSocketClient) Close() {
	if atomic.CompareAndSwapInt32(&client.closed, 0, 1) {
		if client.conn != nil {
			client.conn.Close()
		}
	}
}

// IsClosed 检查连接是否已关闭
func (client *WebSocketClient) IsClosed() bool {
	return atomic.LoadInt32(&client.closed) == 1
}

// UpdatePing 更新最后ping时间
func (client *WebSocketClient) UpdatePing() {
	client.lastPing = time.Now()
}

// IsExpired 检查连接是否超时
func (client *WebSocketClient) IsExpired(timeout time.Duration) bool {
	if timeout <= 0 {
		return true
	}
	return time.Since(client.lastPing) > timeout
}

// ========================================
// WebSocketManager 方法
// ========================================

// run 运行管理器主循环
func (m *WebSocketManager) run() {
	m.cleanupTicker = time.NewTicker(30 * time.Second)
	defer m.cleanupTicker.Stop()

	for {
		select {
		case client := <-m.register:
			m.registerClient(client)

		case client := <-m.unregister:
			m.unregisterClient(client)

		case <-m.cleanupTicker.C:
			m.cleanupExpiredConnections()

		case <-m.cleanup:
			m.shutdown()
			return
		}
	}
}

// registerClient 注册新客户端
func (m *WebSocketManager) registerClient(client *WebSocketClient) {
	if client == nil {
		return
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.connections[client.sessionID] == nil {
		m.connections[client.sessionID] = make(map[*websocket.Conn]*WebSocketClient)
	}

	m.connections[client.sessionID][client.conn] = client
	client.UpdatePing()

	log.Printf("✅ WebSocket 客户端已订阅会话 %s", client.sessionID)
}

// unregisterClient 安全注销客户端
func (m *WebSocketManager) unregisterClient(client *WebSocketClient) {
	if client == nil {
		return
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if connections, exists := m.connections[client.sessionID]; exists {
		delete(connections, client.conn)
		if len(connections) == 0 {
			delete(m.connections, client.sessionID)
		}
	}

	if !client.IsClosed() {
		client.Close()
	}

	log.Printf("🔌 WebSocket 客户端已断开 (会话: %s)", client.sessionID)
}

// cleanupExpiredConnections 清理过期和死连接
func (m *WebSocketManager) cleanupExpiredConnections() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for sessionID, connections := range m.connections {
		for conn, client := range connections {
			if client.IsClosed() || client.IsExpired(m.pingTimeout) {
				delete(connections, conn)
				if !client.IsClosed() {
					client.Close()
				}
			}
		}
		if len(connections) == 0 {
			delete(m.connections, sessionID)
		}
	}
}

// shutdown 优雅关闭管理器
func (m *WebSocketManager) shutdown() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, connections := range m.connections {
		for _, client := range connections {
			client.Close()
		}
	}
	m.connections = make(map[string]map[*websocket.Conn]*WebSocketClient)

	log.Println("✅ WebSocket 管理器已关闭")
}

// Shutdown 触发关闭主循环
func (m *WebSocketManager) Shutdown() {
	select {
	case m.cleanup <- true:
	default:
	}
}

// GetStatus 获取管理器状态
func (m *WebSocketManager) GetStatus() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	sessions := make(map[string]interface{})
	totalConnections := 0

	for sessionID, connections := range m.connections {
		active := 0
		for _, client := range connections {
			if client != nil && !client.IsClosed() {
				active++
			}
		}
		sessions[sessionID] = map[string]interface{}{
			"client_count": active,
		}
		totalConnections += active
	}

	return map[string]interface{}{
		"total_sessions":    len(m.connections),
		"total_connections": totalConnections,
		"sessions":          sessions,
	}
}

// PublishSessionState 向会话的所有订阅者推送状态变化
// 实现 services.SessionEventPublisher
func (m *WebSocketManager) PublishSessionState(session *models.AuthoringSession) {
	if session == nil {
		return
	}

	message := map[string]interface{}{
		"type":       "session_state",
		"session_id": session.ID,
		"state":      session.State,
		"mode":       session.Mode,
		"timestamp":  time.Now().Format(time.RFC3339),
	}
	if session.FailureInfo != nil {
		message["failure"] = session.FailureInfo
	}
	if session.ParallelBatch != nil {
		message["batch"] = map[string]interface{}{
			"chapter_indices":   session.ParallelBatch.ChapterIndices,
			"completed_indices": session.ParallelBatch.CompletedIndices,
			"failed_indices":    session.ParallelBatch.FailedIndices,
			"reviewed_indices":  session.ParallelBatch.ReviewedIndices,
			"settled":           session.ParallelBatch.IsSettled(),
		}
	}

	m.BroadcastToSession(session.ID, message)
}

// BroadcastToSession 向指定会话的订阅者广播消息
func (m *WebSocketManager) BroadcastToSession(sessionID string, message map[string]interface{}) {
	msgBytes, err := json.Marshal(message)
	if err != nil {
		log.Printf("❌ 序列化广播消息失败: %v", err)
		return
	}

	m.mutex.RLock()
	connections, exists := m.connections[sessionID]
	if !exists {
		m.mutex.RUnlock()
		return
	}

	clients := make([]*WebSocketClient, 0, len(connections))
	for _, client := range connections {
		if !client.IsClosed() {
			clients = append(clients, client)
		}
	}
	m.mutex.RUnlock()

	for _, client := range clients {
		select {
		case client.send <- msgBytes:
		default:
			// 队列满的连接直接关闭，后续由清理循环回收
			client.Close()
		}
	}
}

// ========================================
// 连接处理
// ========================================

// HandleConnection 处理会话订阅的 WebSocket 连接
func (m *WebSocketManager) HandleConnection(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		http.Error(c.Writer, "会话ID缺失", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("❌ WebSocket 升级失败: %v", err)
		return
	}
	defer conn.Close()

	client := &WebSocketClient{
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan []byte, 256),
		lastPing:  time.Now(),
		createdAt: time.Now(),
	}

	select {
	case m.register <- client:
	default:
		log.Printf("❌ 无法注册 WebSocket 客户端，注册通道已满")
		return
	}

	defer func() {
		select {
		case m.unregister <- client:
		case <-time.After(5 * time.Second):
			log.Printf("⚠️ WebSocket 客户端注销超时")
		}
	}()

	go m.writePump(client)
	m.readPump(client)
}

// readPump 读取客户端消息，仅用于保活
func (m *WebSocketManager) readPump(client *WebSocketClient) {
	client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.conn.SetPongHandler(func(string) error {
		client.UpdatePing()
		client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if client.IsClosed() {
			return
		}

		client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("❌ WebSocket 读取错误: %v", err)
			}
			return
		}
		client.UpdatePing()
	}
}

// writePump 将队列中的消息写入连接，并定期发送ping
func (m *WebSocketManager) writePump(client *WebSocketClient) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		client.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				return
			}
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// cmd/push-gateway/main.go
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"washlink/internal/pkg/bootstrap"
	"washlink/internal/pkg/logger"
	"washlink/internal/pkg/mq"
	"washlink/internal/pkg/redis"
	"washlink/internal/service/order/domain"
)

const (
	serviceName       = "push-gateway"
	notificationTopic = "notifications"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var (
	nodeID   = "push-gateway-" + uuid.New().String()[:8]
	upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool { // 简化处理，允许所有跨域
			return true
		},
	}
)

// Hub 维护所有活跃的连接，并按 UserID 路由推送
type Hub struct {
	clients    map[string]*Client // 使用UserID作为Key
	register   chan *Client
	unregister chan *Client
	lock       sync.RWMutex
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.lock.Lock()
			h.clients[client.userID] = client
			h.lock.Unlock()
			log.Printf("Client %s registered on node %s", client.userID, nodeID)
		case client := <-h.unregister:
			h.lock.Lock()
			if _, ok := h.clients[client.userID]; ok {
				delete(h.clients, client.userID)
				close(client.send)
			}
			h.lock.Unlock()
			log.Printf("Client %s unregistered.", client.userID)
		}
	}
}

// push 把消息投递给目标用户的连接。用户不在本节点时静默丢弃，
// 通知只是尽力送达，订单状态的权威来源永远是查询接口。
func (h *Hub) push(userID string, payload []byte) {
	h.lock.RLock()
	client, ok := h.clients[userID]
	h.lock.RUnlock()
	if !ok {
		return
	}
	select {
	case client.send <- payload:
	default:
		// 写缓冲满说明连接已经不健康，放弃这条
	}
}

// Client 是一个WebSocket连接的代表
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		// 客户端只发心跳，消息内容直接丢弃
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func serveWs(hub *Hub, redisClient *redis.Client, w http.ResponseWriter, r *http.Request) {
	// 1. 从URL参数获取UserID
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}

	// 2. HTTP升级为WebSocket
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}

	// 3. 创建客户端实例并注册到Hub
	client := &Client{hub: hub, conn: conn, send: make(chan []byte, 256), userID: userID}
	client.hub.register <- client

	// 4. 在Redis中记录用户所在的网关节点，供运维排查
	if err := redisClient.GetClient().Set(context.Background(), "session:user:"+userID, nodeID, pongWait*2).Err(); err != nil {
		log.Printf("Failed to set session for user %s: %v", userID, err)
	}

	// 5. 启动读写goroutine
	go client.writePump()
	go client.readPump()
}

// consumeNotifications 消费通知主题并按 UserID 路由到本节点的连接。
// 每个网关节点用自己的消费组，等价于广播：哪个节点持有连接，哪个节点推得出去。
func consumeNotifications(ctx context.Context, hub *Hub, brokers []string) {
	reader := mq.NewKafkaReader(brokers, notificationTopic, nodeID)
	defer reader.Close()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("ERROR: could not read notification: %v. Retrying...", err)
			time.Sleep(1 * time.Second)
			continue
		}

		var event domain.NotificationEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			log.Printf("ERROR: malformed notification skipped: %v", err)
			continue
		}
		hub.push(event.UserID, msg.Value)
	}
}

func main() {
	if path, ok := os.LookupEnv("CONFIG_PATH"); ok {
		if _, err := bootstrap.LoadConfig(path); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	cfg := bootstrap.GetCurrentConfig()
	logger.Init(serviceName)

	redisClient, err := redis.NewClient(cfg.Infra.Redis.Addrs)
	if err != nil {
		log.Fatalf("failed to initialize redis client: %v", err)
	}
	defer redisClient.Close()

	hub := newHub()
	go hub.run()
	go consumeNotifications(context.Background(), hub, strings.Split(cfg.Infra.Kafka.Brokers, ","))

	http.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(hub, redisClient, w, r)
	})

	log.Printf("Push Gateway (%s) started on :8088", nodeID)
	if err := http.ListenAndServe(":8088", nil); err != nil {
		log.Fatal("ListenAndServe: ", err)
	}
}

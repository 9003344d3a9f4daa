// =============================================================================
// 文件: internal/stream/hub.go
// 描述: WebSocket 事件流 - 向订阅者广播改速与流完成事件
// =============================================================================
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mrcgq/hpcc/internal/congestion"
	"github.com/mrcgq/hpcc/internal/logging"
	"github.com/mrcgq/hpcc/internal/protocol"
)

const (
	sendBuffer   = 256
	writeTimeout = 5 * time.Second
)

// 消息类型
const (
	TypeRate     = "rate"
	TypeComplete = "complete"
)

// Completion 流完成事件
type Completion struct {
	Host string           `json:"host"`
	Flow protocol.FlowKey `json:"flow"`
	Size uint64           `json:"size"`
	FCT  time.Duration    `json:"fct_ns"`
}

// Message 推送给订阅者的 JSON 消息
type Message struct {
	Type     string                `json:"type"`
	At       time.Duration         `json:"at_ns"`
	Rate     *congestion.RateEvent `json:"rate,omitempty"`
	Complete *Completion           `json:"complete,omitempty"`
}

// RateMessage 包装改速事件
func RateMessage(ev congestion.RateEvent) Message {
	return Message{Type: TypeRate, At: ev.At, Rate: &ev}
}

// CompleteMessage 包装流完成事件
func CompleteMessage(at time.Duration, c Completion) Message {
	return Message{Type: TypeComplete, At: at, Complete: &c}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub 订阅者集合
// Publish 不阻塞, 订阅者缓冲满时丢弃该条消息
type Hub struct {
	listen string
	path   string
	log    *slog.Logger

	upgrader   websocket.Upgrader
	httpServer *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
	wg      sync.WaitGroup

	// 统计
	published uint64
	dropped   uint64
}

// NewHub 创建事件流
func NewHub(listen, path string, l *slog.Logger) *Hub {
	return &Hub{
		listen:  listen,
		path:    path,
		log:     logging.Component(l, "stream"),
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handler 构造 HTTP 路由
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(h.path, h.handleWebSocket)
	return mux
}

// Run 监听并服务, ctx 取消后关闭全部连接
func (h *Hub) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.listen)
	if err != nil {
		return err
	}
	h.httpServer = &http.Server{Handler: h.Handler()}

	go func() {
		<-ctx.Done()
		h.Stop()
	}()

	h.log.Info("event stream listening", "addr", ln.Addr().String(), "path", h.path)
	if err := h.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleWebSocket 处理订阅连接
func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Debug("subscriber joined", "remote", r.RemoteAddr)

	h.wg.Add(1)
	go h.writeLoop(c)

	// 订阅者不发送数据, 读循环只用于感知断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if err != io.EOF && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("subscriber read error", "remote", r.RemoteAddr, "err", err)
			}
			break
		}
	}
	h.remove(c)
}

func (h *Hub) writeLoop(c *client) {
	defer h.wg.Done()
	for b := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			c.conn.Close()
			for range c.send {
			}
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.conn.Close()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// Publish 广播消息
func (h *Hub) Publish(m Message) {
	b, err := json.Marshal(m)
	if err != nil {
		h.log.Error("encode event failed", "type", m.Type, "err", err)
		return
	}
	atomic.AddUint64(&h.published, 1)

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			atomic.AddUint64(&h.dropped, 1)
		}
	}
}

// Clients 当前订阅者数
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped 因订阅者过慢丢弃的消息数
func (h *Hub) Dropped() uint64 {
	return atomic.LoadUint64(&h.dropped)
}

// Published 已广播消息数
func (h *Hub) Published() uint64 {
	return atomic.LoadUint64(&h.published)
}

// Stop 关闭全部订阅并停止服务
func (h *Hub) Stop() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	if h.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.httpServer.Shutdown(ctx)
	}
	h.wg.Wait()
}

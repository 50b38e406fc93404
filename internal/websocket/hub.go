// Package websocket 把站点事件推送给浏览器
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/wfunc/phstat/internal/events"
	"go.uber.org/zap"
)

// Message 推送帧；事件帧的 Type 即事件类型
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"` // 毫秒
}

const (
	MessageTypeConnected = "connected"
	MessageTypePing      = "ping"
	MessageTypePong      = "pong"
	MessageTypeError     = "error"
)

type HubOption func(*Hub)

// WithSnapshot 新连接的 connected 帧携带该函数返回的状态
func WithSnapshot(fn func() interface{}) HubOption {
	return func(h *Hub) { h.snapshot = fn }
}

// Hub 管理浏览器连接；队列满的连接丢弃当前帧，不阻塞事件流
type Hub struct {
	log      *zap.Logger
	snapshot func() interface{}

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

func NewHub(log *zap.Logger, opts ...HubOption) *Hub {
	h := &Hub{log: log, clients: make(map[*client]struct{})}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run 阻塞到 ctx 取消，然后断开全部连接并拒绝新连接
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.out)
	}
	h.log.Info("WebSocket 推送已停止")
}

// Forward 把订阅到的事件逐条广播，直到 ctx 取消或通道关闭
func (h *Hub) Forward(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			payload, err := events.Encode(e)
			if err != nil {
				h.log.Error("事件编码失败", zap.String("type", string(e.Type)), zap.Error(err))
				continue
			}
			h.Broadcast(&Message{Type: string(e.Type), Data: payload, Timestamp: e.Timestamp.UnixMilli()})
		}
	}
}

func (h *Hub) Broadcast(msg *Message) {
	frame, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("消息编码失败", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.offer(frame) {
			h.log.Warn("推送队列已满，丢弃", zap.String("client_id", c.id), zap.String("type", msg.Type))
		}
	}
}

func (h *Hub) OnlineCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// attach connected 帧先于任何事件进入队列
func (h *Hub) attach(c *client) bool {
	hello := h.greeting()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	c.offer(hello)
	h.clients[c] = struct{}{}
	h.log.Info("WebSocket 客户端接入",
		zap.String("client_id", c.id),
		zap.String("remote", c.remote),
		zap.Int("online", len(h.clients)))
	return true
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.out)
	h.log.Info("WebSocket 客户端断开", zap.String("client_id", c.id))
}

// reply 只发给仍在线的连接
func (h *Hub) reply(c *client, msg *Message) {
	frame, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; ok {
		c.offer(frame)
	}
}

func (h *Hub) greeting() []byte {
	msg := Message{Type: MessageTypeConnected, Timestamp: time.Now().UnixMilli()}
	if h.snapshot != nil {
		if data, err := json.Marshal(h.snapshot()); err == nil {
			msg.Data = data
		} else {
			h.log.Warn("状态快照编码失败", zap.Error(err))
		}
	}
	frame, _ := json.Marshal(msg)
	return frame
}

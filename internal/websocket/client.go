package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingEvery    = pongTimeout * 9 / 10

	// 客户端只会发心跳
	maxInbound    = 4 * 1024
	outboundQueue = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// client 一个浏览器连接；out 只由 Hub 在持锁时关闭
type client struct {
	id     string
	remote string
	conn   *websocket.Conn
	out    chan []byte
}

func (c *client) offer(frame []byte) bool {
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

// ServeWS 升级为 WebSocket 并开始推送事件
func (h *Hub) ServeWS(ctx *gin.Context) {
	conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		h.log.Warn("WebSocket 升级失败", zap.String("remote", ctx.ClientIP()), zap.Error(err))
		return
	}

	c := &client{
		id:     uuid.NewString(),
		remote: ctx.ClientIP(),
		conn:   conn,
		out:    make(chan []byte, outboundQueue),
	}
	if !h.attach(c) {
		bye := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
		_ = conn.WriteControl(websocket.CloseMessage, bye, time.Now().Add(writeTimeout))
		conn.Close()
		return
	}
	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) readLoop(c *client) {
	defer func() {
		h.detach(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInbound)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn("WebSocket 读取失败", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		h.handleInbound(c, raw)
	}
}

// writeLoop out 被关闭时发送关闭帧并退出
func (h *Hub) writeLoop(c *client) {
	ping := time.NewTicker(pingEvery)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleInbound 事件流只读，除心跳外一律回 error 帧
func (h *Hub) handleInbound(c *client, raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.reply(c, errorFrame("消息格式错误"))
		return
	}
	switch msg.Type {
	case MessageTypePing:
		h.reply(c, &Message{Type: MessageTypePong, Timestamp: time.Now().UnixMilli()})
	case MessageTypePong:
	default:
		h.reply(c, errorFrame("不支持的消息类型: "+msg.Type))
	}
}

func errorFrame(reason string) *Message {
	data, _ := json.Marshal(map[string]string{"error": reason})
	return &Message{Type: MessageTypeError, Data: data, Timestamp: time.Now().UnixMilli()}
}

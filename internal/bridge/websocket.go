package bridge

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/autoreap/autoreap/internal/events"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// The shell only sends control frames.
	maxMessageSize = 4096
	sendBufferSize = 256
)

// MessageType is the kind of a streamed event.
type MessageType string

const (
	MsgLog     MessageType = "log"
	MsgStage   MessageType = "stage"
	MsgError   MessageType = "error"
	MsgResult  MessageType = "result"
	MsgBrowser MessageType = "browser"
	MsgSearch  MessageType = "declarations"
)

// WSMessage is the envelope of every event sent to the shell.
type WSMessage struct {
	Type      MessageType            `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp string                 `json:"timestamp"`
	RunID     string                 `json:"run_id,omitempty"`
}

func newMessage(t MessageType, runID string, data map[string]interface{}) WSMessage {
	return WSMessage{
		Type:      t,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RunID:     runID,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The bridge listens on loopback for a local shell.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient is one connected shell. Hub listener calls only enqueue; the
// writePump owns the connection writes.
type wsClient struct {
	server *Server
	conn   *websocket.Conn
	send   chan WSMessage
	// done is closed once the read side is finished. send is never closed
	// because hub listeners may still hold the client.
	done chan struct{}
	// dropped counts messages discarded by enqueue since the last report.
	dropped atomic.Int64
}

func (c *wsClient) OnLog(msg string, tag events.Tag) {
	c.enqueue(newMessage(MsgLog, "", map[string]interface{}{"message": msg, "tag": string(tag)}))
}

func (c *wsClient) OnStageDone(stage events.Stage) {
	c.enqueue(newMessage(MsgStage, "", map[string]interface{}{"stage": stage.String(), "index": int(stage)}))
}

func (c *wsClient) OnError(kind events.ErrorKind, detail string) {
	c.enqueue(newMessage(MsgError, "", map[string]interface{}{"kind": string(kind), "detail": detail}))
}

// enqueue drops the message when the client is not keeping up, so a slow
// shell never stalls the run goroutine. It must not log: the server logger
// feeds the hub, which calls back into enqueue.
func (c *wsClient) enqueue(msg WSMessage) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		c.dropped.Add(1)
	}
}

// reportDropped logs how many messages were discarded since the last call.
// Only writePump calls it, after it has made room in send.
func (c *wsClient) reportDropped() {
	if n := c.dropped.Swap(0); n > 0 {
		c.server.logger.Warn("WebSocket client fell behind; messages dropped.", zap.Int64("dropped", n))
	}
}

// readPump discards incoming frames and keeps the read deadline moving on
// pongs. It returns when the peer goes away.
func (c *wsClient) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.server.logger.Error("Failed to set initial read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("WebSocket closed unexpectedly", zap.Error(err))
			} else {
				c.server.logger.Debug("WebSocket connection closed.")
			}
			return
		}
	}
}

// writePump serializes queued messages onto the connection and pings the peer.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				c.server.logger.Error("Failed to encode event", zap.Error(err))
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.server.logger.Debug("Error writing to WebSocket", zap.Error(err))
				return
			}
			c.reportDropped()

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"qstream/internal/config"
	"qstream/internal/router"
)

// wsConn adapts a gorilla connection to router.Conn. The router's writer
// goroutine is the only caller of Write; pings go through WriteControl,
// which gorilla allows concurrently with other writes.
type wsConn struct {
	ws    *websocket.Conn
	codec router.Codec
	cfg   config.WebSocketConfig

	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(ws *websocket.Conn, codec router.Codec, cfg config.WebSocketConfig) *wsConn {
	c := &wsConn{ws: ws, codec: codec, cfg: cfg, done: make(chan struct{})}

	if cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(cfg.MaxMessageSize)
	}
	if cfg.PongWait > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
		})
	}
	if cfg.PingInterval > 0 {
		go c.pingLoop()
	}
	return c
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.ws.Close()
				return
			}
		}
	}
}

// Read returns the next request. A close frame from the client ends the
// stream with io.EOF; frames that fail to decode yield a *router.DecodeError.
func (c *wsConn) Read(ctx context.Context) (router.Request, error) {
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			websocket.CloseNoStatusReceived) {
			return router.Request{}, io.EOF
		}
		if errors.Is(err, websocket.ErrReadLimit) {
			return router.Request{}, fmt.Errorf("frame exceeds %d bytes: %w", c.cfg.MaxMessageSize, err)
		}
		return router.Request{}, err
	}
	if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
		return router.Request{}, &router.DecodeError{Err: fmt.Errorf("unsupported frame type %d", mt)}
	}
	return c.codec.Decode(data)
}

// Write encodes msg with the negotiated codec.
func (c *wsConn) Write(ctx context.Context, msg router.Message) error {
	data, err := c.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	frame := websocket.TextMessage
	if c.codec.Binary() {
		frame = websocket.BinaryMessage
	}
	if c.cfg.WriteWait > 0 {
		deadline := time.Now().Add(c.cfg.WriteWait)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		_ = c.ws.SetWriteDeadline(deadline)
	}
	return c.ws.WriteMessage(frame, data)
}

// Close sends a close frame and drops the connection. A blocked Read
// returns once the socket is closed.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		wait := c.cfg.WriteWait
		if wait <= 0 {
			wait = time.Second
		}
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wait))
		err = c.ws.Close()
	})
	return err
}

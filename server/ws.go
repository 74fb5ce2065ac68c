package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/martinemde/blenderagent/agentloop"
	"github.com/martinemde/blenderagent/chat"
	"github.com/martinemde/blenderagent/sessions"
)

// Client frame types.
const (
	FrameSend = "send"
	FrameStop = "stop"
)

// Server frame types.
const (
	FrameMessage = "message"
	FrameDone    = "done"
	FrameError   = "error"
)

// ClientFrame is a request from a websocket client. Image is base64 in
// JSON.
type ClientFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Text      string `json:"text,omitempty"`
	Image     []byte `json:"image,omitempty"`
	MIMEType  string `json:"mime_type,omitempty"`
}

// ServerFrame is pushed to websocket clients.
type ServerFrame struct {
	Type      string             `json:"type"`
	SessionID string             `json:"session_id,omitempty"`
	Added     bool               `json:"added,omitempty"`
	Message   *agentloop.Message `json:"message,omitempty"`
	Error     string             `json:"error,omitempty"`
}

type wsConn struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger
	wg     sync.WaitGroup

	mu      sync.Mutex
	follows map[string]bool
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &wsConn{
		server:  s,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		ctx:     ctx,
		cancel:  cancel,
		log:     s.logger.With(zap.String("remote", r.RemoteAddr)),
		follows: make(map[string]bool),
	}
	c.run()
}

func (c *wsConn) run() {
	unwatch := c.server.chat.Sessions().Watch(c.onUpdate)
	defer func() {
		unwatch()
		c.cancel()
		c.wg.Wait()
		_ = c.conn.Close()
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.writeLoop()
	}()
	c.readLoop()
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.enqueue(ServerFrame{Type: FrameError, Error: "invalid frame: " + err.Error()})
			continue
		}
		c.handle(frame)
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *wsConn) handle(frame ClientFrame) {
	if frame.SessionID == "" {
		c.enqueue(ServerFrame{Type: FrameError, Error: "session_id is required"})
		return
	}
	switch frame.Type {
	case FrameSend:
		c.follow(frame.SessionID)
		var att *agentloop.Attachment
		if len(frame.Image) > 0 {
			mime := frame.MIMEType
			if mime == "" {
				mime = "image/png"
			}
			att = &agentloop.Attachment{MIMEType: mime, Data: frame.Image}
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.runSend(frame.SessionID, frame.Text, att)
		}()
	case FrameStop:
		if _, err := c.server.chat.Stop(c.ctx, frame.SessionID); err != nil {
			c.enqueue(ServerFrame{Type: FrameError, SessionID: frame.SessionID, Error: err.Error()})
		}
	default:
		c.enqueue(ServerFrame{Type: FrameError, SessionID: frame.SessionID, Error: fmt.Sprintf("unknown frame type %q", frame.Type)})
	}
}

func (c *wsConn) runSend(sessionID, text string, att *agentloop.Attachment) {
	err := c.server.chat.Send(c.ctx, sessionID, text, att)
	switch {
	case err == nil:
	case c.ctx.Err() != nil:
		return
	case errors.Is(err, chat.ErrBusy), errors.Is(err, chat.ErrSessionNotFound), errors.Is(err, chat.ErrEmptyInput):
		c.enqueue(ServerFrame{Type: FrameError, SessionID: sessionID, Error: err.Error()})
		return
	default:
		// The failure is already in the conversation as an error message.
		c.log.Debug("request failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	c.enqueue(ServerFrame{Type: FrameDone, SessionID: sessionID})
}

func (c *wsConn) follow(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.follows[sessionID] = true
}

func (c *wsConn) onUpdate(u sessions.Update) {
	c.mu.Lock()
	following := c.follows[u.SessionID]
	c.mu.Unlock()
	if !following {
		return
	}
	msg := u.Message
	c.enqueue(ServerFrame{Type: FrameMessage, SessionID: u.SessionID, Added: u.Added, Message: &msg})
}

// enqueue drops the frame when the client is gone or not keeping up.
func (c *wsConn) enqueue(frame ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.log.Error("encode frame", zap.Error(err))
		return
	}
	if c.ctx.Err() != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("send buffer full, dropping frame", zap.String("type", frame.Type))
	}
}

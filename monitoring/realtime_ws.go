package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType 消息类型
type MessageType string

const (
	MessageProgress  MessageType = "progress"
	MessageResult    MessageType = "result"
	MessageError     MessageType = "error"
	MessageHeartbeat MessageType = "heartbeat"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	maxReadBytes = 4096
)

// ErrSessionClosed is returned by Send after the connection has gone away.
var ErrSessionClosed = errors.New("websocket session closed")

// Message 推送消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// RequestHandler serves one client request on a session. ctx is cancelled when the
// client disconnects or the server shuts down.
type RequestHandler func(ctx context.Context, s *Session, payload []byte)

// Session WebSocket会话
type Session struct {
	ID   string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// Send queues a typed message for the client. A full queue drops the session.
func (s *Session) Send(t MessageType, requestID string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(Message{Type: t, Timestamp: time.Now().UTC(), RequestID: requestID, Data: data})
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- msg:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		s.close()
		return ErrSessionClosed
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// WebSocketServer WebSocket服务: upgrades connections and dispatches requests,
// one at a time per session.
type WebSocketServer struct {
	upgrader websocket.Upgrader
	handler  RequestHandler
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewWebSocketServer 创建WebSocket服务
func NewWebSocketServer(allowedOrigins []string, handler RequestHandler, logger *zap.Logger) *WebSocketServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketServer{
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(allowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		handler:  handler,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
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

// ServeHTTP 处理WebSocket连接
func (ws *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s := &Session{
		ID:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}
	ws.mu.Lock()
	ws.sessions[s.ID] = s
	ws.mu.Unlock()
	WSConnectionsActive.Inc()
	ws.logger.Debug("websocket client connected", zap.String("session", s.ID))

	go ws.writePump(s)
	ws.readPump(s)
}

// Count returns the number of open sessions.
func (ws *WebSocketServer) Count() int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return len(ws.sessions)
}

// Shutdown cancels running requests and closes every session.
func (ws *WebSocketServer) Shutdown() {
	ws.cancel()
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	for _, s := range ws.sessions {
		s.close()
	}
}

// writePump WebSocket写入泵
func (ws *WebSocketServer) writePump(s *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				ws.logger.Debug("websocket write failed", zap.String("session", s.ID), zap.Error(err))
				s.close()
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}

		case <-s.done:
			// flush what the handler already queued
			for {
				select {
				case message := <-s.send:
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
						return
					}
				default:
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

// readPump WebSocket读取泵
func (ws *WebSocketServer) readPump(s *Session) {
	ctx, cancel := context.WithCancel(ws.ctx)
	var busy sync.WaitGroup
	var running sync.Mutex

	defer func() {
		cancel()
		busy.Wait()
		s.close()
		ws.mu.Lock()
		delete(ws.sessions, s.ID)
		ws.mu.Unlock()
		WSConnectionsActive.Dec()
		ws.logger.Debug("websocket client disconnected", zap.String("session", s.ID))
	}()

	s.conn.SetReadLimit(maxReadBytes)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		select {
		case <-s.done:
		case <-ctx.Done():
		}
		// unblock ReadMessage once the session is over
		s.conn.SetReadDeadline(time.Now())
	}()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Debug("websocket read failed", zap.String("session", s.ID), zap.Error(err))
			}
			return
		}

		if !running.TryLock() {
			_ = s.Send(MessageError, "", map[string]string{"message": "a request is already running"})
			continue
		}
		busy.Add(1)
		go func(payload []byte) {
			defer busy.Done()
			defer running.Unlock()
			ws.handler(ctx, s, payload)
		}(payload)
	}
}

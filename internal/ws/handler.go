// Package ws serves the dashboard to browser clients over a WebSocket:
// JSON-RPC requests in, responses and live notifications out.
package ws

import (
	"errors"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stepherg/gatedash/internal/events"
	"github.com/stepherg/gatedash/internal/logging"
	"github.com/stepherg/gatedash/internal/rpc"
)

const (
	pongWait     = 75 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	writeWait    = 10 * time.Second
	maxFrameSize = 512 * 1024

	defaultSendBuffer = 64
	eventMethodPrefix = "Dashboard.Event."
	ackMethod         = "Gateway.Ack"
)

// Handler upgrades HTTP to WebSocket. Every request is answered by
// Dispatcher; every Bus event is pushed as a Dashboard.Event.<Kind>
// notification.
type Handler struct {
	Upgrader    websocket.Upgrader
	Dispatcher  rpc.Dispatcher
	SendBufSize int
	Bus         *events.Bus // optional; without it clients only get responses
	GatewayAck  bool        // emit a Gateway.Ack notification after every request
	Logger      *zap.Logger
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logging.OrNop(h.Logger)
	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade failed", zap.Error(err))
		return
	}
	s := &session{
		conn:       conn,
		dispatcher: h.Dispatcher,
		ack:        h.GatewayAck,
		done:       make(chan struct{}),
		log:        log.With(zap.String("remote", r.RemoteAddr)),
	}
	buf := h.SendBufSize
	if buf <= 0 {
		buf = defaultSendBuffer
	}
	if h.Bus != nil {
		_, s.events, s.cancel = h.Bus.Subscribe(buf)
	}
	s.log.Debug("client connected")
	go s.serve()
}

// session is one connected browser.
type session struct {
	conn       *websocket.Conn
	dispatcher rpc.Dispatcher
	ack        bool
	events     <-chan events.Event
	cancel     func()
	done       chan struct{}
	log        *zap.Logger

	writeMu sync.Mutex
}

func (s *session) serve() {
	defer func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.keepalive()
	if s.events != nil {
		go s.forward()
	}
	s.readRequests()
}

func (s *session) readRequests() {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			s.log.Debug("client gone", zap.Error(err))
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		req, err := rpc.ParseRequest(data)
		if err != nil {
			s.send(rpc.Response{JSONRPC: "2.0", Error: &rpc.Error{Code: rpc.CodeInvalidRequest, Message: err.Error()}})
			continue
		}
		s.log.Debug("request", zap.String("method", req.Method))
		if resp := s.dispatcher.Handle(req); resp != nil {
			s.send(resp)
		}
		if s.ack {
			s.send(rpc.Notification{JSONRPC: "2.0", Method: ackMethod, Params: map[string]any{
				"correlationId": string(req.ID),
				"id":            uuid.NewString(),
			}})
		}
	}
}

// forward pushes bus events until the client goes away or the bus
// subscription is cancelled.
func (s *session) forward() {
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				return
			}
			s.send(notification(ev))
		case <-s.done:
			return
		}
	}
}

func (s *session) keepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func notification(ev events.Event) rpc.Notification {
	return rpc.Notification{
		JSONRPC: "2.0",
		Method:  eventMethod(ev),
		Params: map[string]any{
			"device": ev.Device,
			"at":     ev.At,
			"data":   ev.Data,
		},
	}
}

func eventMethod(ev events.Event) string {
	if ev.Kind == "" {
		return eventMethodPrefix + string(events.KindUnknown)
	}
	return eventMethodPrefix + string(ev.Kind)
}

func (s *session) send(v any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := s.conn.WriteJSON(v)
	if err == nil {
		return
	}
	var nerr net.Error
	if (errors.As(err, &nerr) && nerr.Timeout()) || errors.Is(err, os.ErrDeadlineExceeded) {
		s.log.Warn("write deadline exceeded", zap.Error(err))
		return
	}
	s.log.Warn("write failed", zap.Error(err))
}

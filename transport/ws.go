// Package transport carries JSON-RPC 2.0 over websockets. It owns wire
// framing, per-connection read/write pumps, and liveness probing; every
// parsed call is handed to the engine untouched.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"roomchat/engine"
	"roomchat/rpc"
)

type Server struct {
	log        *slog.Logger
	engine     *engine.Engine
	upgrader   websocket.Upgrader
	outboxSize int
	pingPeriod time.Duration
	pongWait   time.Duration
}

// NewServer builds the websocket endpoint. outboxSize bounds each
// session's reply buffer; pingPeriod drives the keepalive probe.
func NewServer(log *slog.Logger, eng *engine.Engine, outboxSize int, pingPeriod time.Duration) *Server {
	return &Server{
		log:        log,
		engine:     eng,
		upgrader:   websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		outboxSize: outboxSize,
		pingPeriod: pingPeriod,
		pongWait:   pingPeriod + 10*time.Second,
	}
}

func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

// client ties one websocket connection to one engine session. All writes
// go through the write pump: gorilla connections allow a single writer.
type client struct {
	conn      *websocket.Conn
	sess      *engine.Session
	responses chan rpc.Response
	done      chan struct{}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Websocket upgrade failed", "err", err)
		return
	}

	c := &client{
		conn:      conn,
		sess:      engine.NewSession(s.outboxSize),
		responses: make(chan rpc.Response, 16),
		done:      make(chan struct{}),
	}
	log := s.log.With("session", c.sess.ID)
	log.Info("Connection established")

	go s.writePump(c, log)
	s.readPump(c, log)

	close(c.done)
	s.engine.Disconnect(c.sess)
	_ = conn.Close()
	log.Info("Connection closed")
}

func (s *Server) readPump(c *client, log *slog.Logger) {
	_ = c.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("Read failed", "err", err)
			}
			return
		}
		s.handleMessage(c, log, data)
	}
}

// handleMessage frames one inbound call: decode, dispatch, and queue the
// response when the request carried an id.
func (s *Server) handleMessage(c *client, log *slog.Logger, data []byte) {
	var request rpc.Request
	if err := json.Unmarshal(data, &request); err != nil {
		c.respond(rpc.NewErrorResponse(nil, rpc.ErrParseError))
		return
	}
	if !request.Valid() {
		c.respond(rpc.NewErrorResponse(nil, rpc.ErrInvalidRequest))
		return
	}

	log.Info("Handling call", "method", request.Method)
	result, err := s.engine.Dispatch(context.Background(), c.sess, request.Method, request.Params)

	if request.ID == nil {
		return
	}
	if err != nil {
		c.respond(rpc.NewErrorResponse(request.ID, rpc.Wrap(err)))
		return
	}
	c.respond(rpc.NewResult(request.ID, result))
}

func (c *client) respond(response rpc.Response) {
	select {
	case c.responses <- response:
	case <-c.done:
	}
}

// writePump is the single writer for the connection: it interleaves
// responses, engine notifications, and keepalive pings.
func (s *Server) writePump(c *client, log *slog.Logger) {
	ticker := time.NewTicker(s.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case response := <-c.responses:
			if err := c.conn.WriteJSON(response); err != nil {
				log.Debug("Response write failed", "err", err)
				return
			}
		case notification := <-c.sess.Outbox():
			if err := c.conn.WriteJSON(notification); err != nil {
				log.Debug("Notification write failed", "err", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

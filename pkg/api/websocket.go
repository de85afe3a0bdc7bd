package api

import (
	"bytes"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"

	"mh400e-gearbox/pkg/gearbox"
)

const (
	wsReadLimit    = 64 * 1024
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
	wsSendQueue    = 64
)

// WSClient is one websocket connection.
type WSClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *Server) newWSClient(conn *websocket.Conn) *WSClient {
	return &WSClient{
		id:     atomic.AddInt64(&s.nextWSID, 1),
		conn:   conn,
		server: s,
		sendCh: make(chan []byte, wsSendQueue),
		done:   make(chan struct{}),
	}
}

// Send queues msg for the client. Messages to a slow client are dropped.
func (c *WSClient) Send(msg any) {
	data, err := sonnet.Marshal(msg)
	if err != nil {
		c.server.logger.WithError(err).Warn("encode websocket message")
		return
	}
	c.sendRaw(data)
}

func (c *WSClient) sendRaw(data []byte) {
	select {
	case c.sendCh <- data:
	case <-c.done:
	default:
		c.server.logger.Warn("dropping message to websocket client %d (queue full)", c.id)
	}
}

// Close closes the client connection.
func (c *WSClient) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *WSClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.Close()
	}()

	c.conn.SetReadLimit(wsReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.WithError(err).Warn("websocket read error")
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.server.logger.WithError(err).Debug("websocket write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var req jsonRPCRequest
	if err := sonnet.Unmarshal(data, &req); err != nil {
		c.sendError(nil, codeParseError, "Parse error")
		return
	}

	result, err := c.server.dispatchMethod(req.Method, req.Params)
	if err != nil {
		c.sendError(req.ID, errorCode(err), err.Error())
		return
	}
	c.Send(jsonRPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID})
}

func (c *WSClient) sendError(id any, code int, message string) {
	c.Send(jsonRPCResponse{
		JSONRPC: "2.0",
		Error:   &jsonRPCError{Code: code, Message: message},
		ID:      id,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := s.newWSClient(conn)
	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()

	s.logger.Debug("websocket client %d connected", client.id)

	go client.writePump()

	// New clients get the current snapshot without waiting for a change.
	if st := s.gb.Status(); st != nil {
		client.Send(statusNotification(st))
	}

	client.readPump()
}

func (s *Server) removeClient(client *WSClient) {
	s.wsClientMu.Lock()
	delete(s.wsClients, client.id)
	s.wsClientMu.Unlock()

	s.logger.Debug("websocket client %d disconnected", client.id)
}

func statusNotification(st *gearbox.Status) jsonRPCNotification {
	return jsonRPCNotification{
		JSONRPC: "2.0",
		Method:  "notify_status_update",
		Params:  []any{st},
	}
}

func (s *Server) statusBroadcastLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.broadcastStatus()
		case <-s.stop:
			return
		}
	}
}

// broadcastStatus pushes the snapshot to every client when anything but
// the tick counter changed since the last push. It reports whether a
// notification went out.
func (s *Server) broadcastStatus() bool {
	st := s.gb.Status()
	if st == nil {
		return false
	}

	probe := *st
	probe.Ticks = 0
	digest, err := sonnet.Marshal(&probe)
	if err != nil {
		s.logger.WithError(err).Warn("encode status")
		return false
	}
	if bytes.Equal(digest, []byte(s.lastDigest)) {
		return false
	}
	s.lastDigest = string(digest)

	data, err := sonnet.Marshal(statusNotification(st))
	if err != nil {
		s.logger.WithError(err).Warn("encode status")
		return false
	}

	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	for _, client := range s.wsClients {
		client.sendRaw(data)
	}
	return true
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	return len(s.wsClients)
}

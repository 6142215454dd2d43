package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/albinvar/anatome.ai/job"
)

const (
	// MaxClients caps concurrent websocket consumers.
	MaxClients = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// client is one websocket consumer of the job update stream.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// direct websocket clients send no origin header
			if origin == "" {
				return true
			}
			return s.originAllowed(origin)
		},
	}
}

// handleWebSocket upgrades /ws connections into the job update stream.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 32)}
	s.register <- c

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.writePump(c)
	}()
	go func() {
		defer s.wg.Done()
		s.readPump(c)
	}()
}

// runHub owns the client set. Register, unregister and broadcast all pass
// through here so the map needs no locking on the hot path.
func (s *Server) runHub() {
	for {
		select {
		case <-s.ctx.Done():
			return

		case c := <-s.register:
			s.mu.Lock()
			if len(s.clients) >= MaxClients {
				s.mu.Unlock()
				s.logger.Warnw("Max websocket clients reached, rejecting connection", "max_clients", MaxClients)
				c.conn.Close()
				continue
			}
			s.clients[c] = true
			total := len(s.clients)
			s.mu.Unlock()
			s.logger.Infow("Websocket client connected", "total_clients", total)

		case c := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[c]; ok {
				delete(s.clients, c)
				close(c.send)
			}
			s.mu.Unlock()

		case msg := <-s.broadcast:
			s.mu.RLock()
			for c := range s.clients {
				select {
				case c.send <- msg:
				default:
					// slow consumer; drop the frame rather than stall
					// the hub
				}
			}
			s.mu.RUnlock()
		}
	}
}

func (s *Server) readPump(c *client) {
	defer func() {
		select {
		case s.unregister <- c:
		case <-s.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		// the stream is one way; reads only service control frames
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// jobUpdateMessage is the websocket frame sent on every job transition.
type jobUpdateMessage struct {
	Type string   `json:"type"`
	Job  *job.Job `json:"job"`
}

// JobUpdated implements job.Emitter. Frames fan out to every connected
// client; a full broadcast buffer drops the frame.
func (s *Server) JobUpdated(j *job.Job) {
	msg, err := json.Marshal(jobUpdateMessage{Type: "job_update", Job: j})
	if err != nil {
		s.logger.Errorw("Failed to encode job update", "job_id", j.ID, "error", err)
		return
	}
	select {
	case s.broadcast <- msg:
	default:
		s.logger.Debugw("Broadcast buffer full, dropping job update", "job_id", j.ID)
	}
}

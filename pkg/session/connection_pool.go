package session

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultSendBuffer   = 16
	defaultWriteTimeout = 5 * time.Second
)

// wsConn is the subset of *websocket.Conn the pool writes through.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type poolClient struct {
	conn wsConn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *poolClient) stop() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// ConnectionPool fans session snapshots out to the websocket connections of
// one page session. Each connection gets its own buffered writer; a client
// that falls a full buffer behind is dropped.
type ConnectionPool struct {
	sessionID    string
	mu           sync.Mutex
	conns        map[wsConn]*poolClient
	sendBuffer   int
	writeTimeout time.Duration
}

func NewConnectionPool(sessionID string) *ConnectionPool {
	return &ConnectionPool{
		sessionID:    sessionID,
		conns:        map[wsConn]*poolClient{},
		sendBuffer:   defaultSendBuffer,
		writeTimeout: defaultWriteTimeout,
	}
}

func (cp *ConnectionPool) Add(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, ok := cp.conns[conn]; ok {
		return
	}
	buf := cp.sendBuffer
	if buf <= 0 {
		buf = 1
	}
	c := &poolClient{conn: conn, send: make(chan []byte, buf), done: make(chan struct{})}
	cp.conns[conn] = c
	go cp.writeLoop(c)
}

func (cp *ConnectionPool) Remove(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	c, ok := cp.conns[conn]
	delete(cp.conns, conn)
	cp.mu.Unlock()
	if ok {
		c.stop()
		return
	}
	_ = conn.Close()
}

// Broadcast queues data for every connection without blocking on slow peers.
func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	var dropped []*poolClient
	for conn, c := range cp.conns {
		select {
		case c.send <- data:
		default:
			delete(cp.conns, conn)
			dropped = append(dropped, c)
		}
	}
	cp.mu.Unlock()
	for _, c := range dropped {
		log.Warn().Str("component", "session").Str("session_id", cp.sessionID).Msg("ws send buffer full, dropping connection")
		c.stop()
	}
}

// SendToOne queues data for a single connection of the pool.
func (cp *ConnectionPool) SendToOne(conn wsConn, data []byte) {
	if cp == nil || conn == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	c, ok := cp.conns[conn]
	if !ok {
		cp.mu.Unlock()
		return
	}
	select {
	case c.send <- data:
		cp.mu.Unlock()
	default:
		delete(cp.conns, conn)
		cp.mu.Unlock()
		c.stop()
	}
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	clients := make([]*poolClient, 0, len(cp.conns))
	for conn, c := range cp.conns {
		clients = append(clients, c)
		delete(cp.conns, conn)
	}
	cp.mu.Unlock()
	for _, c := range clients {
		c.stop()
	}
}

func (cp *ConnectionPool) writeLoop(c *poolClient) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if cp.writeTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout))
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("component", "session").Str("session_id", cp.sessionID).Msg("ws write failed, dropping connection")
				cp.Remove(c.conn)
				return
			}
		}
	}
}

package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Peer is one client socket.
type Peer struct {
	ID       uuid.UUID
	ClientID string
	DeviceID string
	Identity Identity

	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newPeer(conn *websocket.Conn, id Identity, deviceID string, buffer int) *Peer {
	return &Peer{
		ID:       uuid.New(),
		ClientID: id.ClientID,
		DeviceID: deviceID,
		Identity: id,
		conn:     conn,
		send:     make(chan []byte, buffer),
	}
}

// Send queues data for the write pump. It reports false if the peer is gone
// or its queue is full.
func (p *Peer) Send(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

// close stops the write pump after it drains queued frames.
func (p *Peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.closed = true
		close(p.send)
	}
}

// writePump owns all writes to the socket. closeCode is read once the queue
// is closed, so a server shutdown can still switch it.
func (p *Peer) writePump(writeTimeout time.Duration, closeCode *atomic.Int32) {
	defer p.conn.Close()

	for data := range p.send {
		_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}

	_ = p.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(int(closeCode.Load()), ""),
		time.Now().Add(writeTimeout),
	)
}

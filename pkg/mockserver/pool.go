package mockserver

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// connPool tracks live client connections so the server can count them and drop them
// all at once.
type connPool struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]*sync.Mutex
}

func newConnPool() *connPool {
	return &connPool{conns: map[*websocket.Conn]*sync.Mutex{}}
}

func (p *connPool) add(conn *websocket.Conn) {
	p.mu.Lock()
	p.conns[conn] = &sync.Mutex{}
	p.mu.Unlock()
}

func (p *connPool) remove(conn *websocket.Conn) {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	_ = conn.Close()
}

// write sends one text frame. A failed write drops the connection.
func (p *connPool) write(conn *websocket.Conn, data []byte) error {
	p.mu.Lock()
	wmu, ok := p.conns[conn]
	p.mu.Unlock()
	if !ok {
		return websocket.ErrCloseSent
	}
	wmu.Lock()
	err := conn.WriteMessage(websocket.TextMessage, data)
	wmu.Unlock()
	if err != nil {
		log.Warn().Err(err).Str("component", "mockserver").Msg("ws send failed, dropping connection")
		p.remove(conn)
	}
	return err
}

func (p *connPool) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *connPool) closeAll() {
	p.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(p.conns))
	for conn := range p.conns {
		conns = append(conns, conn)
		delete(p.conns, conn)
	}
	p.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

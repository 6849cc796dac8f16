package director

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/shardmesh/internal/observability"
	"github.com/danmuck/shardmesh/internal/protocol"
	"github.com/danmuck/shardmesh/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

var errSendQueueFull = errors.New("director: participant send queue full")

// Participant is one live bus connection.
type Participant struct {
	id   uint64
	name string
	d    *Director
	conn net.Conn

	send chan []byte
	done chan struct{}

	// channels is guarded by d.mu.
	channels []protocol.Channel

	closed    atomic.Bool
	closeOnce sync.Once
}

func newParticipant(d *Director, id uint64, name string, conn net.Conn) *Participant {
	return &Participant{
		id:   id,
		name: name,
		d:    d,
		conn: conn,
		send: make(chan []byte, d.cfg.Session.SendQueue),
		done: make(chan struct{}),
	}
}

func (p *Participant) ID() uint64 { return p.id }

// Done is closed once the participant has been torn down.
func (p *Participant) Done() <-chan struct{} { return p.done }

// Close tears the participant down as if its connection dropped.
func (p *Participant) Close() {
	p.teardown(nil)
}

func (p *Participant) isClosed() bool {
	return p.closed.Load()
}

// enqueue never blocks. Called with d.mu held.
func (p *Participant) enqueue(raw []byte) {
	if p.isClosed() {
		return
	}
	select {
	case p.send <- raw:
	default:
		go p.teardown(errSendQueueFull)
	}
}

func (p *Participant) readLoop() {
	var cause error
	defer func() { p.teardown(cause) }()

	reader := bufio.NewReader(p.conn)
	readTimeout := p.d.cfg.Session.ReadTimeout
	for {
		if readTimeout > 0 {
			_ = p.conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		body, err := frame.ReadFrame(reader, p.d.cfg.Limits)
		if err != nil {
			cause = err
			return
		}
		p.d.handle(p, body)
	}
}

func (p *Participant) writeLoop() {
	writeTimeout := p.d.cfg.Session.WriteTimeout
	for {
		select {
		case <-p.done:
			return
		case raw := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := frame.WriteFrame(p.conn, raw, p.d.cfg.Limits); err != nil {
				p.teardown(err)
				return
			}
		}
	}
}

// teardown runs at most once: close the connection, release channels and
// replay post-removes.
func (p *Participant) teardown(cause error) {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.done)
		_ = p.conn.Close()

		reason := teardownReason(cause)
		observability.RecordDirectorTeardown(reason)
		if reason != "closed" {
			log.Warn().Msgf("director.teardown participant=%d name=%q reason=%s err=%v", p.id, p.name, reason, cause)
		} else {
			log.Debug().Msgf("director.teardown participant=%d name=%q err=%v", p.id, p.name, cause)
		}
		p.d.detach(p)
	})
}

// teardownReason classifies why a participant went away. A peer hanging up
// and our own close during shutdown are both ordinary.
func teardownReason(cause error) string {
	switch {
	case cause == nil, errors.Is(cause, io.EOF), errors.Is(cause, net.ErrClosed):
		return "closed"
	case errors.Is(cause, errSendQueueFull):
		return "slow_consumer"
	default:
		return "io_error"
	}
}

package busclient

import (
	"sync"

	"github.com/danmuck/shardmesh/internal/protocol"
)

// Bus is the non-owning handle components use to talk to the director.
type Bus interface {
	Send(env protocol.Envelope) error
	Subscribe(ch protocol.Channel) error
	Unsubscribe(ch protocol.Channel) error
}

// Participant is a Bus that can also schedule messages for the director to
// route when this connection goes away.
type Participant interface {
	Bus
	AddPostRemove(ch protocol.Channel, env protocol.Envelope) error
	ClearPostRemove(ch protocol.Channel) error
}

var (
	_ Participant = (*Client)(nil)
	_ Participant = (*Recorder)(nil)
)

// Recorder is an in-memory Bus that keeps every sent envelope and the
// current subscription set. Components use it in tests to assert exactly
// what they emitted and in which order.
type Recorder struct {
	mu         sync.Mutex
	sent       []protocol.Envelope
	subscribed map[protocol.Channel]bool
	postRemove map[protocol.Channel][]protocol.Envelope
}

func NewRecorder() *Recorder {
	return &Recorder{
		subscribed: make(map[protocol.Channel]bool),
		postRemove: make(map[protocol.Channel][]protocol.Envelope),
	}
}

func (r *Recorder) Send(env protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	env.Recipients = append([]protocol.Channel(nil), env.Recipients...)
	env.Payload = append([]byte(nil), env.Payload...)
	r.sent = append(r.sent, env)
	return nil
}

func (r *Recorder) Subscribe(ch protocol.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribed[ch] = true
	return nil
}

func (r *Recorder) Unsubscribe(ch protocol.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscribed, ch)
	return nil
}

func (r *Recorder) Subscribed(ch protocol.Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribed[ch]
}

func (r *Recorder) AddPostRemove(ch protocol.Channel, env protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	env.Recipients = append([]protocol.Channel(nil), env.Recipients...)
	env.Payload = append([]byte(nil), env.Payload...)
	r.postRemove[ch] = append(r.postRemove[ch], env)
	return nil
}

func (r *Recorder) ClearPostRemove(ch protocol.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.postRemove, ch)
	return nil
}

// PostRemoves returns what the director would route if ch disconnected now.
func (r *Recorder) PostRemoves(ch protocol.Channel) []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Envelope(nil), r.postRemove[ch]...)
}

// Take returns and clears everything sent so far.
func (r *Recorder) Take() []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sent
	r.sent = nil
	return out
}

// To returns, in send order, the envelopes addressed to ch.
func To(envs []protocol.Envelope, ch protocol.Channel) []protocol.Envelope {
	var out []protocol.Envelope
	for _, e := range envs {
		for _, r := range e.Recipients {
			if r == ch {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

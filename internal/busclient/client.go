// Package busclient is the participant side of a director connection.
package busclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/shardmesh/internal/protocol"
	"github.com/danmuck/shardmesh/internal/protocol/frame"
	"github.com/danmuck/shardmesh/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var (
	ErrAddressRequired = errors.New("busclient: director address required")
	ErrClosed          = errors.New("busclient: connection closed")
)

type Config struct {
	Address            string
	Name               string
	Session            session.Config
	Limits             frame.Limits
	MaxConnectAttempts int
}

func DefaultConfig() Config {
	return Config{
		Session: session.DefaultConfig(),
		Limits:  frame.DefaultLimits(),
	}
}

// Handler consumes routed envelopes. It runs on the client's read goroutine.
type Handler interface {
	HandleEnvelope(env protocol.Envelope)
}

type HandlerFunc func(env protocol.Envelope)

func (f HandlerFunc) HandleEnvelope(env protocol.Envelope) { f(env) }

// Client is one bus participant connection. Writes are serialized; reads
// belong to whoever calls Run or Receive.
type Client struct {
	cfg    Config
	conn   net.Conn
	reader *bufio.Reader

	mu     sync.Mutex
	closed atomic.Bool
}

// Dial connects to the director, retrying with backoff until ctx ends or
// MaxConnectAttempts is exhausted.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	cfg = withDefaults(cfg)
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var attempt int
	for {
		attempt++
		conn, err := dial(ctx, cfg)
		if err == nil {
			log.Info().Msgf("busclient.Dial connected name=%q addr=%q attempt=%d", cfg.Name, cfg.Address, attempt)
			return NewClient(conn, cfg), nil
		}
		log.Warn().Msgf("busclient.Dial attempt=%d addr=%q err=%v", attempt, cfg.Address, err)
		if cfg.MaxConnectAttempts > 0 && attempt >= cfg.MaxConnectAttempts {
			return nil, err
		}
		timer := time.NewTimer(cfg.Session.Backoff.Delay(attempt, rng))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func dial(ctx context.Context, cfg Config) (net.Conn, error) {
	dialer := net.Dialer{Timeout: cfg.Session.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, err
	}
	if !cfg.Session.TLS.Enabled {
		return rawConn, nil
	}
	tlsCfg, err := cfg.Session.ClientTLSConfig(cfg.Address)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.Session.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func withDefaults(cfg Config) Config {
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Limits.MaxFrameBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	return cfg
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, cfg Config) *Client {
	return &Client{
		cfg:    withDefaults(cfg),
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

func (c *Client) Subscribe(ch protocol.Channel) error {
	return c.control(protocol.MsgSetChannel, protocol.SetChannelPayload(ch))
}

func (c *Client) Unsubscribe(ch protocol.Channel) error {
	return c.control(protocol.MsgRemoveChannel, protocol.SetChannelPayload(ch))
}

// AddPostRemove asks the director to route env when ch's participant (this
// connection) disconnects.
func (c *Client) AddPostRemove(ch protocol.Channel, env protocol.Envelope) error {
	payload, err := protocol.PostRemovePayload(ch, env)
	if err != nil {
		return err
	}
	return c.control(protocol.MsgAddPostRemove, payload)
}

func (c *Client) ClearPostRemove(ch protocol.Channel) error {
	return c.control(protocol.MsgClearPostRemove, protocol.SetChannelPayload(ch))
}

func (c *Client) control(t protocol.MsgType, payload []byte) error {
	return c.write(protocol.NewControlEnvelope(t, payload))
}

// Send routes env, splitting recipient lists longer than one envelope holds.
func (c *Client) Send(env protocol.Envelope) error {
	for _, part := range env.Split() {
		if err := c.write(part); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) write(env protocol.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.Session.WriteTimeout))
	return frame.WriteFrame(c.conn, raw, c.cfg.Limits)
}

// Receive blocks for the next routed envelope, honoring ctx's deadline.
func (c *Client) Receive(ctx context.Context) (protocol.Envelope, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	body, err := frame.ReadFrame(c.reader, c.cfg.Limits)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.DecodeEnvelope(body)
}

// Run dispatches envelopes to h until ctx ends or the connection drops.
func (c *Client) Run(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	for {
		env, err := c.Receive(context.Background())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, protocol.ErrTruncated) || errors.Is(err, protocol.ErrNoRecipients) {
				log.Warn().Msgf("busclient.Run malformed envelope name=%q err=%v", c.cfg.Name, err)
				continue
			}
			return err
		}
		h.HandleEnvelope(env)
	}
}

func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

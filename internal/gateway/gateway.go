package gateway

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/shardmesh/internal/busclient"
	"github.com/danmuck/shardmesh/internal/database"
	"github.com/danmuck/shardmesh/internal/dclass"
	"github.com/danmuck/shardmesh/internal/observability"
	"github.com/danmuck/shardmesh/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrMalformed     = errors.New("gateway: malformed client message")
	ErrSchema        = errors.New("gateway: schema lacks a required class or field")
	ErrNotVisible    = errors.New("gateway: object not visible to client")
	ErrGatewayClosed = errors.New("gateway: shutting down")
	ErrInvalidConfig = errors.New("gateway: invalid config")
)

// Schema names the gateway depends on.
const (
	accountClassName = "Account"
	avatarSetField   = "ACCOUNT_AV_SET"
	createdField     = "CREATED"
	lastLoginField   = "LAST_LOGIN"
	avatarNameField  = "setName"
	avatarDNAField   = "setDNAString"
)

type Config struct {
	// Channel is this gateway's own bus address; persistence responses
	// come back on it. Every gateway on a bus needs a distinct one.
	Channel          protocol.Channel
	// Version must match the client's login version string exactly.
	Version          string
	AvatarClass      string
	QuietZone        uint32
	ChannelMin       protocol.Channel
	ChannelMax       protocol.Channel
	SendQueue        int
	HeartbeatTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64
	TokenSecret      string
	TokenIssuer      string
}

func DefaultConfig() Config {
	return Config{
		Channel:          protocol.GatewayChannel,
		Version:          "shardmesh-dev",
		AvatarClass:      "DistributedToon",
		QuietZone:        1,
		ChannelMin:       protocol.ConnChannelMin,
		ChannelMax:       protocol.ConnChannelMax,
		SendQueue:        256,
		HeartbeatTimeout: 30 * time.Second,
		WriteTimeout:     5 * time.Second,
		MaxMessageSize:   64 << 10,
	}
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.AvatarClass) == "" {
		cfg.AvatarClass = def.AvatarClass
	}
	if cfg.Channel == 0 {
		cfg.Channel = def.Channel
	}
	if cfg.ChannelMin == 0 && cfg.ChannelMax == 0 {
		cfg.ChannelMin, cfg.ChannelMax = def.ChannelMin, def.ChannelMax
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = def.SendQueue
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	return cfg
}

func (c Config) validate() error {
	if !c.Channel.IsGateway() {
		return fmt.Errorf("%w: channel %d outside %d-%d", ErrInvalidConfig, c.Channel, protocol.GatewayChannelMin, protocol.GatewayChannelMax)
	}
	if c.ChannelMin > c.ChannelMax || !c.ChannelMin.IsConnection() || !c.ChannelMax.IsConnection() {
		return fmt.Errorf("%w: connection range %d-%d outside %d-%d", ErrInvalidConfig, c.ChannelMin, c.ChannelMax, protocol.ConnChannelMin, protocol.ConnChannelMax)
	}
	return nil
}

// Gateway owns every client session of one process. A single lock
// serializes client input, bus input and persistence callbacks, so session
// state never needs its own locking.
type Gateway struct {
	cfg      Config
	reg      *dclass.Registry
	bus      busclient.Participant
	db       *database.Client
	accounts AccountIndex
	tokens   *TokenVerifier
	now      func() time.Time

	accountClass *dclass.Class
	avatarClass  *dclass.Class
	avatarSet    *dclass.Field
	created      *dclass.Field
	lastLogin    *dclass.Field
	avatarName   *dclass.Field
	avatarDNA    *dclass.Field

	mu        sync.Mutex
	closed    bool
	alloc     *ChannelAllocator
	sessions  map[protocol.Channel]*Session
	byAccount map[protocol.Channel]*Session
}

// New builds a gateway speaking on bus. Persistence responses come back on
// cfg.Channel, which the caller must subscribe.
func New(reg *dclass.Registry, bus busclient.Participant, accounts AccountIndex, cfg Config) (*Gateway, error) {
	cfg = withDefaults(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	g := &Gateway{
		cfg:       cfg,
		reg:       reg,
		bus:       bus,
		db:        database.NewClient(bus, cfg.Channel, reg),
		accounts:  accounts,
		tokens:    NewTokenVerifier(cfg.TokenSecret, cfg.TokenIssuer),
		now:       time.Now,
		alloc:     NewChannelAllocator(cfg.ChannelMin, cfg.ChannelMax),
		sessions:  make(map[protocol.Channel]*Session),
		byAccount: make(map[protocol.Channel]*Session),
	}
	var ok bool
	if g.accountClass, ok = reg.ClassByName(accountClassName); !ok {
		return nil, fmt.Errorf("%w: class %s", ErrSchema, accountClassName)
	}
	if g.avatarClass, ok = reg.ClassByName(cfg.AvatarClass); !ok {
		return nil, fmt.Errorf("%w: class %s", ErrSchema, cfg.AvatarClass)
	}
	for _, want := range []struct {
		cls  *dclass.Class
		name string
		dst  **dclass.Field
	}{
		{g.accountClass, avatarSetField, &g.avatarSet},
		{g.accountClass, createdField, &g.created},
		{g.accountClass, lastLoginField, &g.lastLogin},
		{g.avatarClass, avatarNameField, &g.avatarName},
		{g.avatarClass, avatarDNAField, &g.avatarDNA},
	} {
		f, ok := want.cls.FieldByName(want.name)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrSchema, want.cls.Name, want.name)
		}
		*want.dst = f
	}
	return g, nil
}

// Connect registers a new client connection and subscribes its channel.
// Channel is the gateway's own bus address.
func (g *Gateway) Channel() protocol.Channel {
	return g.cfg.Channel
}

func (g *Gateway) Connect(conn Transport, remote string) (*Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrGatewayClosed
	}
	ch, err := g.alloc.Allocate()
	if err != nil {
		return nil, err
	}
	if err := g.bus.Subscribe(ch); err != nil {
		g.alloc.Release(ch)
		return nil, err
	}
	s := newSession(g, ch, conn, remote)
	g.sessions[ch] = s
	observability.AddGatewaySessions(1)
	log.Info().Msgf("gateway.Connect session=%s channel=%d remote=%q", s.ID, ch, remote)
	return s, nil
}

// Disconnect closes s as if the client went away. Safe to call repeatedly.
func (g *Gateway) Disconnect(s *Session, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s.close(reason)
}

// Eject sends GoGetLost and closes s.
func (g *Gateway) Eject(s *Session, code uint16, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s.goGetLost(code, reason)
}

// Shutdown ejects every session; avatars are deleted on the way out.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for _, s := range g.sessionList() {
		s.goGetLost(DisconnectShuttingDown, "gateway shutting down")
	}
}

func (g *Gateway) sessionList() []*Session {
	out := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

func (g *Gateway) Sessions() []SessionInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]SessionInfo, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, s.info())
	}
	sortSessionInfo(out)
	return out
}

func (g *Gateway) Session(ch protocol.Channel) (SessionInfo, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[ch]
	if !ok {
		return SessionInfo{}, false
	}
	return s.info(), true
}

// HandleClient processes one client datagram.
func (g *Gateway) HandleClient(s *Session, data []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	m, it, err := splitClientDatagram(data)
	if err != nil {
		g.reject(s, m, DisconnectTruncated, "truncated message")
		return
	}
	if !m.known() {
		g.reject(s, m, DisconnectInvalidMsgType, fmt.Sprintf("unknown message type %d", uint16(m)))
		return
	}
	if !s.state.Accepts(m) {
		if s.state == StateConnected {
			g.reject(s, m, DisconnectNotAuthenticated, fmt.Sprintf("%s before login", m))
			return
		}
		observability.RecordGatewayMessage(m.String(), "ignored")
		log.Debug().Msgf("gateway.HandleClient ignored session=%s state=%s msg=%s", s.ID, s.state, m)
		return
	}

	switch m {
	case ClientHeartbeat:
		err = it.Done()
	case ClientDisconnect:
		s.close("client disconnect")
	case ClientLogin:
		err = g.handleLogin(s, it)
	case ClientGetShardList:
		err = g.handleGetShardList(s, it)
	case ClientSetShard:
		err = g.handleSetShard(s, it)
	case ClientGetAvatars:
		err = g.handleGetAvatars(s, it)
	case ClientCreateAvatar:
		err = g.handleCreateAvatar(s, it)
	case ClientSetAvatar:
		err = g.handleSetAvatar(s, it)
	case ClientSetZone:
		err = g.handleSetZone(s, it)
	case ClientObjectUpdateField:
		err = g.handleUpdateField(s, it)
	}
	if err != nil {
		if !s.state.Authenticated() {
			g.reject(s, m, DisconnectTruncated, err.Error())
			return
		}
		observability.RecordGatewayMessage(m.String(), "dropped")
		log.Warn().Msgf("gateway.HandleClient dropped session=%s msg=%s err=%v", s.ID, m, err)
		return
	}
	observability.RecordGatewayMessage(m.String(), "ok")
}

// reject handles a protocol violation. Before authentication the client is
// dropped; afterwards the message is.
func (g *Gateway) reject(s *Session, m ClientMsg, code uint16, reason string) {
	if s.state.Authenticated() {
		observability.RecordGatewayMessage(m.String(), "dropped")
		log.Warn().Msgf("gateway.HandleClient dropped session=%s msg=%s reason=%q", s.ID, m, reason)
		return
	}
	observability.RecordGatewayMessage(m.String(), "ejected")
	s.goGetLost(code, reason)
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}

func (g *Gateway) sendBus(to, from protocol.Channel, t protocol.MsgType, dg *protocol.Datagram) error {
	if err := dg.Err(); err != nil {
		return err
	}
	return g.bus.Send(protocol.NewEnvelope(to, from, t, dg.Bytes()))
}

func (g *Gateway) timestamp(f *dclass.Field) []byte {
	v, err := f.Pack(g.now().UTC().Format(time.RFC3339))
	if err != nil {
		log.Error().Msgf("gateway.timestamp field=%s err=%v", f.Name, err)
	}
	return v
}

// Login: [token][version][hash:u32].
func (g *Gateway) handleLogin(s *Session, it *protocol.Iterator) error {
	token, err := it.String()
	if err != nil {
		return malformed(err)
	}
	version, err := it.String()
	if err != nil {
		return malformed(err)
	}
	hash, err := it.Uint32()
	if err != nil {
		return malformed(err)
	}
	if err := it.Done(); err != nil {
		return malformed(err)
	}

	if version != g.cfg.Version {
		s.goGetLost(DisconnectBadVersion, fmt.Sprintf("client version %q does not match server %q", version, g.cfg.Version))
		return nil
	}
	if hash != g.reg.Hash() {
		s.goGetLost(DisconnectBadHash, fmt.Sprintf("schema hash %08x does not match server %08x", hash, g.reg.Hash()))
		return nil
	}
	key, err := g.tokens.AccountKey(token)
	if err != nil {
		log.Warn().Msgf("gateway.Login session=%s err=%v", s.ID, err)
		s.goGetLost(DisconnectBadToken, "invalid play token")
		return nil
	}
	if err := s.transition(StateLoggingIn); err != nil {
		return err
	}
	s.accountKey = key

	id, found, err := g.accounts.Lookup(key)
	if err != nil {
		log.Error().Msgf("gateway.Login account index err=%v", err)
		s.goGetLost(DisconnectLoginFailed, "account lookup failed")
		return nil
	}
	if found {
		err = g.loadAccount(s, id)
	} else {
		err = g.createAccount(s)
	}
	if err != nil {
		log.Error().Msgf("gateway.Login session=%s request err=%v", s.ID, err)
		s.goGetLost(DisconnectLoginFailed, "persistence unavailable")
	}
	return nil
}

func (g *Gateway) loadAccount(s *Session, id protocol.Channel) error {
	return g.db.QueryObject(id, func(rec database.Record, err error) {
		if s.state != StateLoggingIn {
			return
		}
		if err == nil && rec.Class != g.accountClass.Number {
			err = fmt.Errorf("object %d is class %d, not an account", id, rec.Class)
		}
		var avatars []protocol.Channel
		if err == nil {
			avatars, err = g.decodeAvatarSet(rec.Fields[g.avatarSet.Number])
		}
		if err != nil {
			log.Warn().Msgf("gateway.Login load account=%d err=%v", id, err)
			s.goGetLost(DisconnectLoginFailed, "account unavailable")
			return
		}
		if err := g.db.UpdateObject(id, database.Fields{g.lastLogin.Number: g.timestamp(g.lastLogin)}); err != nil {
			log.Warn().Msgf("gateway.Login stamp account=%d err=%v", id, err)
		}
		g.completeLogin(s, id, avatars)
	})
}

func (g *Gateway) createAccount(s *Session) error {
	key := s.accountKey
	fields := database.Fields{g.created.Number: g.timestamp(g.created)}
	return g.db.CreateObject(g.accountClass, fields, func(id protocol.Channel, err error) {
		if err == nil {
			err = g.accounts.Put(key, id)
		}
		if s.state != StateLoggingIn {
			return
		}
		if err != nil {
			log.Warn().Msgf("gateway.Login create account err=%v", err)
			s.goGetLost(DisconnectLoginFailed, "account creation failed")
			return
		}
		log.Info().Msgf("gateway.Login created account=%d session=%s", id, s.ID)
		avatars, _ := g.decodeAvatarSet(nil)
		g.completeLogin(s, id, avatars)
	})
}

// completeLogin takes over the account from any older session.
func (g *Gateway) completeLogin(s *Session, id protocol.Channel, avatars []protocol.Channel) {
	if prev := g.byAccount[id]; prev != nil && prev != s {
		prev.goGetLost(DisconnectDuplicateLogin, "logged in from another location")
	}
	g.byAccount[id] = s
	s.account = id
	g.claimAccount(s)
	s.avatars = avatars
	if err := s.transition(StateAuthenticated); err != nil {
		return
	}
	dg := newClientDatagram(ClientLoginResp)
	dg.AddUint8(ResultOK)
	dg.AddString("")
	dg.AddChannel(id)
	s.enqueue(dg)
	log.Info().Msgf("gateway.Login session=%s account=%d channel=%d", s.ID, id, s.Channel)
}

// claimAccount takes the account's role channel so a later login on
// another gateway can reach this session.
func (g *Gateway) claimAccount(s *Session) {
	ch := accountChannel(s.account)
	if err := g.bus.Send(protocol.NewEnvelope(ch, s.Channel, protocol.MsgEjectAccount, nil)); err != nil {
		log.Warn().Msgf("gateway.claimAccount eject account=%d err=%v", s.account, err)
	}
	if err := g.bus.Subscribe(ch); err != nil {
		log.Warn().Msgf("gateway.claimAccount subscribe account=%d err=%v", s.account, err)
	}
}

// ejectAccount drops sessions whose account was claimed elsewhere. The
// channel is released before the reply goes out, so the claimant's
// subscribe reaches the director after our unsubscribe.
func (g *Gateway) ejectAccount(env protocol.Envelope) {
	for _, r := range env.Recipients {
		role, id := protocol.SplitRoleChannel(r)
		if role != protocol.RoleAccount {
			continue
		}
		s := g.byAccount[protocol.Channel(id)]
		if s == nil || s.Channel == env.Sender {
			continue
		}
		delete(g.byAccount, s.account)
		if err := g.bus.Unsubscribe(r); err != nil {
			log.Error().Msgf("gateway.ejectAccount unsubscribe account=%d err=%v", s.account, err)
		}
		if err := g.bus.Send(protocol.NewEnvelope(env.Sender, s.Channel, protocol.MsgAccountReleased, nil)); err != nil {
			log.Warn().Msgf("gateway.ejectAccount release account=%d to=%d err=%v", s.account, env.Sender, err)
		}
		s.goGetLost(DisconnectDuplicateLogin, "logged in from another location")
	}
}

// accountReleased retries the account subscription once the previous
// holder has let go of it.
func (g *Gateway) accountReleased(env protocol.Envelope) {
	for _, r := range env.Recipients {
		s := g.sessions[r]
		if s == nil || s.account == 0 || g.byAccount[s.account] != s {
			continue
		}
		if err := g.bus.Subscribe(accountChannel(s.account)); err != nil {
			log.Warn().Msgf("gateway.accountReleased subscribe account=%d err=%v", s.account, err)
		}
	}
}

func accountChannel(account protocol.Channel) protocol.Channel {
	return protocol.RoleChannel(protocol.RoleAccount, uint32(account))
}

// decodeAvatarSet reads a packed uint64[] slot list; nil means the schema
// default.
func (g *Gateway) decodeAvatarSet(raw []byte) ([]protocol.Channel, error) {
	if raw == nil {
		raw = g.avatarSet.Default
	}
	it := protocol.NewIterator(raw)
	n, err := it.Uint16()
	if err != nil {
		return nil, fmt.Errorf("avatar set: %w", err)
	}
	out := make([]protocol.Channel, 0, n)
	for range n {
		id, err := it.Channel()
		if err != nil {
			return nil, fmt.Errorf("avatar set: %w", err)
		}
		out = append(out, id)
	}
	if err := it.Done(); err != nil {
		return nil, fmt.Errorf("avatar set: %w", err)
	}
	return out, nil
}

func (g *Gateway) encodeAvatarSet(ids []protocol.Channel) []byte {
	raw := make([]uint64, len(ids))
	for i, id := range ids {
		raw[i] = uint64(id)
	}
	v, err := g.avatarSet.Pack(raw)
	if err != nil {
		log.Error().Msgf("gateway.encodeAvatarSet err=%v", err)
	}
	return v
}

func (g *Gateway) handleGetShardList(s *Session, it *protocol.Iterator) error {
	if err := it.Done(); err != nil {
		return malformed(err)
	}
	return g.sendBus(protocol.StateServerChannel, s.Channel, protocol.MsgGetShardAll, protocol.NewDatagram())
}

// SetShard: [shard:u64]. Answers [code:u8][shard].
func (g *Gateway) handleSetShard(s *Session, it *protocol.Iterator) error {
	shard, err := it.Channel()
	if err != nil {
		return malformed(err)
	}
	if err := it.Done(); err != nil {
		return malformed(err)
	}
	code := ResultOK
	if shard.IsShard() {
		s.shard = shard
	} else {
		code = ResultInvalid
	}
	dg := newClientDatagram(ClientSetShardResp)
	dg.AddUint8(code)
	dg.AddChannel(shard)
	s.enqueue(dg)
	return nil
}

package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/danmuck/shardmesh/internal/busclient"
	"github.com/danmuck/shardmesh/internal/database"
	"github.com/danmuck/shardmesh/internal/director"
	"github.com/danmuck/shardmesh/internal/gateway"
	"github.com/danmuck/shardmesh/internal/protocol"
	"github.com/danmuck/shardmesh/internal/protocol/session"
	"github.com/danmuck/shardmesh/internal/shard"
	"github.com/danmuck/shardmesh/internal/stateserver"
)

// Session converts the shared bus section.
func (b BusConfig) Session() session.Config {
	cfg := session.DefaultConfig()
	if mode := strings.TrimSpace(b.SecurityMode); mode != "" {
		cfg.SecurityMode = session.SecurityMode(mode)
	}
	cfg.TLS = session.TLSConfig{
		Enabled:    b.TLS,
		Mutual:     b.Mutual,
		CertFile:   strings.TrimSpace(b.CertFile),
		KeyFile:    strings.TrimSpace(b.KeyFile),
		CAFile:     strings.TrimSpace(b.CAFile),
		ServerName: strings.TrimSpace(b.ServerName),
	}
	return cfg
}

// busClient points a participant named name at the mesh director. A
// listen address without a host dials loopback.
func (m MeshConfig) busClient(name string) busclient.Config {
	cfg := busclient.DefaultConfig()
	cfg.Name = name
	cfg.Session = m.Bus.Session()
	cfg.Address = dialAddr(m.Director.Listen)
	return cfg
}

func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(listen))
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func (m MeshConfig) DirectorService() director.ServiceConfig {
	cfg := director.DefaultServiceConfig()
	cfg.ListenAddr = strings.TrimSpace(m.Director.Listen)
	cfg.AdminListenAddr = strings.TrimSpace(m.Director.Admin)
	cfg.CORSOrigins = m.CORSOrigins
	cfg.Session = m.Bus.Session()
	if m.Director.EnforceSender != nil {
		cfg.EnforceSender = *m.Director.EnforceSender
	}
	return cfg
}

func (m MeshConfig) StateServerService() stateserver.ServiceConfig {
	cfg := stateserver.DefaultServiceConfig()
	cfg.Bus = m.busClient("stateserver")
	cfg.SchemaPath = m.Schema
	cfg.AdminListenAddr = strings.TrimSpace(m.StateServer.Admin)
	cfg.CORSOrigins = m.CORSOrigins
	if m.StateServer.InboxSize > 0 {
		cfg.InboxSize = m.StateServer.InboxSize
	}
	return cfg
}

func (m MeshConfig) DatabaseService() (database.ServiceConfig, error) {
	cfg := database.DefaultServiceConfig()
	cfg.Bus = m.busClient("database")
	cfg.SchemaPath = m.Schema
	cfg.AdminListenAddr = strings.TrimSpace(m.Database.Admin)
	cfg.CORSOrigins = m.CORSOrigins
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(m.Database.Backend))
	cfg.Store.Path = strings.TrimSpace(m.Database.Path)
	cfg.Store.RedisAddr = strings.TrimSpace(m.Database.RedisAddr)
	cfg.Store.RedisPrefix = strings.TrimSpace(m.Database.RedisPrefix)
	cfg.Store.PostgresURL = strings.TrimSpace(m.Database.PostgresURL)
	d, err := parseDuration(m.Database.StoreTimeout)
	if err != nil {
		return database.ServiceConfig{}, err
	}
	if d > 0 {
		cfg.StoreTimeout = d
	}
	return cfg, nil
}

// GatewayServices converts every gateway of the mesh. Gateways that name
// the same accounts file get one SharedAccounts between them.
func (m MeshConfig) GatewayServices() ([]gateway.ServiceConfig, error) {
	shared := make(map[string]*gateway.SharedAccounts)
	out := make([]gateway.ServiceConfig, 0, len(m.Gateways))
	for _, gw := range m.Gateways {
		cfg := gateway.DefaultServiceConfig()
		cfg.Bus = m.busClient(gw.Name)
		cfg.SchemaPath = m.Schema
		cfg.ListenAddr = strings.TrimSpace(gw.Listen)
		cfg.AdminListenAddr = strings.TrimSpace(gw.Admin)
		cfg.CORSOrigins = m.CORSOrigins
		if accounts := strings.TrimSpace(gw.Accounts); accounts != "" {
			cfg.AccountsPath = accounts
		}
		if shared[cfg.AccountsPath] == nil {
			shared[cfg.AccountsPath] = gateway.NewSharedAccounts(cfg.AccountsPath)
		}
		cfg.Accounts = shared[cfg.AccountsPath]
		cfg.Gateway.Channel = protocol.Channel(gw.Channel)
		cfg.Gateway.ChannelMin = protocol.Channel(gw.ConnMin)
		cfg.Gateway.ChannelMax = protocol.Channel(gw.ConnMax)
		if version := strings.TrimSpace(gw.Version); version != "" {
			cfg.Gateway.Version = version
		}
		cfg.Gateway.TokenSecret = gw.TokenSecret
		cfg.Gateway.TokenIssuer = strings.TrimSpace(gw.TokenIssuer)
		d, err := parseDuration(gw.Heartbeat)
		if err != nil {
			return nil, fmt.Errorf("gateway %q heartbeat: %w", gw.Name, err)
		}
		if d > 0 {
			cfg.Gateway.HeartbeatTimeout = d
		}
		out = append(out, cfg)
	}
	return out, nil
}

func (m MeshConfig) ShardServices() []shard.ServiceConfig {
	out := make([]shard.ServiceConfig, 0, len(m.Shards))
	for _, sh := range m.Shards {
		cfg := shard.DefaultServiceConfig()
		cfg.Bus = m.busClient(sh.Name)
		cfg.SchemaPath = m.Schema
		cfg.Name = sh.Name
		cfg.District = strings.TrimSpace(sh.District)
		cfg.Population = sh.Population
		cfg.Shard.Channel = protocol.Channel(sh.Channel)
		cfg.Shard.IDMin = protocol.Channel(sh.IDMin)
		cfg.Shard.IDMax = protocol.Channel(sh.IDMax)
		cfg.AdminListenAddr = strings.TrimSpace(sh.Admin)
		cfg.CORSOrigins = m.CORSOrigins
		out = append(out, cfg)
	}
	return out
}

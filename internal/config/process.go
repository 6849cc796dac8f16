package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/shardmesh/internal/busclient"
	"github.com/danmuck/shardmesh/internal/database"
	"github.com/danmuck/shardmesh/internal/director"
	"github.com/danmuck/shardmesh/internal/gateway"
	"github.com/danmuck/shardmesh/internal/protocol"
	"github.com/danmuck/shardmesh/internal/protocol/session"
	"github.com/danmuck/shardmesh/internal/shard"
	"github.com/danmuck/shardmesh/internal/stateserver"
)

// BusFile is the set of bus keys every per-process config file accepts.
// Embed it in a process file struct; keys that are absent leave the
// defaults alone.
type BusFile struct {
	Director           string `toml:"director"`
	SecurityMode       string `toml:"security_mode"`
	TLS                bool   `toml:"tls"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	MaxConnectAttempts int    `toml:"max_connect_attempts"`
}

// DecodeFile decodes path into out and returns the metadata needed for
// IsDefined overlays.
func DecodeFile(kind, path string, out any) (toml.MetaData, error) {
	meta, err := toml.DecodeFile(path, out)
	if err != nil {
		return toml.MetaData{}, fmt.Errorf("load %s config: %w", kind, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return toml.MetaData{}, fmt.Errorf("load %s config: unknown key %s", kind, undecoded[0])
	}
	return meta, nil
}

func (b BusFile) ApplySession(meta toml.MetaData, cfg *session.Config) error {
	if meta.IsDefined("security_mode") {
		cfg.SecurityMode = session.SecurityMode(strings.TrimSpace(b.SecurityMode))
	}
	if meta.IsDefined("tls") {
		cfg.TLS.Enabled = b.TLS
	}
	if meta.IsDefined("mutual") {
		cfg.TLS.Mutual = b.Mutual
	}
	if meta.IsDefined("cert_file") {
		cfg.TLS.CertFile = strings.TrimSpace(b.CertFile)
	}
	if meta.IsDefined("key_file") {
		cfg.TLS.KeyFile = strings.TrimSpace(b.KeyFile)
	}
	if meta.IsDefined("ca_file") {
		cfg.TLS.CAFile = strings.TrimSpace(b.CAFile)
	}
	if meta.IsDefined("server_name") {
		cfg.TLS.ServerName = strings.TrimSpace(b.ServerName)
	}
	if meta.IsDefined("insecure_skip_verify") {
		cfg.TLS.InsecureSkipVerify = b.InsecureSkipVerify
	}
	return ValidateBusConfig(BusConfig{
		SecurityMode: string(cfg.SecurityMode),
		TLS:          cfg.TLS.Enabled,
		Mutual:       cfg.TLS.Mutual,
	})
}

func (b BusFile) ApplyBus(meta toml.MetaData, cfg *busclient.Config) error {
	if meta.IsDefined("director") {
		addr := strings.TrimSpace(b.Director)
		if err := validateAddr(addr); err != nil {
			return fmt.Errorf("director: %w", err)
		}
		cfg.Address = addr
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.MaxConnectAttempts = b.MaxConnectAttempts
	}
	return b.ApplySession(meta, &cfg.Session)
}

// ParseDuration is the exported form used by per-process loaders; an
// empty value is an error there since the key was written on purpose.
func ParseDuration(key, raw string) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, fmt.Errorf("parse %s: empty duration", key)
	}
	d, err := parseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

// commonFile holds the keys shared by every participant file. The admin
// key lives on each section struct.
type commonFile struct {
	Schema      string   `toml:"schema"`
	CORSOrigins []string `toml:"cors_origins"`
}

func (c commonFile) apply(meta toml.MetaData, admin string, schema, adminOut *string, cors *[]string) error {
	if meta.IsDefined("schema") {
		if strings.TrimSpace(c.Schema) == "" {
			return fmt.Errorf("schema is empty")
		}
		*schema = strings.TrimSpace(c.Schema)
	}
	if meta.IsDefined("admin") {
		*adminOut = strings.TrimSpace(admin)
		if *adminOut != "" {
			if err := validateAddr(*adminOut); err != nil {
				return fmt.Errorf("admin: %w", err)
			}
		}
	}
	if meta.IsDefined("cors_origins") {
		*cors = c.CORSOrigins
	}
	return nil
}

type directorFile struct {
	BusFile
	commonFile
	DirectorConfig
}

func LoadDirectorService(path string) (director.ServiceConfig, error) {
	cfg := director.DefaultServiceConfig()
	var raw directorFile
	meta, err := DecodeFile("director", path, &raw)
	if err != nil {
		return director.ServiceConfig{}, err
	}
	var schema string
	if err := raw.commonFile.apply(meta, raw.Admin, &schema, &cfg.AdminListenAddr, &cfg.CORSOrigins); err != nil {
		return director.ServiceConfig{}, err
	}
	if meta.IsDefined("listen") {
		if err := validateAddr(raw.Listen); err != nil {
			return director.ServiceConfig{}, fmt.Errorf("listen: %w", err)
		}
		cfg.ListenAddr = strings.TrimSpace(raw.Listen)
	}
	if raw.EnforceSender != nil {
		cfg.EnforceSender = *raw.EnforceSender
	}
	if err := raw.ApplySession(meta, &cfg.Session); err != nil {
		return director.ServiceConfig{}, err
	}
	return cfg, nil
}

type stateServerFile struct {
	BusFile
	commonFile
	StateServerConfig
}

func LoadStateServerService(path string) (stateserver.ServiceConfig, error) {
	cfg := stateserver.DefaultServiceConfig()
	var raw stateServerFile
	meta, err := DecodeFile("stateserver", path, &raw)
	if err != nil {
		return stateserver.ServiceConfig{}, err
	}
	if err := raw.commonFile.apply(meta, raw.Admin, &cfg.SchemaPath, &cfg.AdminListenAddr, &cfg.CORSOrigins); err != nil {
		return stateserver.ServiceConfig{}, err
	}
	if err := raw.ApplyBus(meta, &cfg.Bus); err != nil {
		return stateserver.ServiceConfig{}, err
	}
	if meta.IsDefined("inbox_size") {
		if raw.InboxSize <= 0 {
			return stateserver.ServiceConfig{}, fmt.Errorf("inbox_size must be positive")
		}
		cfg.InboxSize = raw.InboxSize
	}
	return cfg, nil
}

type databaseFile struct {
	BusFile
	commonFile
	DatabaseConfig
}

func LoadDatabaseService(path string) (database.ServiceConfig, error) {
	cfg := database.DefaultServiceConfig()
	var raw databaseFile
	meta, err := DecodeFile("database", path, &raw)
	if err != nil {
		return database.ServiceConfig{}, err
	}
	if err := raw.commonFile.apply(meta, raw.Admin, &cfg.SchemaPath, &cfg.AdminListenAddr, &cfg.CORSOrigins); err != nil {
		return database.ServiceConfig{}, err
	}
	if err := raw.ApplyBus(meta, &cfg.Bus); err != nil {
		return database.ServiceConfig{}, err
	}
	if meta.IsDefined("backend") {
		cfg.Store.Backend = strings.ToLower(strings.TrimSpace(raw.Backend))
	}
	if meta.IsDefined("path") {
		cfg.Store.Path = strings.TrimSpace(raw.Path)
	}
	if meta.IsDefined("redis_addr") {
		cfg.Store.RedisAddr = strings.TrimSpace(raw.RedisAddr)
	}
	if meta.IsDefined("redis_prefix") {
		cfg.Store.RedisPrefix = strings.TrimSpace(raw.RedisPrefix)
	}
	if meta.IsDefined("postgres_url") {
		cfg.Store.PostgresURL = strings.TrimSpace(raw.PostgresURL)
	}
	if meta.IsDefined("store_timeout") {
		d, err := ParseDuration("store_timeout", raw.StoreTimeout)
		if err != nil {
			return database.ServiceConfig{}, err
		}
		cfg.StoreTimeout = d
	}
	check := DatabaseConfig{
		Backend:     cfg.Store.Backend,
		Path:        cfg.Store.Path,
		RedisAddr:   cfg.Store.RedisAddr,
		PostgresURL: cfg.Store.PostgresURL,
	}
	if err := ValidateDatabaseConfig(check); err != nil {
		return database.ServiceConfig{}, err
	}
	return cfg, nil
}

type gatewayFile struct {
	BusFile
	commonFile
	GatewayConfig
}

func LoadGatewayService(path string) (gateway.ServiceConfig, error) {
	cfg := gateway.DefaultServiceConfig()
	var raw gatewayFile
	meta, err := DecodeFile("gateway", path, &raw)
	if err != nil {
		return gateway.ServiceConfig{}, err
	}
	if err := raw.commonFile.apply(meta, raw.Admin, &cfg.SchemaPath, &cfg.AdminListenAddr, &cfg.CORSOrigins); err != nil {
		return gateway.ServiceConfig{}, err
	}
	if err := raw.ApplyBus(meta, &cfg.Bus); err != nil {
		return gateway.ServiceConfig{}, err
	}
	if meta.IsDefined("name") {
		cfg.Bus.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("channel") {
		cfg.Gateway.Channel = protocol.Channel(raw.Channel)
	}
	if meta.IsDefined("conn_min") {
		cfg.Gateway.ChannelMin = protocol.Channel(raw.ConnMin)
	}
	if meta.IsDefined("conn_max") {
		cfg.Gateway.ChannelMax = protocol.Channel(raw.ConnMax)
	}
	if meta.IsDefined("listen") {
		cfg.ListenAddr = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("accounts") {
		cfg.AccountsPath = strings.TrimSpace(raw.Accounts)
	}
	if meta.IsDefined("version") {
		cfg.Gateway.Version = strings.TrimSpace(raw.Version)
	}
	if meta.IsDefined("heartbeat") {
		d, err := ParseDuration("heartbeat", raw.Heartbeat)
		if err != nil {
			return gateway.ServiceConfig{}, err
		}
		cfg.Gateway.HeartbeatTimeout = d
	}
	if meta.IsDefined("token_secret") {
		cfg.Gateway.TokenSecret = raw.TokenSecret
	}
	if meta.IsDefined("token_issuer") {
		cfg.Gateway.TokenIssuer = strings.TrimSpace(raw.TokenIssuer)
	}
	check := GatewayConfig{
		Channel:     uint64(cfg.Gateway.Channel),
		ConnMin:     uint64(cfg.Gateway.ChannelMin),
		ConnMax:     uint64(cfg.Gateway.ChannelMax),
		Listen:      cfg.ListenAddr,
		TokenSecret: cfg.Gateway.TokenSecret,
		TokenIssuer: cfg.Gateway.TokenIssuer,
	}
	if err := ValidateGatewayConfig(check); err != nil {
		return gateway.ServiceConfig{}, err
	}
	return cfg, nil
}

type shardFile struct {
	BusFile
	commonFile
	ShardConfig
}

func LoadShardService(path string) (shard.ServiceConfig, error) {
	cfg := shard.DefaultServiceConfig()
	var raw shardFile
	meta, err := DecodeFile("shard", path, &raw)
	if err != nil {
		return shard.ServiceConfig{}, err
	}
	if err := raw.commonFile.apply(meta, raw.Admin, &cfg.SchemaPath, &cfg.AdminListenAddr, &cfg.CORSOrigins); err != nil {
		return shard.ServiceConfig{}, err
	}
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
		cfg.Bus.Name = cfg.Name
	}
	if err := raw.ApplyBus(meta, &cfg.Bus); err != nil {
		return shard.ServiceConfig{}, err
	}
	if meta.IsDefined("channel") {
		cfg.Shard.Channel = protocol.Channel(raw.Channel)
	}
	if meta.IsDefined("district") {
		cfg.District = strings.TrimSpace(raw.District)
	}
	if meta.IsDefined("population") {
		cfg.Population = raw.Population
	}
	if meta.IsDefined("id_min") {
		cfg.Shard.IDMin = protocol.Channel(raw.IDMin)
	}
	if meta.IsDefined("id_max") {
		cfg.Shard.IDMax = protocol.Channel(raw.IDMax)
	}
	check := ShardConfig{
		Channel: uint64(cfg.Shard.Channel),
		IDMin:   uint64(cfg.Shard.IDMin),
		IDMax:   uint64(cfg.Shard.IDMax),
	}
	if err := ValidateShardConfig(check); err != nil {
		return shard.ServiceConfig{}, err
	}
	return cfg, nil
}

// Validate loads path as kind and discards the result.
func Validate(kind, path string) error {
	var err error
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "mesh":
		_, err = LoadMeshConfig(path)
	case "director":
		_, err = LoadDirectorService(path)
	case "stateserver":
		_, err = LoadStateServerService(path)
	case "database":
		_, err = LoadDatabaseService(path)
	case "gateway":
		_, err = LoadGatewayService(path)
	case "shard":
		_, err = LoadShardService(path)
	default:
		err = fmt.Errorf("unknown config kind: %s", kind)
	}
	return err
}

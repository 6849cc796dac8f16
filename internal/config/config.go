package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/danmuck/shardmesh/internal/protocol"
	"github.com/pelletier/go-toml/v2"
)

// MeshConfig describes every process of one deployment in a single file.
// meshctl runs them all from it; the per-process binaries take their own
// files instead.
type MeshConfig struct {
	Schema      string            `toml:"schema"`
	CORSOrigins []string          `toml:"cors_origins"`
	Bus         BusConfig         `toml:"bus"`
	Director    DirectorConfig    `toml:"director"`
	StateServer StateServerConfig `toml:"stateserver"`
	Database    DatabaseConfig    `toml:"database"`
	Gateway     GatewayConfig     `toml:"gateway"`
	Gateways    []GatewayConfig   `toml:"gateways"`
	Shards      []ShardConfig     `toml:"shards"`
}

// BusConfig is the transport security shared by the director and every
// participant.
type BusConfig struct {
	SecurityMode string `toml:"security_mode"`
	TLS          bool   `toml:"tls"`
	Mutual       bool   `toml:"mutual"`
	CertFile     string `toml:"cert_file"`
	KeyFile      string `toml:"key_file"`
	CAFile       string `toml:"ca_file"`
	ServerName   string `toml:"server_name"`
}

type DirectorConfig struct {
	Listen        string `toml:"listen"`
	Admin         string `toml:"admin"`
	EnforceSender *bool  `toml:"enforce_sender"`
}

type StateServerConfig struct {
	Admin     string `toml:"admin"`
	InboxSize int    `toml:"inbox_size"`
}

type DatabaseConfig struct {
	Backend      string `toml:"backend"`
	Path         string `toml:"path"`
	RedisAddr    string `toml:"redis_addr"`
	RedisPrefix  string `toml:"redis_prefix"`
	PostgresURL  string `toml:"postgres_url"`
	StoreTimeout string `toml:"store_timeout"`
	Admin        string `toml:"admin"`
}

// GatewayConfig is one gateway. In a mesh file the [gateway] table is the
// only gateway unless [[gateways]] entries are given; then it supplies the
// accounts, version, heartbeat and token keys the entries leave unset.
type GatewayConfig struct {
	Name        string `toml:"name"`
	Channel     uint64 `toml:"channel"`
	ConnMin     uint64 `toml:"conn_min"`
	ConnMax     uint64 `toml:"conn_max"`
	Listen      string `toml:"listen"`
	Admin       string `toml:"admin"`
	Accounts    string `toml:"accounts"`
	Version     string `toml:"version"`
	Heartbeat   string `toml:"heartbeat"`
	TokenSecret string `toml:"token_secret"`
	TokenIssuer string `toml:"token_issuer"`
}

type ShardConfig struct {
	Name       string `toml:"name"`
	Channel    uint64 `toml:"channel"`
	District   string `toml:"district"`
	Population uint32 `toml:"population"`
	IDMin      uint64 `toml:"id_min"`
	IDMax      uint64 `toml:"id_max"`
	Admin      string `toml:"admin"`
}

var databaseBackends = map[string]bool{
	"memory":   true,
	"bolt":     true,
	"sqlite":   true,
	"redis":    true,
	"postgres": true,
}

func LoadMeshConfig(path string) (MeshConfig, error) {
	var cfg MeshConfig
	if err := loadToml(path, &cfg); err != nil {
		return MeshConfig{}, err
	}
	cfg = applyMeshDefaults(cfg)
	if err := ValidateMeshConfig(cfg); err != nil {
		return MeshConfig{}, err
	}
	return cfg, nil
}

func applyMeshDefaults(cfg MeshConfig) MeshConfig {
	if strings.TrimSpace(cfg.Schema) == "" {
		cfg.Schema = "configs/toon.toml"
	}
	if strings.TrimSpace(cfg.Director.Listen) == "" {
		cfg.Director.Listen = "127.0.0.1:7100"
	}
	if strings.TrimSpace(cfg.Database.Backend) == "" {
		cfg.Database.Backend = "bolt"
	}
	if cfg.Database.Backend == "bolt" || cfg.Database.Backend == "sqlite" {
		if strings.TrimSpace(cfg.Database.Path) == "" {
			cfg.Database.Path = "data/shardmesh.db"
		}
	}
	cfg.Gateways = gatewayDefaults(cfg.Gateway, cfg.Gateways)
	for i := range cfg.Shards {
		sh := &cfg.Shards[i]
		if sh.Channel == 0 {
			sh.Channel = uint64(protocol.ShardChannelMin) + uint64(i) + 1
		}
		if strings.TrimSpace(sh.Name) == "" {
			sh.Name = fmt.Sprintf("shard-%d", i+1)
		}
		// Unset ranges split the AI id space into 100k blocks per shard.
		if sh.IDMin == 0 && sh.IDMax == 0 {
			sh.IDMin = uint64(protocol.AIObjectIDMin) + uint64(i)*100000
			sh.IDMax = sh.IDMin + 99999
		}
	}
	return cfg
}

func gatewayDefaults(shared GatewayConfig, list []GatewayConfig) []GatewayConfig {
	if len(list) == 0 {
		if strings.TrimSpace(shared.Name) == "" {
			shared.Name = "gateway"
		}
		if strings.TrimSpace(shared.Listen) == "" {
			shared.Listen = "127.0.0.1:7200"
		}
		list = []GatewayConfig{shared}
	}
	out := make([]GatewayConfig, len(list))
	// Unset connection ranges split the connection space evenly.
	block := (uint64(protocol.ConnChannelMax) - uint64(protocol.ConnChannelMin) + 1) / uint64(len(list))
	for i, gw := range list {
		if strings.TrimSpace(gw.Name) == "" {
			gw.Name = fmt.Sprintf("gateway-%d", i+1)
		}
		if gw.Channel == 0 {
			gw.Channel = uint64(protocol.GatewayChannelMin) + uint64(i)
		}
		if gw.ConnMin == 0 && gw.ConnMax == 0 {
			gw.ConnMin = uint64(protocol.ConnChannelMin) + uint64(i)*block
			gw.ConnMax = gw.ConnMin + block - 1
		}
		if strings.TrimSpace(gw.Listen) == "" {
			gw.Listen = fmt.Sprintf("127.0.0.1:%d", 7200+10*i)
		}
		if strings.TrimSpace(gw.Accounts) == "" {
			gw.Accounts = shared.Accounts
		}
		if strings.TrimSpace(gw.Version) == "" {
			gw.Version = shared.Version
		}
		if strings.TrimSpace(gw.Heartbeat) == "" {
			gw.Heartbeat = shared.Heartbeat
		}
		if gw.TokenSecret == "" {
			gw.TokenSecret = shared.TokenSecret
		}
		if strings.TrimSpace(gw.TokenIssuer) == "" {
			gw.TokenIssuer = shared.TokenIssuer
		}
		out[i] = gw
	}
	return out
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateMeshConfig(cfg MeshConfig) error {
	if strings.TrimSpace(cfg.Schema) == "" {
		return fmt.Errorf("mesh config missing schema")
	}
	if err := ValidateBusConfig(cfg.Bus); err != nil {
		return fmt.Errorf("bus invalid: %w", err)
	}
	if err := validateAddr(cfg.Director.Listen); err != nil {
		return fmt.Errorf("director listen invalid: %w", err)
	}
	if err := ValidateDatabaseConfig(cfg.Database); err != nil {
		return fmt.Errorf("database invalid: %w", err)
	}
	if err := validateGateways(cfg.Gateways); err != nil {
		return err
	}
	channels := make(map[uint64]string, len(cfg.Shards))
	for i, sh := range cfg.Shards {
		if err := ValidateShardConfig(sh); err != nil {
			return fmt.Errorf("shard[%d] invalid: %w", i, err)
		}
		if other, dup := channels[sh.Channel]; dup {
			return fmt.Errorf("shard[%d] channel %d already used by %q", i, sh.Channel, other)
		}
		channels[sh.Channel] = sh.Name
		for j := range i {
			prev := cfg.Shards[j]
			if sh.IDMin <= prev.IDMax && prev.IDMin <= sh.IDMax {
				return fmt.Errorf("shard[%d] id range overlaps shard[%d]", i, j)
			}
		}
	}
	return nil
}

func ValidateBusConfig(cfg BusConfig) error {
	switch strings.TrimSpace(cfg.SecurityMode) {
	case "", "development", "production":
	default:
		return fmt.Errorf("unknown security_mode %q", cfg.SecurityMode)
	}
	if cfg.Mutual && !cfg.TLS {
		return fmt.Errorf("mutual requires tls")
	}
	return nil
}

func ValidateDatabaseConfig(cfg DatabaseConfig) error {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if !databaseBackends[backend] {
		return fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	switch backend {
	case "bolt", "sqlite":
		if strings.TrimSpace(cfg.Path) == "" {
			return fmt.Errorf("%s backend requires path", backend)
		}
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return fmt.Errorf("redis backend requires redis_addr")
		}
	case "postgres":
		if strings.TrimSpace(cfg.PostgresURL) == "" {
			return fmt.Errorf("postgres backend requires postgres_url")
		}
	}
	if _, err := parseDuration(cfg.StoreTimeout); err != nil {
		return fmt.Errorf("store_timeout: %w", err)
	}
	return nil
}

// validateGateways checks each gateway and that no two share a bus
// channel, a listen address, or any connection channel.
func validateGateways(list []GatewayConfig) error {
	if len(list) == 0 {
		return fmt.Errorf("mesh config has no gateway")
	}
	for i, gw := range list {
		if err := ValidateGatewayConfig(gw); err != nil {
			return fmt.Errorf("gateway[%d] invalid: %w", i, err)
		}
		for j := range i {
			prev := list[j]
			if gw.Channel == prev.Channel {
				return fmt.Errorf("gateway[%d] channel %d already used by %q", i, gw.Channel, prev.Name)
			}
			if strings.TrimSpace(gw.Listen) == strings.TrimSpace(prev.Listen) {
				return fmt.Errorf("gateway[%d] listen %s already used by %q", i, gw.Listen, prev.Name)
			}
			if gw.ConnMin <= prev.ConnMax && prev.ConnMin <= gw.ConnMax {
				return fmt.Errorf("gateway[%d] connection range overlaps gateway[%d]", i, j)
			}
		}
	}
	return nil
}

// ValidateGatewayConfig treats a zero channel or connection range as
// unset.
func ValidateGatewayConfig(cfg GatewayConfig) error {
	if err := validateAddr(cfg.Listen); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if cfg.Channel != 0 && !protocol.Channel(cfg.Channel).IsGateway() {
		return fmt.Errorf("channel %d outside %d-%d", cfg.Channel, protocol.GatewayChannelMin, protocol.GatewayChannelMax)
	}
	if cfg.ConnMin != 0 || cfg.ConnMax != 0 {
		lo, hi := protocol.Channel(cfg.ConnMin), protocol.Channel(cfg.ConnMax)
		if lo > hi || !lo.IsConnection() || !hi.IsConnection() {
			return fmt.Errorf("connection range %d-%d outside %d-%d", cfg.ConnMin, cfg.ConnMax, protocol.ConnChannelMin, protocol.ConnChannelMax)
		}
	}
	if _, err := parseDuration(cfg.Heartbeat); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if strings.TrimSpace(cfg.TokenIssuer) != "" && strings.TrimSpace(cfg.TokenSecret) == "" {
		return fmt.Errorf("token_issuer requires token_secret")
	}
	return nil
}

func ValidateShardConfig(cfg ShardConfig) error {
	ch := protocol.Channel(cfg.Channel)
	if ch < protocol.ShardChannelMin || ch > protocol.ShardChannelMax {
		return fmt.Errorf("channel %d outside %d-%d", cfg.Channel, protocol.ShardChannelMin, protocol.ShardChannelMax)
	}
	lo, hi := protocol.Channel(cfg.IDMin), protocol.Channel(cfg.IDMax)
	if lo > hi || lo < protocol.AIObjectIDMin || hi > protocol.AIObjectIDMax {
		return fmt.Errorf("id range %d-%d outside %d-%d", cfg.IDMin, cfg.IDMax, protocol.AIObjectIDMin, protocol.AIObjectIDMax)
	}
	return nil
}

func validateAddr(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return err
	}
	return nil
}

// parseDuration treats an empty string as unset.
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", raw)
	}
	return d, nil
}

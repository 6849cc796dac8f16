package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/shardmesh/internal/protocol"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestTemplatesValidate(t *testing.T) {
	for _, kind := range Kinds {
		path := filepath.Join(t.TempDir(), kind+".toml")
		if err := WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("write %s template: %v", kind, err)
		}
		if err := Validate(kind, path); err != nil {
			t.Fatalf("validate %s template: %v", kind, err)
		}
	}
}

func TestWriteTemplateRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mesh.toml")
	if err := WriteTemplate(path, "mesh", false); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteTemplate(path, "mesh", false); err == nil {
		t.Fatalf("expected overwrite refusal")
	}
	if err := WriteTemplate(path, "mesh", true); err != nil {
		t.Fatalf("forced write: %v", err)
	}
	if _, err := Template("relay"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestLoadMeshConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
[[shards]]
district = "Toontown Central"

[[shards]]
name = "dock"
`)
	cfg, err := LoadMeshConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Schema != "configs/toon.toml" {
		t.Fatalf("unexpected schema: %q", cfg.Schema)
	}
	if cfg.Database.Backend != "bolt" || cfg.Database.Path != "data/shardmesh.db" {
		t.Fatalf("unexpected database defaults: %+v", cfg.Database)
	}
	if len(cfg.Shards) != 2 {
		t.Fatalf("unexpected shards: %+v", cfg.Shards)
	}
	first, second := cfg.Shards[0], cfg.Shards[1]
	if first.Name != "shard-1" || second.Name != "dock" {
		t.Fatalf("unexpected shard names: %q %q", first.Name, second.Name)
	}
	if first.Channel != uint64(protocol.ShardChannelMin)+1 || second.Channel != uint64(protocol.ShardChannelMin)+2 {
		t.Fatalf("unexpected shard channels: %d %d", first.Channel, second.Channel)
	}
	if first.IDMin != uint64(protocol.AIObjectIDMin) || first.IDMax != first.IDMin+99999 {
		t.Fatalf("unexpected first range: %d-%d", first.IDMin, first.IDMax)
	}
	if second.IDMin != first.IDMax+1 {
		t.Fatalf("ranges not adjacent: %d after %d", second.IDMin, first.IDMax)
	}
}

func TestLoadMeshConfigRejects(t *testing.T) {
	cases := map[string]string{
		"overlap": `
[[shards]]
id_min = 500000000
id_max = 500000100
[[shards]]
id_min = 500000050
id_max = 500000200
`,
		"duplicate channel": `
[[shards]]
channel = 400000001
[[shards]]
channel = 400000001
`,
		"backend": `
[database]
backend = "mongo"
`,
		"redis without addr": `
[database]
backend = "redis"
`,
		"mutual without tls": `
[bus]
mutual = true
`,
		"bad heartbeat": `
[gateway]
heartbeat = "soon"
`,
		"channel outside range": `
[[shards]]
channel = 5
`,
		"gateway channel outside range": `
[gateway]
channel = 4002
`,
		"duplicate gateway channel": `
[[gateways]]
channel = 4010
listen = "127.0.0.1:7200"
[[gateways]]
channel = 4010
listen = "127.0.0.1:7210"
`,
		"overlapping connection ranges": `
[[gateways]]
conn_min = 1000000000
conn_max = 1000000999
[[gateways]]
conn_min = 1000000500
conn_max = 1000001999
`,
		"duplicate gateway listen": `
[[gateways]]
listen = "127.0.0.1:7200"
[[gateways]]
listen = "127.0.0.1:7200"
`,
		"connection range outside space": `
[gateway]
conn_min = 5
conn_max = 10
`,
	}
	for name, content := range cases {
		if _, err := LoadMeshConfig(writeConfig(t, content)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestMeshConfigConverts(t *testing.T) {
	path := writeConfig(t, `
schema = "schema.toml"
cors_origins = ["http://localhost:3000"]

[bus]
security_mode = "production"
tls = true
server_name = "bus.local"

[director]
listen = "0.0.0.0:7100"
enforce_sender = false

[database]
backend = "sqlite"
path = "mesh.db"
store_timeout = "2s"

[gateway]
heartbeat = "10s"
version = "v2"

[[shards]]
name = "north"
district = "North"
population = 3
`)
	cfg, err := LoadMeshConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	dir := cfg.DirectorService()
	if dir.ListenAddr != "0.0.0.0:7100" || dir.EnforceSender {
		t.Fatalf("unexpected director: %+v", dir)
	}
	if !dir.Session.TLS.Enabled || dir.Session.SecurityMode != "production" {
		t.Fatalf("unexpected director session: %+v", dir.Session)
	}

	ss := cfg.StateServerService()
	if ss.Bus.Address != "127.0.0.1:7100" {
		t.Fatalf("unexpected state server bus address: %q", ss.Bus.Address)
	}
	if ss.Bus.Session.TLS.ServerName != "bus.local" || ss.SchemaPath != "schema.toml" {
		t.Fatalf("unexpected state server: %+v", ss)
	}

	db, err := cfg.DatabaseService()
	if err != nil {
		t.Fatalf("database: %v", err)
	}
	if db.Store.Backend != "sqlite" || db.Store.Path != "mesh.db" || db.StoreTimeout != 2*time.Second {
		t.Fatalf("unexpected database: %+v", db)
	}

	gws, err := cfg.GatewayServices()
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	if len(gws) != 1 {
		t.Fatalf("unexpected gateways: %d", len(gws))
	}
	gw := gws[0]
	if gw.Gateway.HeartbeatTimeout != 10*time.Second || gw.Gateway.Version != "v2" {
		t.Fatalf("unexpected gateway: %+v", gw.Gateway)
	}
	if gw.Gateway.Channel != protocol.GatewayChannel || gw.Bus.Name != "gateway" {
		t.Fatalf("unexpected gateway channel %d name %q", gw.Gateway.Channel, gw.Bus.Name)
	}
	if gw.Gateway.ChannelMin != protocol.ConnChannelMin || gw.Gateway.ChannelMax != protocol.ConnChannelMax {
		t.Fatalf("single gateway should own the whole connection range: %d-%d", gw.Gateway.ChannelMin, gw.Gateway.ChannelMax)
	}
	if len(gw.CORSOrigins) != 1 {
		t.Fatalf("unexpected cors: %+v", gw.CORSOrigins)
	}

	shards := cfg.ShardServices()
	if len(shards) != 1 {
		t.Fatalf("unexpected shards: %d", len(shards))
	}
	sh := shards[0]
	if sh.Name != "north" || sh.Bus.Name != "north" || sh.District != "North" || sh.Population != 3 {
		t.Fatalf("unexpected shard: %+v", sh)
	}
	if sh.Shard.Channel != protocol.ShardChannelMin+1 || sh.Shard.IDMin != protocol.AIObjectIDMin {
		t.Fatalf("unexpected shard repository config: %+v", sh.Shard)
	}
}

func TestMeshGatewaysGetDistinctChannelsAndRanges(t *testing.T) {
	path := writeConfig(t, `
[gateway]
accounts = "data/shared-accounts.db"
heartbeat = "12s"

[[gateways]]
name = "east"

[[gateways]]
name = "west"
heartbeat = "20s"
`)
	cfg, err := LoadMeshConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	gws, err := cfg.GatewayServices()
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(gws) != 2 {
		t.Fatalf("unexpected gateways: %d", len(gws))
	}
	east, west := gws[0], gws[1]
	if east.Bus.Name != "east" || west.Bus.Name != "west" {
		t.Fatalf("unexpected names: %q %q", east.Bus.Name, west.Bus.Name)
	}
	if east.Gateway.Channel != protocol.GatewayChannelMin || west.Gateway.Channel != protocol.GatewayChannelMin+1 {
		t.Fatalf("unexpected channels: %d %d", east.Gateway.Channel, west.Gateway.Channel)
	}
	if east.Gateway.ChannelMin != protocol.ConnChannelMin || west.Gateway.ChannelMin != east.Gateway.ChannelMax+1 {
		t.Fatalf("connection ranges not adjacent: %d-%d then %d-%d",
			east.Gateway.ChannelMin, east.Gateway.ChannelMax, west.Gateway.ChannelMin, west.Gateway.ChannelMax)
	}
	if west.Gateway.ChannelMax != protocol.ConnChannelMax {
		t.Fatalf("connection space not fully split: ends at %d", west.Gateway.ChannelMax)
	}
	if east.ListenAddr == west.ListenAddr {
		t.Fatalf("gateways share listen address %q", east.ListenAddr)
	}
	if east.AccountsPath != "data/shared-accounts.db" || east.Accounts == nil || east.Accounts != west.Accounts {
		t.Fatalf("gateways should share one account index: %q %v %v", east.AccountsPath, east.Accounts, west.Accounts)
	}
	if east.Gateway.HeartbeatTimeout != 12*time.Second || west.Gateway.HeartbeatTimeout != 20*time.Second {
		t.Fatalf("unexpected heartbeats: %v %v", east.Gateway.HeartbeatTimeout, west.Gateway.HeartbeatTimeout)
	}
}

func TestLoadGatewayServiceChannels(t *testing.T) {
	path := writeConfig(t, `
name = "gw-2"
channel = 4005
conn_min = 1005000000
conn_max = 1009999999
`)
	cfg, err := LoadGatewayService(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bus.Name != "gw-2" || cfg.Gateway.Channel != 4005 {
		t.Fatalf("unexpected gateway: name=%q channel=%d", cfg.Bus.Name, cfg.Gateway.Channel)
	}
	if cfg.Gateway.ChannelMin != 1005000000 || cfg.Gateway.ChannelMax != protocol.ConnChannelMax {
		t.Fatalf("unexpected connection range: %d-%d", cfg.Gateway.ChannelMin, cfg.Gateway.ChannelMax)
	}
}

func TestLoadDatabaseServiceOverlay(t *testing.T) {
	path := writeConfig(t, `
director = "10.0.0.5:7100"
backend = "redis"
redis_addr = "127.0.0.1:6379"
store_timeout = "750ms"
max_connect_attempts = 3
`)
	cfg, err := LoadDatabaseService(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bus.Address != "10.0.0.5:7100" || cfg.Bus.MaxConnectAttempts != 3 {
		t.Fatalf("unexpected bus: %+v", cfg.Bus)
	}
	if cfg.Store.Backend != "redis" || cfg.Store.RedisAddr != "127.0.0.1:6379" {
		t.Fatalf("unexpected store: %+v", cfg.Store)
	}
	if cfg.StoreTimeout != 750*time.Millisecond {
		t.Fatalf("unexpected store timeout: %v", cfg.StoreTimeout)
	}
	if cfg.SchemaPath != "configs/toon.toml" {
		t.Fatalf("schema default lost: %q", cfg.SchemaPath)
	}
}

func TestLoadShardServiceOverlay(t *testing.T) {
	path := writeConfig(t, `
name = "Donald's Dock"
channel = 400000002
id_min = 500100000
id_max = 500199999
`)
	cfg, err := LoadShardService(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bus.Name != "Donald's Dock" || cfg.Shard.Channel != 400000002 {
		t.Fatalf("unexpected shard: %+v", cfg)
	}
	if cfg.District != "Toontown Central" {
		t.Fatalf("district default lost: %q", cfg.District)
	}
}

func TestLoadServiceRejects(t *testing.T) {
	cases := []struct {
		kind    string
		content string
	}{
		{"director", `listen = "nope"`},
		{"director", `security_mode = "chaos"`},
		{"stateserver", `inbox_size = 0`},
		{"database", `store_timeout = ""`},
		{"database", `backend = "postgres"`},
		{"gateway", `token_issuer = "mesh"`},
		{"shard", `channel = 12`},
		{"shard", `id_min = 100`},
		{"gateway", `unknown_key = 1`},
		{"gateway", `channel = 4003`},
		{"gateway", "conn_min = 1000000500\nconn_max = 1000000100"},
	}
	for _, tc := range cases {
		err := Validate(tc.kind, writeConfig(t, tc.content))
		if err == nil {
			t.Fatalf("%s %q: expected error", tc.kind, tc.content)
		}
	}
	if err := Validate("relay", writeConfig(t, "")); err == nil || !strings.Contains(err.Error(), "unknown config kind") {
		t.Fatalf("unexpected kind error: %v", err)
	}
}

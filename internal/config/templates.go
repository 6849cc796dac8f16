package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Kinds lists the template kinds Template accepts.
var Kinds = []string{"mesh", "director", "stateserver", "database", "gateway", "shard"}

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "mesh":
		return meshTemplate, nil
	case "director":
		return directorTemplate, nil
	case "stateserver":
		return stateServerTemplate, nil
	case "database":
		return databaseTemplate, nil
	case "gateway":
		return gatewayTemplate, nil
	case "shard":
		return shardTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

// DefaultPath is where configgen reads and writes a kind's file.
func DefaultPath(kind string) string {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "mesh" {
		return filepath.Join("configs", "mesh.toml")
	}
	name := kind
	if kind == "stateserver" {
		name = "state"
	}
	if kind == "database" {
		name = "db"
	}
	return filepath.Join("cmd", name+"ctl", "config.toml")
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const meshTemplate = `schema = "configs/toon.toml"
cors_origins = ["http://localhost:3000"]

[bus]
security_mode = "development"
tls = false

[director]
listen = "127.0.0.1:7100"
admin = "127.0.0.1:7101"
enforce_sender = true

[stateserver]
admin = "127.0.0.1:7102"

[database]
backend = "bolt"
path = "data/shardmesh.db"
store_timeout = "5s"
admin = "127.0.0.1:7103"

[gateway]
name = "gateway"
channel = 4004
listen = "127.0.0.1:7200"
admin = "127.0.0.1:7201"
accounts = "data/accounts.db"
version = "shardmesh-dev"
heartbeat = "30s"

# More gateways: list them as [[gateways]] entries (name, channel, listen,
# admin, conn_min, conn_max). They then replace the single [gateway] and
# inherit its accounts, version, heartbeat and token keys.

[[shards]]
name = "Toontown Central"
channel = 400000001
district = "Toontown Central"
admin = "127.0.0.1:7301"

[[shards]]
name = "Donald's Dock"
channel = 400000002
district = "Donald's Dock"
`

const directorTemplate = `listen = "127.0.0.1:7100"
admin = "127.0.0.1:7101"
cors_origins = ["http://localhost:3000"]
enforce_sender = true
security_mode = "development"
tls = false
`

const stateServerTemplate = `director = "127.0.0.1:7100"
schema = "configs/toon.toml"
admin = "127.0.0.1:7102"
inbox_size = 4096
`

const databaseTemplate = `director = "127.0.0.1:7100"
schema = "configs/toon.toml"
backend = "bolt"
path = "data/shardmesh.db"
redis_addr = ""
redis_prefix = "shardmesh"
postgres_url = ""
store_timeout = "5s"
admin = "127.0.0.1:7103"
`

const gatewayTemplate = `director = "127.0.0.1:7100"
schema = "configs/toon.toml"
name = "gateway"
channel = 4004
conn_min = 1000000000
conn_max = 1009999999
listen = "127.0.0.1:7200"
admin = "127.0.0.1:7201"
accounts = "data/accounts.db"
version = "shardmesh-dev"
heartbeat = "30s"
token_secret = ""
token_issuer = ""
`

const shardTemplate = `director = "127.0.0.1:7100"
schema = "configs/toon.toml"
name = "Toontown Central"
channel = 400000001
district = "Toontown Central"
id_min = 500000000
id_max = 500099999
admin = "127.0.0.1:7301"
`

// Present reports whether path names a readable file. Binaries fall back
// to built-in defaults when their default config file is absent.
func Present(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

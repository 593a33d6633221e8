package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	KindRelay      = "relay"
	KindDictionary = "dictionary"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", KindRelay:
		return relayTemplate, nil
	case KindDictionary:
		return dictionaryTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
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
	return os.WriteFile(path, []byte(template), 0o600)
}

const relayTemplate = `[relay]
name = "iso-relayer"
shutdown_timeout = "30s"
reversal_max_attempts = 5
reversal_retry_interval = "10s"
# reversal_store = "reversals.db"
duplicate_window = "1m"
duplicate_entries = 65536

[frame]
prefix_width = 2
max_frame_bytes = 8192

[ingress]
listen_addr = ":8583"
max_connections = 1024
reuse_port = false
security_mode = "development"
write_timeout = "5s"

[ingress.tls]
enabled = false

[retry]
initial_delay = "250ms"
multiplier = 2.0
max_delay = "5s"
jitter = true
failure_threshold = 5

[correlation]
shards = 32

[monitoring]
enabled = true
listen_addr = "127.0.0.1:9583"
log_level = "info"
# token = "change-me"
# cors_allow_origins = ["http://localhost:3000"]

[dictionary]
# path = "dictionary.toml"

[[endpoints]]
id = "issuer-a"
address = "127.0.0.1:9001"
echo_interval = "30s"
response_timeout = "30s"
max_in_flight = 256

[[endpoints]]
id = "issuer-b"
address = "127.0.0.1:9002"
echo_interval = "30s"
response_timeout = "30s"
max_in_flight = 256

[[routes]]
name = "visa-range"
kinds = ["request", "reversal"]
target = "issuer-a"
failover = "issuer-b"

[[routes.ranges]]
field = 2
low = "400000"
high = "499999"

[[routes]]
name = "default"
default = true
target = "issuer-b"
`

const dictionaryTemplate = `# Extends the built-in dictionary; base = "empty" starts from nothing.
base = "default"

[[fields]]
number = 48
name = "additional data private"
type = "ans"
length = "lllvar"
max = 999

[[fields]]
number = 62
name = "network private data"
type = "ans"
length = "lllvar"
max = 512
`

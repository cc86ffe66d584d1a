package config

import (
	"fmt"
	"os"
)

func Template() string {
	return clientTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(clientTemplate), 0o600)
}

const clientTemplate = `# credentials may also come from IOLITE_USERNAME, IOLITE_PASSWORD, IOLITE_CODE, IOLITE_NAME
identity = ""
secret = ""
authorization_code = ""
client_name = "iolitectl"

host = "remote.iolite.de"
scheme = "wss"

store_backend = "file"
store_dir = "."
encrypt_store = true

subscribe_settle = "1s"
handshake_timeout = "10s"
write_timeout = "10s"

# metrics_addr = "127.0.0.1:9464"

[reconnect]
enabled = false
max_attempts = 0
initial_delay = "500ms"
max_delay = "30s"
multiplier = 2.0
jitter = true

# Only needed for a hub behind a private CA.
# [tls]
# ca_file = "/etc/iolitectl/hub-ca.pem"
# server_name = ""
# insecure_skip_verify = false
`

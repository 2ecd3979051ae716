package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns a starter file for kind: the managed document or one of
// the two service configs.
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "document", "config.json":
		return documentTemplate, nil
	case "meshd":
		return meshdTemplate, nil
	case "meshrest":
		return meshrestTemplate, nil
	case "security", "security.json":
		return securityTemplate, nil
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

const documentTemplate = `{
    "description": "",
    "defaultExecUser": "",
    "disableExecUser": false,
    "workingDirectory": "",
    "scheduleIntervalSeconds": 2,
    "logLevel": "INFO",
    "rest": {
        "enabled": true,
        "httpThreadPoolSize": 6,
        "listenPort": 6060,
        "listenAddress": "0.0.0.0",
        "tcpPort": 6059,
        "prometheusExporterListenPort": 6061,
        "dockerProxyListenAddr": "",
        "ssl": {
            "verifyPeer": false,
            "certificateFile": "",
            "certificateKeyFile": ""
        },
        "jwt": {
            "salt": "HMACSHA256-Secret",
            "securityInterface": "local"
        }
    },
    "labels": {},
    "consul": {
        "isMaster": false,
        "isWorker": false,
        "sessionTtlSeconds": 30,
        "securitySync": false
    },
    "applications": []
}
`

const meshdTemplate = `document = "config.json"
security = "security.json"
tcp_addr = "127.0.0.1:6059"
reload_interval = "2s"
write_timeout = "15s"
`

const meshrestTemplate = `document = "config.json"
listen_addr = "127.0.0.1:6060"
daemon_addr = "127.0.0.1:6059"
principal_header = "X-Appmesh-User"
token = ""
cors_origins = ["http://localhost:3000"]
call_timeout = "60s"
metrics = true
`

const securityTemplate = `{
    "users": {
        "admin": { "group": "admin" },
        "mesh": { "group": "user" }
    }
}
`

package config

import "encoding/json"

// Document is the configuration document as read from disk. A nil pointer
// means the key was absent, which hot reload uses to decide what to copy.
type Document struct {
	Description             *string           `json:"description,omitempty"`
	DefaultExecUser         *string           `json:"defaultExecUser,omitempty"`
	DisableExecUser         *bool             `json:"disableExecUser,omitempty"`
	WorkingDirectory        *string           `json:"workingDirectory,omitempty"`
	ScheduleIntervalSeconds *int              `json:"scheduleIntervalSeconds,omitempty"`
	LogLevel                *string           `json:"logLevel,omitempty"`
	Rest                    *RestDocument     `json:"rest,omitempty"`
	Labels                  map[string]string `json:"labels,omitempty"`
	Consul                  *ConsulDocument   `json:"consul,omitempty"`
	Applications            []json.RawMessage `json:"applications,omitempty"`
}

type RestDocument struct {
	Enabled                      *bool        `json:"enabled,omitempty"`
	ListenPort                   *int         `json:"listenPort,omitempty"`
	ListenAddress                *string      `json:"listenAddress,omitempty"`
	TCPPort                      *int         `json:"tcpPort,omitempty"`
	DockerProxyListenAddr        *string      `json:"dockerProxyListenAddr,omitempty"`
	HTTPThreadPoolSize           *int         `json:"httpThreadPoolSize,omitempty"`
	PrometheusExporterListenPort *int         `json:"prometheusExporterListenPort,omitempty"`
	SSL                          *SSLDocument `json:"ssl,omitempty"`
	JWT                          *JWTDocument `json:"jwt,omitempty"`
}

type SSLDocument struct {
	VerifyPeer         *bool   `json:"verifyPeer,omitempty"`
	CertificateFile    *string `json:"certificateFile,omitempty"`
	CertificateKeyFile *string `json:"certificateKeyFile,omitempty"`
}

type JWTDocument struct {
	Salt              *string `json:"salt,omitempty"`
	SecurityInterface *string `json:"securityInterface,omitempty"`
}

// ConsulDocument is always applied wholesale, so absent keys take defaults.
type ConsulDocument struct {
	URL               *string `json:"url,omitempty"`
	ProxyURL          *string `json:"proxyUrl,omitempty"`
	AuthUser          *string `json:"authUser,omitempty"`
	AuthPass          *string `json:"authPass,omitempty"`
	IsMaster          *bool   `json:"isMaster,omitempty"`
	IsWorker          *bool   `json:"isWorker,omitempty"`
	SessionTTLSeconds *int    `json:"sessionTtlSeconds,omitempty"`
	SecuritySync      *bool   `json:"securitySync,omitempty"`

	defaultProxyURL string
}

// Assign copies *src into *dst when src is present and reports whether it did.
func Assign[T any](dst *T, src *T) bool {
	if dst == nil || src == nil {
		return false
	}
	*dst = *src
	return true
}

// Ptr returns a pointer to v, for building documents in code.
func Ptr[T any](v T) *T {
	return &v
}

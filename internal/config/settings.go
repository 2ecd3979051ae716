package config

import (
	"maps"
	"path/filepath"
)

const (
	DefaultScheduleInterval   = 2
	DefaultRestListenPort     = 6060
	DefaultRestTCPPort        = 6059
	DefaultPromListenPort     = 6061
	DefaultHTTPThreadPoolSize = 6
	DefaultConsulTTL          = 30
	DefaultLogLevel           = "DEBUG"
	DefaultSecurityInterface  = "local"
	LabelHostName             = "HOST_NAME"
)

// GlobalConfig is the daemon-wide configuration. The Store owns the only
// live instance and guards it with its lock.
type GlobalConfig struct {
	Description      string
	DefaultExecUser  string
	DisableExecUser  bool
	DefaultWorkDir   string
	ScheduleInterval int
	LogLevel         string
	Rest             RestSettings
	Labels           map[string]string
	Consul           ConsulSettings
}

type RestSettings struct {
	Enabled               bool
	ListenPort            int
	TCPPort               int
	ListenAddress         string
	HTTPThreadPoolSize    int
	DockerProxyListenAddr string
	PromListenPort        int
	SSL                   SSLSettings
	JWT                   JWTSettings
}

type SSLSettings struct {
	VerifyPeer         bool
	CertificateFile    string
	CertificateKeyFile string
}

type JWTSettings struct {
	Salt              string
	SecurityInterface string
}

type ConsulSettings struct {
	URL             string
	ProxyURL        string
	AuthUser        string
	AuthPass        string
	IsMaster        bool
	IsWorker        bool
	SessionTTL      int
	SecuritySync    bool
	DefaultProxyURL string
}

func (c ConsulSettings) Enabled() bool {
	return c.URL != ""
}

func (c ConsulSettings) SecurityEnabled() bool {
	return c.Enabled() && c.SecuritySync
}

// AppmeshURL is the address other cluster members use to reach this node.
func (c ConsulSettings) AppmeshURL() string {
	if c.ProxyURL == "" {
		return c.DefaultProxyURL
	}
	return c.ProxyURL
}

func defaultGlobalConfig() *GlobalConfig {
	return &GlobalConfig{
		ScheduleInterval: DefaultScheduleInterval,
		LogLevel:         DefaultLogLevel,
		Rest: RestSettings{
			ListenPort:         DefaultRestListenPort,
			TCPPort:            DefaultRestTCPPort,
			HTTPThreadPoolSize: DefaultHTTPThreadPoolSize,
			PromListenPort:     DefaultPromListenPort,
			JWT:                JWTSettings{SecurityInterface: DefaultSecurityInterface},
		},
		Labels: map[string]string{},
		Consul: ConsulSettings{SessionTTL: DefaultConsulTTL},
	}
}

type mergeResult struct {
	logLevelChanged bool
	consulChanged   bool
}

// merge copies every field present in a normalized document.
func (c *GlobalConfig) merge(doc *Document) mergeResult {
	var res mergeResult
	Assign(&c.Description, doc.Description)
	if doc.LogLevel != nil && *doc.LogLevel != c.LogLevel {
		c.LogLevel = *doc.LogLevel
		res.logLevelChanged = true
	}
	Assign(&c.ScheduleInterval, doc.ScheduleIntervalSeconds)
	Assign(&c.DefaultExecUser, doc.DefaultExecUser)
	Assign(&c.DisableExecUser, doc.DisableExecUser)
	Assign(&c.DefaultWorkDir, doc.WorkingDirectory)

	if r := doc.Rest; r != nil {
		Assign(&c.Rest.Enabled, r.Enabled)
		Assign(&c.Rest.ListenPort, r.ListenPort)
		Assign(&c.Rest.TCPPort, r.TCPPort)
		Assign(&c.Rest.DockerProxyListenAddr, r.DockerProxyListenAddr)
		Assign(&c.Rest.ListenAddress, r.ListenAddress)
		Assign(&c.Rest.HTTPThreadPoolSize, r.HTTPThreadPoolSize)
		Assign(&c.Rest.PromListenPort, r.PrometheusExporterListenPort)
		if s := r.SSL; s != nil {
			Assign(&c.Rest.SSL.CertificateFile, s.CertificateFile)
			Assign(&c.Rest.SSL.CertificateKeyFile, s.CertificateKeyFile)
			Assign(&c.Rest.SSL.VerifyPeer, s.VerifyPeer)
		}
		if j := r.JWT; j != nil {
			Assign(&c.Rest.JWT.Salt, j.Salt)
			Assign(&c.Rest.JWT.SecurityInterface, j.SecurityInterface)
		}
	}

	if doc.Labels != nil {
		c.Labels = maps.Clone(doc.Labels)
	}

	if doc.Consul != nil {
		c.Consul = consulFromDocument(doc.Consul)
		res.consulChanged = true
	}
	return res
}

func consulFromDocument(d *ConsulDocument) ConsulSettings {
	out := ConsulSettings{SessionTTL: DefaultConsulTTL, DefaultProxyURL: d.defaultProxyURL}
	Assign(&out.URL, d.URL)
	Assign(&out.ProxyURL, d.ProxyURL)
	Assign(&out.AuthUser, d.AuthUser)
	Assign(&out.AuthPass, d.AuthPass)
	Assign(&out.IsMaster, d.IsMaster)
	Assign(&out.IsWorker, d.IsWorker)
	Assign(&out.SessionTTL, d.SessionTTLSeconds)
	Assign(&out.SecuritySync, d.SecuritySync)
	return out
}

// clone returns a deep copy safe to hand out of the lock.
func (c *GlobalConfig) clone() GlobalConfig {
	out := *c
	out.Labels = maps.Clone(c.Labels)
	if out.Labels == nil {
		out.Labels = map[string]string{}
	}
	return out
}

func (c *GlobalConfig) workDir(home string) string {
	if c.DefaultWorkDir != "" {
		return c.DefaultWorkDir
	}
	return filepath.Join(home, "work")
}

// render produces the JSON-shaped view of the global fields.
func (c *GlobalConfig) render() map[string]any {
	labels := make(map[string]any, len(c.Labels))
	for k, v := range c.Labels {
		labels[k] = v
	}
	consul := map[string]any{
		"isMaster":          c.Consul.IsMaster,
		"isWorker":          c.Consul.IsWorker,
		"sessionTtlSeconds": c.Consul.SessionTTL,
		"securitySync":      c.Consul.SecuritySync,
	}
	if c.Consul.URL != "" {
		consul["url"] = c.Consul.URL
	}
	if c.Consul.ProxyURL != "" {
		consul["proxyUrl"] = c.Consul.ProxyURL
	}
	if c.Consul.AuthUser != "" {
		consul["authUser"] = c.Consul.AuthUser
	}
	if c.Consul.AuthPass != "" {
		consul["authPass"] = c.Consul.AuthPass
	}
	return map[string]any{
		"description":             c.Description,
		"defaultExecUser":         c.DefaultExecUser,
		"disableExecUser":         c.DisableExecUser,
		"workingDirectory":        c.DefaultWorkDir,
		"scheduleIntervalSeconds": c.ScheduleInterval,
		"logLevel":                c.LogLevel,
		"rest": map[string]any{
			"enabled":                      c.Rest.Enabled,
			"httpThreadPoolSize":           c.Rest.HTTPThreadPoolSize,
			"listenPort":                   c.Rest.ListenPort,
			"prometheusExporterListenPort": c.Rest.PromListenPort,
			"listenAddress":                c.Rest.ListenAddress,
			"tcpPort":                      c.Rest.TCPPort,
			"dockerProxyListenAddr":        c.Rest.DockerProxyListenAddr,
			"ssl": map[string]any{
				"verifyPeer":         c.Rest.SSL.VerifyPeer,
				"certificateFile":    c.Rest.SSL.CertificateFile,
				"certificateKeyFile": c.Rest.SSL.CertificateKeyFile,
			},
			"jwt": map[string]any{
				"salt":              c.Rest.JWT.Salt,
				"securityInterface": c.Rest.JWT.SecurityInterface,
			},
		},
		"labels": labels,
		"consul": consul,
	}
}

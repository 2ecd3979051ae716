package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/danmuck/meshctl/internal/errs"
	"github.com/danmuck/meshctl/internal/logging"
	"github.com/rs/zerolog/log"
)

// EnvPrefix marks environment variables that override document keys.
const EnvPrefix = "APPMESH_"

var consulURLPattern = regexp.MustCompile(`^(http|https)://((\w+\.)*\w+)(:[0-9]+)?$`)

// Load parses and validates a configuration document and builds a fresh
// GlobalConfig from it. The returned Document is normalized: defaulted and
// rewritten values replace what was read, and absent keys stay nil.
func Load(data []byte, applyEnvOverrides bool, env Environment) (*GlobalConfig, *Document, error) {
	env = env.withDefaults()
	doc, err := parseDocument(data, applyEnvOverrides, env)
	if err != nil {
		return nil, nil, err
	}
	if err := normalize(doc, env); err != nil {
		return nil, nil, err
	}
	cfg := defaultGlobalConfig()
	cfg.merge(doc)
	return cfg, doc, nil
}

func parseDocument(data []byte, applyEnvOverrides bool, env Environment) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errs.Parse(fmt.Errorf("empty document"))
	}
	if applyEnvOverrides {
		tree, err := decodeTree(data)
		if err != nil {
			return nil, err
		}
		ApplyEnvOverride(tree, EnvPrefix, env.Environ())
		data, err = json.Marshal(tree)
		if err != nil {
			return nil, errs.Parse(err)
		}
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errs.Parse(err)
	}
	return &doc, nil
}

func decodeTree(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var tree map[string]any
	if err := dec.Decode(&tree); err != nil {
		return nil, errs.Parse(err)
	}
	if tree == nil {
		return nil, errs.Parse(fmt.Errorf("document is not an object"))
	}
	return tree, nil
}

// normalize validates present fields and rewrites the ones that are defaulted
// rather than rejected.
func normalize(doc *Document, env Environment) error {
	if doc.ScheduleIntervalSeconds != nil {
		if v := *doc.ScheduleIntervalSeconds; v < 1 || v > 100 {
			log.Info().Int("value", v).Int("default", DefaultScheduleInterval).Msg("scheduleIntervalSeconds out of range, using default")
			doc.ScheduleIntervalSeconds = Ptr(DefaultScheduleInterval)
		}
	}
	if doc.LogLevel != nil {
		level := strings.ToUpper(strings.TrimSpace(*doc.LogLevel))
		if logging.KnownLevel(level) {
			doc.LogLevel = Ptr(level)
		} else {
			log.Warn().Str("value", *doc.LogLevel).Msg("unknown logLevel ignored, keeping current level")
			doc.LogLevel = nil
		}
	}
	if doc.DefaultExecUser != nil && *doc.DefaultExecUser != "" {
		if err := env.LookupUser(*doc.DefaultExecUser); err != nil {
			log.Warn().Str("user", *doc.DefaultExecUser).Err(err).Msg("default exec user not found")
			return errs.Validation("defaultExecUser", fmt.Sprintf("no such user: %s", *doc.DefaultExecUser))
		}
	}

	restPort := DefaultRestListenPort
	if r := doc.Rest; r != nil {
		if err := normalizeRest(r, env); err != nil {
			return err
		}
		if r.ListenPort != nil {
			restPort = *r.ListenPort
		}
	}

	if doc.Labels != nil {
		doc.Labels[LabelHostName] = env.hostname()
	}

	if c := doc.Consul; c != nil {
		if c.URL != nil && *c.URL != "" && !consulURLPattern.MatchString(*c.URL) {
			log.Warn().Str("url", *c.URL).Msg("incorrect consul url")
			return errs.Validation("consul.url", fmt.Sprintf("incorrect consul url: %s", *c.URL))
		}
		if c.SessionTTLSeconds != nil && *c.SessionTTLSeconds < 5 {
			return errs.Validation("consul.sessionTtlSeconds", "session TTL should not be less than 5s")
		}
		c.defaultProxyURL = fmt.Sprintf("https://%s:%d", env.hostname(), restPort)
	}
	return nil
}

func normalizeRest(r *RestDocument, env Environment) error {
	if r.ListenPort != nil {
		if v := *r.ListenPort; v < 1000 || v > 65534 {
			log.Info().Int("value", v).Int("default", DefaultRestListenPort).Msg("rest.listenPort out of range, using default")
			r.ListenPort = Ptr(DefaultRestListenPort)
		}
	}
	if r.HTTPThreadPoolSize != nil {
		if v := *r.HTTPThreadPoolSize; v < 1 || v >= 40 {
			r.HTTPThreadPoolSize = Ptr(DefaultHTTPThreadPoolSize)
		}
	}
	if r.DockerProxyListenAddr != nil {
		addr := strings.ReplaceAll(*r.DockerProxyListenAddr, "https", "http")
		if addr != "" && !env.FileExists(dockerSocket) {
			log.Info().Msg("docker not installed or started, docker proxy disabled")
			addr = ""
		}
		r.DockerProxyListenAddr = Ptr(addr)
	}
	if s := r.SSL; s != nil {
		if s.CertificateFile != nil && *s.CertificateFile != "" && !env.FileExists(*s.CertificateFile) {
			return errs.Validation("rest.ssl.certificateFile", fmt.Sprintf("file not exist: %s", *s.CertificateFile))
		}
		if s.CertificateKeyFile != nil && *s.CertificateKeyFile != "" && !env.FileExists(*s.CertificateKeyFile) {
			return errs.Validation("rest.ssl.certificateKeyFile", fmt.Sprintf("file not exist: %s", *s.CertificateKeyFile))
		}
	}
	if j := r.JWT; j != nil && j.SecurityInterface != nil {
		switch iface := strings.ToLower(strings.TrimSpace(*j.SecurityInterface)); iface {
		case "":
			j.SecurityInterface = Ptr(DefaultSecurityInterface)
		case "local", "ldap":
			j.SecurityInterface = Ptr(iface)
		default:
			return errs.Validation("rest.jwt.securityInterface", fmt.Sprintf("unknown security interface: %s", *j.SecurityInterface))
		}
	}
	return nil
}

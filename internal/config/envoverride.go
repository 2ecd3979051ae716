package config

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// ApplyEnvOverride rewrites existing leaves of tree from variables named
// <prefix><key1>_<key2>_... in environ. Keys that are not already present are
// never created. A value that cannot be coerced is logged and skipped.
func ApplyEnvOverride(tree map[string]any, prefix string, environ []string) int {
	if prefix == "" {
		prefix = EnvPrefix
	}
	applied := 0
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		path := strings.Split(strings.TrimPrefix(name, prefix), "_")
		if applyPath(tree, path, value) {
			log.Info().Str("env", name).Str("value", value).Msg("configuration override applied")
			applied++
		}
	}
	return applied
}

func applyPath(node map[string]any, path []string, value string) bool {
	for i, key := range path {
		cur, ok := node[key]
		if !ok {
			return false
		}
		if i < len(path)-1 {
			next, ok := cur.(map[string]any)
			if !ok {
				return false
			}
			node = next
			continue
		}
		v, err := coerce(cur, value)
		if err != nil {
			log.Warn().Strs("path", path).Str("value", value).Err(err).Msg("configuration override skipped")
			return false
		}
		node[key] = v
		return true
	}
	return false
}

var errUnsupportedType = errors.New("unsupported value type")

func coerce(existing any, value string) (any, error) {
	switch existing.(type) {
	case string:
		return value, nil
	case json.Number, float64, int:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, err
		}
		return json.Number(strconv.Itoa(n)), nil
	case bool:
		if n, err := strconv.Atoi(value); err == nil {
			return n != 0, nil
		}
		return value != "false", nil
	default:
		return nil, errUnsupportedType
	}
}

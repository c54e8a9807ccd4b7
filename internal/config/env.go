package config

import (
	"strconv"
	"strings"
)

// EnvPrefix marks overlay variables: GPTBOT__EXCHANGE__SYMBOL=ETHUSDT sets
// exchange.symbol.
const EnvPrefix = "GPTBOT__"

func envOverlay(environ []string, prefix string) map[string]any {
	out := make(map[string]any)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		parts := strings.Split(strings.ToLower(strings.TrimPrefix(name, prefix)), "__")
		setNested(out, parts, castEnvValue(value))
	}
	return out
}

func setNested(root map[string]any, path []string, value any) bool {
	for _, p := range path {
		if strings.TrimSpace(p) == "" {
			return false
		}
	}
	node := root
	for _, p := range path[:len(path)-1] {
		child, ok := node[p].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[p] = child
		}
		node = child
	}
	node[path[len(path)-1]] = value
	return true
}

func castEnvValue(raw string) any {
	s := strings.TrimSpace(raw)
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

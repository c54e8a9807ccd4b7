package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// LoadOptions describes every configuration layer, lowest precedence first:
// env file, YAML (with includes), GPTBOT__ environment overlay, Overrides.
type LoadOptions struct {
	Path         string
	AllowMissing bool
	EnvFile      string
	Overrides    map[string]any
	Environ      []string
}

func Load(path string) (*Config, error) {
	return LoadWithOptions(LoadOptions{Path: path})
}

func LoadWithOptions(opts LoadOptions) (*Config, error) {
	if err := loadEnvFile(opts.EnvFile); err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigType("yaml")
	if path := strings.TrimSpace(opts.Path); path != "" {
		_, statErr := os.Stat(path)
		switch {
		case statErr == nil:
			files, err := resolveConfigIncludes(path)
			if err != nil {
				return nil, err
			}
			for _, file := range files {
				if err := mergeConfigFile(v, file); err != nil {
					return nil, fmt.Errorf("reading config file failed (%s): %w", file, err)
				}
			}
		case errors.Is(statErr, os.ErrNotExist) && opts.AllowMissing:
		default:
			return nil, fmt.Errorf("config file %s: %w", path, statErr)
		}
	}
	environ := opts.Environ
	if environ == nil {
		environ = os.Environ()
	}
	if overlay := envOverlay(environ, EnvPrefix); len(overlay) > 0 {
		if err := v.MergeConfigMap(overlay); err != nil {
			return nil, fmt.Errorf("merging environment overlay failed: %w", err)
		}
	}
	for key, val := range opts.Overrides {
		v.Set(key, val)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToTimeDurationHookFunc(),
		)
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	setKeys := make(keySet)
	collectSettingsKeys(v.AllSettings(), setKeys)
	cfg.applyDefaults(setKeys)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	// godotenv.Load never overrides variables already present in the process.
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

func mergeConfigFile(v *viper.Viper, path string) error {
	tmp := viper.New()
	tmp.SetConfigFile(path)
	if err := tmp.ReadInConfig(); err != nil {
		return err
	}
	return v.MergeConfigMap(tmp.AllSettings())
}

func resolveConfigIncludes(path string) ([]string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	files, err := collectConfigFiles(abs, make(map[string]bool), make(map[string]bool))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return []string{abs}, nil
	}
	return files, nil
}

func collectConfigFiles(path string, seen, stack map[string]bool) ([]string, error) {
	path = filepath.Clean(path)
	if stack[path] {
		return nil, fmt.Errorf("include cycle detected: %s", path)
	}
	if seen[path] {
		return nil, nil
	}
	stack[path] = true
	includes, err := parseIncludeList(path)
	if err != nil {
		return nil, fmt.Errorf("parsing include failed (%s): %w", path, err)
	}
	dir := filepath.Dir(path)
	var ordered []string
	for _, inc := range includes {
		incPath := inc
		if !filepath.IsAbs(inc) {
			incPath = filepath.Join(dir, inc)
		}
		sub, err := collectConfigFiles(incPath, seen, stack)
		if err != nil {
			return nil, err
		}
		ordered = append(ordered, sub...)
	}
	delete(stack, path)
	seen[path] = true
	return append(ordered, path), nil
}

func parseIncludeList(path string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	raw := v.Get("include")
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("include must be a string array")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		str, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("include only supports strings")
		}
		if str = strings.TrimSpace(str); str != "" {
			out = append(out, str)
		}
	}
	return out, nil
}

func collectSettingsKeys(settings map[string]any, dest keySet) {
	if len(settings) == 0 {
		return
	}
	flattenConfigKeys("", settings, dest)
}

func flattenConfigKeys(prefix string, node any, dest keySet) {
	switch val := node.(type) {
	case map[string]any:
		for k, v := range val {
			next := strings.ToLower(strings.TrimSpace(k))
			if next == "" {
				continue
			}
			if prefix != "" {
				next = prefix + "." + next
			}
			flattenConfigKeys(next, v, dest)
		}
	default:
		if prefix != "" {
			dest.mark(prefix)
		}
	}
}

// Redacted returns a copy with every secret masked.
func (c Config) Redacted() Config {
	out := c
	out.Exchange.APIKey = mask(out.Exchange.APIKey)
	out.Exchange.APISecret = mask(out.Exchange.APISecret)
	out.Chat.APIKey = mask(out.Chat.APIKey)
	out.Ledger.RedisPassword = mask(out.Ledger.RedisPassword)
	out.Exchange.Symbols = append([]string(nil), c.Exchange.Symbols...)
	return out
}

// DumpYAML renders the effective configuration with secrets masked.
func (c Config) DumpYAML() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

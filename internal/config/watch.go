package config

import (
	"context"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"gptbot/internal/logger"
)

// Watch reloads the configuration whenever the main YAML file changes and
// hands the new limits to onLimits. Invalid reloads are logged and dropped so
// the running limits stay in force.
func Watch(ctx context.Context, opts LoadOptions, onLimits func(LimitsConfig)) {
	path := strings.TrimSpace(opts.Path)
	if path == "" || onLimits == nil {
		return
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		logger.Warnf("config watch disabled: %v", err)
		return
	}
	var mu sync.Mutex
	v.OnConfigChange(func(ev fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}
		if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		cfg, err := LoadWithOptions(opts)
		if err != nil {
			logger.Warnf("config reload rejected (%s): %v", ev.Name, err)
			return
		}
		logger.Infof("config reloaded from %s: limits=%+v", ev.Name, cfg.Limits)
		onLimits(cfg.Limits)
	})
	v.WatchConfig()
}

package config

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ReloadChannel is the pub/sub channel the admin service publishes to
// after rewriting the YAML config file.
const ReloadChannel = "wayback:config:reload"

// ReloadListener subscribes to ReloadChannel and swaps the config
// snapshot whenever a notification arrives. Message payloads are opaque;
// the YAML file is re-read from the path the process started with.
type ReloadListener struct {
	client *redis.Client
	store  *Store
	logger *zap.Logger

	// onReload, when set, is invoked after each successful swap.
	onReload func(*Config)
}

// NewReloadListener constructs a listener bound to the given store.
func NewReloadListener(client *redis.Client, store *Store, logger *zap.Logger) *ReloadListener {
	return &ReloadListener{client: client, store: store, logger: logger}
}

// OnReload registers a callback invoked with each new snapshot.
func (l *ReloadListener) OnReload(fn func(*Config)) {
	l.onReload = fn
}

// Run blocks consuming reload notifications until the context finishes.
// A failed reload keeps the previous snapshot in place.
func (l *ReloadListener) Run(ctx context.Context) {
	path := l.store.Load().ConfigPath
	if path == "" {
		l.logger.Debug("no config file, reload listener disabled")
		return
	}

	sub := l.client.Subscribe(ctx, ReloadChannel)
	defer sub.Close()
	l.logger.Info("subscribed for config reload", zap.String("channel", ReloadChannel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			l.logger.Info("config reload signal received", zap.String("payload", msg.Payload))
			cfg, err := Load(New(), path)
			if err != nil {
				l.logger.Warn("config reload failed, keeping previous config", zap.Error(err))
				continue
			}
			l.store.Swap(cfg)
			l.logger.Info("config reloaded",
				zap.String("target_date", cfg.Proxy.TargetDate),
				zap.String("speed", cfg.Throttle.Speed),
				zap.String("access_mode", cfg.Access.Mode))
			if l.onReload != nil {
				l.onReload(cfg)
			}
		}
	}
}

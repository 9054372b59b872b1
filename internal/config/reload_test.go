package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const reloadBaseConfig = `
throttle:
  speed: unlimited
`

func TestReloadListenerSwapsConfig(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	path := writeConfigFile(t, reloadBaseConfig)
	cfg, err := Load(New(), path)
	require.NoError(t, err)
	require.Equal(t, "unlimited", cfg.Throttle.Speed)

	store := NewStore(cfg)
	listener := NewReloadListener(client, store, zap.NewNop())

	reloaded := make(chan *Config, 1)
	listener.OnReload(func(c *Config) { reloaded <- c })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Run(ctx)

	// Give the subscription a moment to establish before publishing.
	require.Eventually(t, func() bool {
		n, err := client.Publish(ctx, ReloadChannel, "reload").Result()
		return err == nil && n > 0
	}, 2*time.Second, 20*time.Millisecond)

	// Drain the notification for the unchanged file.
	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("reload listener did not react to the first publish")
	}

	// Edit the file, publish again: the snapshot must swap.
	require.NoError(t, os.WriteFile(path, []byte("throttle:\n  speed: 56k\n"), 0o644))
	_, err = client.Publish(ctx, ReloadChannel, "reload").Result()
	require.NoError(t, err)

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("reload listener did not react to the second publish")
	}
	require.Equal(t, "56k", store.Load().Throttle.Speed)
	require.Equal(t, path, store.Load().ConfigPath, "reloaded snapshot keeps the config path")
}

func TestReloadListenerKeepsOldConfigOnError(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	path := writeConfigFile(t, reloadBaseConfig)
	cfg, err := Load(New(), path)
	require.NoError(t, err)
	store := NewStore(cfg)
	listener := NewReloadListener(client, store, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Run(ctx)

	require.Eventually(t, func() bool {
		n, err := client.Publish(ctx, ReloadChannel, "x").Result()
		return err == nil && n > 0
	}, 2*time.Second, 20*time.Millisecond)

	// Break the file: the listener must keep the previous snapshot.
	require.NoError(t, os.WriteFile(path, []byte("throttle:\n  speed: warp9\n"), 0o644))
	_, err = client.Publish(ctx, ReloadChannel, "x").Result()
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	require.Equal(t, "unlimited", store.Load().Throttle.Speed)
}

func TestReloadListenerDisabledWithoutConfigFile(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	listener := NewReloadListener(client, NewStore(cfg), zap.NewNop())

	done := make(chan struct{})
	go func() {
		listener.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener without a config file must return immediately")
	}
}

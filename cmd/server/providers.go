package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/benbjohnson/clock"
	"github.com/npezzotti/famchat-relay/internal/api"
	"github.com/npezzotti/famchat-relay/internal/auth"
	"github.com/npezzotti/famchat-relay/internal/bridge"
	"github.com/npezzotti/famchat-relay/internal/bus"
	"github.com/npezzotti/famchat-relay/internal/config"
	"github.com/npezzotti/famchat-relay/internal/database"
	"github.com/npezzotti/famchat-relay/internal/fallback"
	"github.com/npezzotti/famchat-relay/internal/presence"
	"github.com/npezzotti/famchat-relay/internal/push"
	"github.com/npezzotti/famchat-relay/internal/registry"
	"github.com/npezzotti/famchat-relay/internal/relay"
	"github.com/npezzotti/famchat-relay/internal/server"
	"github.com/npezzotti/famchat-relay/internal/stats"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const localDedupeSize = 100_000

func newServeMux() *http.ServeMux {
	return http.NewServeMux()
}

func newStats(mux *http.ServeMux) stats.StatsProvider {
	su := stats.NewStatsUpdater(mux)
	su.RegisterMetric(stats.BusConnected)
	return su
}

func newRegistry() *registry.Registry {
	return registry.New()
}

func newDatabase(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (database.Repository, error) {
	if cfg.Migrate {
		version, err := database.Migrate(cfg.DatabaseDSN, cfg.MigrationsURL)
		if err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info("database migrated", zap.Uint("version", version))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	repo, err := database.NewPgRepository(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}

	lc.Append(fx.StopHook(func() error {
		log.Info("closing database")
		return repo.Close()
	}))

	return database.WithParticipantCache(repo, cfg.ParticipantsSize, cfg.ParticipantsTTL), nil
}

// newRedisClient returns nil when no redis address is configured. The
// relay then runs with local presence and local fallback dedupe, which is
// only correct for a single process.
func newRedisClient(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*redis.Client, error) {
	if cfg.RedisAddr == "" {
		if cfg.BusDriver == config.BusRedis {
			return nil, errors.New("redis bus requires redis.addr")
		}
		log.Warn("no redis configured, presence and fallback dedupe are process local")
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	lc.Append(fx.StopHook(func() error {
		log.Info("closing redis client")
		return client.Close()
	}))

	return client, nil
}

func busStatus(su stats.StatsProvider) bus.StatusFunc {
	return func(connected bool) {
		if connected {
			su.Set(stats.BusConnected, 1)
		} else {
			su.Set(stats.BusConnected, 0)
		}
	}
}

func newBus(lc fx.Lifecycle, cfg *config.Config, client *redis.Client, su stats.StatsProvider, log *zap.Logger) (bus.Bus, error) {
	log = log.Named("bus")

	var (
		b   bus.Bus
		err error
	)
	switch cfg.BusDriver {
	case config.BusNats:
		b, err = bus.DialNats(cfg.NatsURL, "famchat-relay-"+cfg.InstanceId, log, busStatus(su))
		if err != nil {
			return nil, err
		}
	default:
		b = bus.NewRedisBus(client, log, bus.WithRedisStatus(busStatus(su)))
	}

	lc.Append(fx.StopHook(func() error {
		log.Info("closing bus")
		return b.Close()
	}))

	return b, nil
}

// newDirectory returns a nil Directory, not a nil *RedisDirectory, when
// redis is absent so the tracker falls back to local sessions.
func newDirectory(cfg *config.Config, client *redis.Client) presence.Directory {
	if client == nil {
		return nil
	}
	return presence.NewRedisDirectory(client, cfg.InstanceId, clock.New())
}

func newTracker(b bus.Bus, repo database.Repository, dir presence.Directory, reg *registry.Registry,
	cfg *config.Config, log *zap.Logger) *presence.Tracker {
	return presence.NewTracker(b, repo, dir, reg, clock.New(), cfg.InstanceId, log.Named("presence"))
}

func newRelay(repo database.Repository, b bus.Bus, su stats.StatsProvider, cfg *config.Config, log *zap.Logger) *relay.Relay {
	return relay.New(repo, b, su, cfg.InstanceId, log.Named("relay"))
}

func newDeduper(cfg *config.Config, client *redis.Client) fallback.Deduper {
	if client == nil {
		return fallback.NewLRUDeduper(localDedupeSize, cfg.FallbackDedupeTTL)
	}
	return fallback.NewRedisDeduper(client, cfg.FallbackDedupeTTL)
}

func newPushSender(cfg *config.Config, log *zap.Logger) push.Sender {
	if cfg.PushEndpoint == "" {
		log.Warn("no push endpoint configured, fallback notifications are only logged")
		return push.NewLogSender(log.Named("push"))
	}
	return push.NewHTTPSender(cfg.PushEndpoint, cfg.PushAccessToken)
}

func newDispatcher(repo database.Repository, sender push.Sender, dedupe fallback.Deduper,
	su stats.StatsProvider, log *zap.Logger) *fallback.Dispatcher {
	return fallback.NewDispatcher(repo, sender, dedupe, su, log.Named("fallback"))
}

func newAuth(cfg *config.Config) *auth.JWTVerifier {
	return auth.NewJWTVerifier(cfg.SigningKey)
}

func newGateway(reg *registry.Registry, verifier *auth.JWTVerifier, r *relay.Relay, t *presence.Tracker,
	repo database.Repository, su stats.StatsProvider, cfg *config.Config, log *zap.Logger) *server.Gateway {
	return server.NewGateway(log.Named("gateway"), reg, verifier, r, t, repo, su, cfg.AllowedOrigins)
}

func newBridge(reg *registry.Registry, repo database.Repository, gw *server.Gateway, d *fallback.Dispatcher,
	dir presence.Directory, su stats.StatsProvider, cfg *config.Config, log *zap.Logger) *bridge.Bridge {
	var online bridge.OnlineChecker
	if dir != nil {
		online = dir
	}

	b := bridge.New(reg, repo, gw, d, online, su, log.Named("bridge"))
	b.SetFallbackLimit(cfg.FallbackConcurrency)
	return b
}

func newRelayApp(mux *http.ServeMux, gw *server.Gateway, repo database.Repository, cfg *config.Config, log *zap.Logger) *api.RelayApp {
	return api.NewRelayApp(mux, log.Named("http"), gw, repo, cfg)
}

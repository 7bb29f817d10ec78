package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/npezzotti/famchat-relay/internal/config"
	"github.com/npezzotti/famchat-relay/internal/logging"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a config file (yaml, toml or json)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	fx.New(options(cfg, logger)).Run()
}

// options is the whole process graph.
func options(cfg *config.Config, logger *zap.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg, logger),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		fx.StopTimeout(shutdownTimeout),
		fx.Provide(
			newServeMux,
			newStats,
			newRegistry,
			newDatabase,
			newRedisClient,
			newBus,
			newDirectory,
			newTracker,
			newRelay,
			newDeduper,
			newPushSender,
			newDispatcher,
			newAuth,
			newGateway,
			newBridge,
			newRelayApp,
		),
		fx.Invoke(registerLifecycle),
	)
}

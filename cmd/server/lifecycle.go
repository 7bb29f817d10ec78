package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/npezzotti/famchat-relay/internal/api"
	"github.com/npezzotti/famchat-relay/internal/bridge"
	"github.com/npezzotti/famchat-relay/internal/bus"
	"github.com/npezzotti/famchat-relay/internal/presence"
	"github.com/npezzotti/famchat-relay/internal/server"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// registerLifecycle appends the hooks in start order. fx stops them in
// reverse: HTTP server, gateway (offline presence is published while the
// bus is still open), bus subscription and queued fallbacks, presence
// heartbeat. The bus, redis and database close hooks were appended by their
// constructors and run after these.
func registerLifecycle(lc fx.Lifecycle, sd fx.Shutdowner, b bus.Bus, br *bridge.Bridge, gw *server.Gateway,
	tr *presence.Tracker, app *api.RelayApp, log *zap.Logger) {
	beatCtx, stopBeat := context.WithCancel(context.Background())
	beatDone := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(beatDone)
				tr.Run(beatCtx, presence.HeartbeatInterval)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopBeat()
			select {
			case <-beatDone:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})

	runCtx, stopRun := context.WithCancel(context.Background())
	runDone := make(chan error, 1)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				err := b.Run(runCtx, br.OnBusMessage)
				if err != nil {
					log.Error("bus subscription", zap.Error(err))
				}
				runDone <- err
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("stopping bus subscription")
			stopRun()
			select {
			case err := <-runDone:
				if err != nil {
					return err
				}
			case <-ctx.Done():
				return ctx.Err()
			}
			return br.Drain(ctx)
		},
	})

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Info("shutting down gateway...")
			return gw.Shutdown(ctx)
		},
	})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := app.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server", zap.Error(err))
					if err := sd.Shutdown(fx.ExitCode(1)); err != nil {
						log.Error("request shutdown", zap.Error(err))
					}
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return app.Shutdown(ctx)
		},
	})
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/novatra/novatra/app/artifact"
	"github.com/novatra/novatra/app/health"
	"github.com/novatra/novatra/app/repository"
	"github.com/novatra/novatra/client"
	"github.com/novatra/novatra/config"
	"github.com/novatra/novatra/events"
	"github.com/novatra/novatra/gateway"
	"github.com/novatra/novatra/log"
	"github.com/novatra/novatra/manager"
	"github.com/novatra/novatra/server"
	"github.com/novatra/novatra/worker"
)

func main() {
	app := fx.New(options())

	startCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start application: %v\n", err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.LogAppInfo("received signal, shutting down", "signal", sig.String())

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		log.LogAppErr("graceful shutdown failed", err)
		log.Sync()
		os.Exit(1)
	}
	log.Sync()
}

func options() fx.Option {
	return fx.Options(
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		fx.Provide(
			config.New,
			newLogger,
			newClients,
			newManager,
			newGateway,
			newRouter,
		),
		fx.Invoke(
			recoverReferences,
			runBackground,
			runServers,
		),
	)
}

func newLogger(cfg *config.Config) *zap.Logger {
	return log.SetUpLogger(cfg.Debug)
}

func newClients(lc fx.Lifecycle, cfg *config.Config) (*client.Clients, error) {
	clients, err := client.SetUpClients(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return clients.Close()
		},
	})
	return clients, nil
}

func newManager(cfg *config.Config, clients *client.Clients) *manager.Manager {
	return manager.New(clients.Index, clients.Blobs, clients.Bus, manager.Options{
		ReleaseRetries: cfg.Manager.ReleaseRetries,
		RetryInterval:  cfg.Manager.RetryInterval,
		Recorder:       clients.Recorder,
	})
}

func newGateway(lc fx.Lifecycle, cfg *config.Config, clients *client.Clients, mgr *manager.Manager) *gateway.Gateway {
	gw := gateway.New(clients.Bus, gateway.Options{
		BufferSize:   cfg.Gateway.BufferSize,
		WriteTimeout: cfg.Gateway.WriteTimeout,
		PingInterval: cfg.Gateway.PingInterval,
		Recorder:     clients.Recorder,
		Authorize: func(ctx context.Context, repositoryID string) error {
			_, err := mgr.GetRepository(ctx, repositoryID)
			return err
		},
	})
	lc.Append(fx.Hook{
		OnStop: gw.Close,
	})
	return gw
}

func newRouter(cfg *config.Config, clients *client.Clients, mgr *manager.Manager, gw *gateway.Gateway) *gin.Engine {
	return server.InitRoutes(cfg, server.Handlers{
		Health: health.HealthService{
			Version: cfg.Version,
			Checks: map[string]health.Checker{
				"index": func(ctx context.Context) error {
					_, err := clients.Index.Stats(ctx)
					return err
				},
			},
		},
		Repositories: repository.RepositoryService{Manager: mgr},
		Artifacts:    artifact.ArtifactService{Manager: mgr, MaxUpload: cfg.Server.MaxUpload},
		Gateway:      gw,
	})
}

// recoverReferences rebuilds blob reference counts before any request is
// served.
func recoverReferences(lc fx.Lifecycle, mgr *manager.Manager) {
	lc.Append(fx.Hook{
		OnStart: mgr.Recover,
	})
}

func runBackground(lc fx.Lifecycle, cfg *config.Config, clients *client.Clients) {
	ctx, cancel := context.WithCancel(context.Background())
	collector := worker.InitializeCollector(clients.Blobs, clients.Index, clients.Recorder,
		cfg.Blobstore.GCInterval, cfg.Blobstore.GracePeriod)
	notifier := events.NewSlackNotifier(clients.Bus, cfg.Notifications.SlackWebhookURL, cfg.Notifications.BufferSize)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go collector.Run(ctx)
			go notifier.Run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func runServers(lc fx.Lifecycle, cfg *config.Config, clients *client.Clients, router *gin.Engine, gw *gateway.Gateway) {
	srv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	// event streams never go idle on their own
	srv.RegisterOnShutdown(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := gw.Close(ctx); err != nil {
			log.LogAppWarn("event streams still open at shutdown", err)
		}
	})

	metricsRouter := gin.New()
	metricsRouter.GET("/metrics", gin.WrapH(promhttp.HandlerFor(clients.Recorder.Registry(), promhttp.HandlerOpts{})))
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr(),
		Handler: metricsRouter,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.LogAppInfo("starting server", "addr", srv.Addr, "metrics_addr", metricsServer.Addr,
				"version", cfg.Version, "environment", cfg.Environment, "go_version", runtime.Version())
			go func() {
				if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.LogAppErr("metrics server stopped", err)
				}
			}()
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.LogAppErr("server stopped", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := metricsServer.Shutdown(ctx); err != nil {
				log.LogAppErr("metrics server shutdown failed", err)
			}
			if err := srv.Shutdown(ctx); err != nil {
				return err
			}
			log.LogAppInfo("server shutdown complete")
			return nil
		},
	})
}

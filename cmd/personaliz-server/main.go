package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bcrosbie/personaliz/internal/config"
	"github.com/bcrosbie/personaliz/internal/logging"
	"github.com/bcrosbie/personaliz/internal/poller"
	"github.com/bcrosbie/personaliz/internal/redact"
	"github.com/bcrosbie/personaliz/internal/service"
	"github.com/bcrosbie/personaliz/internal/settings"
	"github.com/bcrosbie/personaliz/internal/store"
	grpcx "github.com/bcrosbie/personaliz/internal/transport/grpc"
	httpx "github.com/bcrosbie/personaliz/internal/transport/http"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func main() {
	cfg := config.Load()
	logger := logging.MustNew(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hubStore, storeName, err := buildStore(ctx, cfg)
	if err != nil {
		logger.Fatal("store setup failed", zap.Error(err))
	}
	defer func() {
		if err := hubStore.Close(); err != nil {
			logger.Warn("store close failed", zap.Error(err))
		}
	}()

	settingsFile := settings.NewFileStore(cfg.SettingsPath)
	executor := service.NewExecutor(hubStore, service.ExecutorOptions{
		WorkDir:  cfg.AgentWorkDir,
		UsePTY:   cfg.AgentUsePTY,
		Redactor: redact.New(cfg.RedactTranscripts, nil),
		Secrets: func() []string {
			doc, err := settingsFile.Load()
			if err != nil || doc.LLMAPIKey == "" {
				return nil
			}
			return []string{doc.LLMAPIKey}
		},
	}, logger)

	eventPoller := poller.New(hubStore, poller.Options{
		Checker: poller.NewHTTPChecker(cfg.CheckTimeout),
		Action:  executor,
		Logger:  logger,
		Tick:    cfg.PollTick,
	})

	var scheduler *service.AgentScheduler
	if cfg.AgentScheduler {
		scheduler = service.NewAgentScheduler(hubStore, executor, logger)
	}

	hub := service.NewHubService(service.Dependencies{
		Store:     hubStore,
		Poller:    eventPoller,
		Settings:  settingsFile,
		Executor:  executor,
		Scheduler: scheduler,
		Logger:    logger,
		StoreName: storeName,
	})

	if cfg.PollerAutostart {
		logger.Info("event poller autostart", zap.String("status", eventPoller.Start()), zap.Duration("tick", cfg.PollTick))
	}
	if scheduler != nil {
		if err := scheduler.Start(ctx); err != nil {
			logger.Fatal("agent scheduler start failed", zap.Error(err))
		}
		logger.Info("agent scheduler started", zap.Int("agents", scheduler.Len()))
	}

	listener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("grpc listen failed", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
	}
	grpcServer := grpcx.NewServer(hub, grpcx.ServerOptions{
		AuthToken:        cfg.AuthToken,
		EnableReflection: cfg.EnableReflection,
		Logger:           logger,
	})

	go func() {
		logger.Info("grpc server listening", zap.String("addr", cfg.GRPCAddr), zap.String("store", storeName))
		if cfg.AuthToken == "" {
			logger.Warn("PERSONALIZ_AUTH_TOKEN is not set; write methods are unauthenticated")
		}
		if err := grpcServer.Serve(listener); err != nil {
			logger.Fatal("grpc serve failed", zap.Error(err))
		}
	}()

	var httpServer *http.Server
	if strings.TrimSpace(cfg.HTTPAddr) != "" {
		httpServer = httpx.NewServer(cfg.HTTPAddr, hub, httpx.Options{AuthToken: cfg.AuthToken, Logger: logger})
		go func() {
			logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal("http serve failed", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	shutdown(logger, grpcServer, httpServer, eventPoller, scheduler)
}

func shutdown(logger *zap.Logger, server *grpc.Server, httpServer *http.Server, eventPoller *poller.Poller, scheduler *service.AgentScheduler) {
	logger.Info("shutdown signal received; draining")

	done := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("grpc server stopped gracefully")
	case <-time.After(5 * time.Second):
		logger.Warn("graceful timeout reached; forcing stop")
		server.Stop()
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown failed", zap.Error(err))
		}
	}

	if scheduler != nil {
		scheduler.Stop()
	}
	eventPoller.Stop()
	eventPoller.Wait()
	logger.Info("event poller stopped")
}

func buildStore(ctx context.Context, cfg config.Config) (store.Store, string, error) {
	switch cfg.StoreDriver {
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, "", errors.New("PERSONALIZ_STORE_DRIVER=postgres requires DATABASE_URL")
		}
		pgStore, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, "", err
		}
		return pgStore, string(store.DialectPostgres), nil
	case "", "sqlite":
		sqliteStore, err := store.OpenSQLite(ctx, cfg.DBPath)
		if err != nil {
			return nil, "", err
		}
		return sqliteStore, string(store.DialectSQLite), nil
	default:
		return nil, "", fmt.Errorf("unsupported PERSONALIZ_STORE_DRIVER %q; expected sqlite|postgres", cfg.StoreDriver)
	}
}

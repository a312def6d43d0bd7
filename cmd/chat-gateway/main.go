package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cwrk-planet/chat-gateway/config"
	"github.com/cwrk-planet/chat-gateway/internal/postgres"
	"github.com/cwrk-planet/chat-gateway/internal/relay"
	"github.com/cwrk-planet/chat-gateway/internal/security"
	"github.com/cwrk-planet/chat-gateway/internal/service"
	grpcx "github.com/cwrk-planet/chat-gateway/internal/transport/grpc"
	httpx "github.com/cwrk-planet/chat-gateway/internal/transport/http"
	"github.com/cwrk-planet/chat-gateway/internal/transport/ws"
	"github.com/cwrk-planet/chat-gateway/pkg/logger"

	"google.golang.org/grpc"
)

func main() {
	// --- config ---
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	backend, err := logger.ParseBackend(cfg.Logging.Backend)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	lg := logger.Init(logger.Config{
		Env:       logger.ParseEnv(cfg.Logging.Env),
		Service:   cfg.Logging.Service,
		Version:   cfg.Logging.Version,
		Level:     level,
		Backend:   backend,
		AddSource: cfg.Logging.AddSource,
		Debug:     cfg.Logging.Debug,
	})
	lg.Info("starting chat-gateway",
		"env", cfg.Logging.Env, "version", cfg.Logging.Version)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- postgres ---
	db, err := postgres.New(ctx, cfg.Postgres.ToPGConfig())
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer db.Close()

	// --- jwt ---
	signer, err := newVerifier(cfg.JWT)
	if err != nil {
		log.Fatalf("jwt: %v", err)
	}

	// --- repos ---
	userRepo := postgres.NewUserRepository(db.Pool)
	projectRepo := postgres.NewProjectRepository(db.Pool)
	chatRepo := postgres.NewChatRepository(db.Pool)

	// --- services ---
	identitySvc := service.NewIdentityService(signer, userRepo)
	accessSvc := service.NewAccessService(projectRepo)
	chatSvc := service.NewChatService(chatRepo, cfg.WS.MaxBodyRunes)

	// --- WS registry & relay ---
	registry := ws.NewRegistry()
	var fanout ws.Fanout = registry
	if cfg.Relay.Enabled() {
		rl, err := relay.NewRedis(ctx, relay.Config{
			Addr:          cfg.Relay.Addr,
			Password:      cfg.Relay.Password,
			DB:            cfg.Relay.DB,
			ChannelPrefix: cfg.Relay.ChannelPrefix,
		}, registry, lg)
		if err != nil {
			log.Fatalf("relay: %v", err)
		}
		if err := rl.Start(ctx); err != nil {
			log.Fatalf("relay: %v", err)
		}
		defer func() { _ = rl.Close() }()
		fanout = rl
	}

	gateway := ws.NewGateway(ws.Config{
		SendBuffer:      cfg.WS.SendBuffer,
		WriteWait:       cfg.WS.WriteWait,
		PingInterval:    cfg.WS.PingInterval,
		MaxMessageBytes: cfg.WS.MaxMessageBytes,
		StoreTimeout:    cfg.WS.StoreTimeout,
		RateLimit:       cfg.WS.RateLimit,
		RateBurst:       cfg.WS.RateBurst,
		AllowedOrigins:  cfg.HTTP.AllowedOrigins,
	}, identitySvc, accessSvc, chatSvc, registry, fanout, lg)

	// --- HTTP ---
	router := httpx.NewRouter(httpx.Deps{
		Handler:        httpx.NewHandler(chatSvc, accessSvc),
		Auth:           identitySvc,
		WS:             gateway.HandleWS,
		DB:             db,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Logger:         lg,
	})
	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	// --- gRPC ---
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcx.UnaryServerInterceptor(cfg.GRPC.RequestTimeout)),
		grpc.ChainStreamInterceptor(grpcx.StreamServerInterceptor()),
	)
	grpcx.Register(grpcServer, grpcx.NewServer(identitySvc, accessSvc, chatSvc))
	grpcx.NewHealth(ctx, grpcServer, db, cfg.GRPC.HealthInterval, lg)

	// --- run both servers ---
	errCh := make(chan error, 2)

	go func() {
		lg.Info("http listen", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go func() {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			errCh <- err
			return
		}
		lg.Info("grpc listen", "addr", cfg.GRPC.Addr)
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- err
		}
	}()

	// --- graceful shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		lg.Info("shutdown signal", "sig", sig.String())
	case err := <-errCh:
		lg.Error("server error", "err", err)
	}

	// сначала сессии: going-away всем, реестр пуст
	wsCtx, wsCancel := context.WithTimeout(context.Background(), cfg.WS.ShutdownTimeout)
	if err := gateway.Shutdown(wsCtx); err != nil {
		lg.Warn("ws shutdown incomplete", slog.Any("err", err))
	}
	wsCancel()

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stop()
	grpcServer.GracefulStop()
	_ = httpSrv.Shutdown(ctxShutdown)
	lg.Info("stopped")
}

// newVerifier: в проде только публичный ключ; приватный — для dev, чтобы выпускать токены локально.
func newVerifier(cfg config.JWT) (*security.JWTSigner, error) {
	var (
		priv *rsa.PrivateKey
		pub  *rsa.PublicKey
		err  error
	)
	if cfg.PrivateKeyPath != "" {
		if priv, err = security.LoadRSAPrivateKeyFromPEM(cfg.PrivateKeyPath); err != nil {
			return nil, err
		}
	}
	if cfg.PublicKeyPath != "" {
		if pub, err = security.LoadRSAPublicKeyFromPEM(cfg.PublicKeyPath); err != nil {
			return nil, err
		}
	}
	return security.NewJWTSigner(priv, pub, cfg.Issuer, cfg.Audience, 15*time.Minute, cfg.ClockSkew), nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"gigwire/internal/servicetoken"
	"gigwire/internal/usertoken"
	"gigwire/internal/util"
	"gigwire/pkg/bus"
	"gigwire/pkg/storage"
	"gigwire/pkg/store"
	"gigwire/services/messaging/internal/app"
	"gigwire/services/messaging/internal/chat"
	"gigwire/services/messaging/internal/config"
	"gigwire/services/messaging/internal/dispatch"
	"gigwire/services/messaging/internal/jobsclient"
	"gigwire/services/messaging/internal/presence"
	"gigwire/services/messaging/internal/security"
	"gigwire/services/messaging/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		util.Fatal("failed to parse trusted proxies", "err", err)
	}

	jwtLeeway, err := config.ParseUserJWTLeeway(cfg.UserJWTLeeway)
	if err != nil {
		util.Fatal("failed to parse user jwt leeway", "err", err)
	}
	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.UserJWKSURL,
		Issuer:     cfg.UserJWTIssuer,
		Audience:   cfg.UserJWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		util.Fatal("failed to init jwks verifier", "err", err)
	}

	signer, err := servicetoken.NewSignerWithOptions(servicetoken.SignerOptions{
		PrivateKeyPath: cfg.InternalJWTPrivateKeyPath,
		KeyID:          cfg.InternalJWTKeyID,
		Issuer:         "messaging",
	})
	if err != nil {
		util.Fatal("failed to init internal jwt signer", "err", err)
	}
	verifyKeys, err := servicetoken.ParseVerifyPublicKeys(cfg.InternalJWTVerifyPublicKeys)
	if err != nil {
		util.Fatal("failed to parse internal jwt verify public keys", "err", err)
	}
	allowedIssuers := cfg.InternalJWTAllowedIssuers
	if len(allowedIssuers) == 0 {
		allowedIssuers = []string{"jobs", "payments"}
	}
	serviceVerifier, err := servicetoken.NewVerifierWithOptions(servicetoken.VerifierOptions{
		PublicKeyPath:      cfg.InternalJWTPublicKeyPath,
		VerifyPublicKeyMap: verifyKeys,
		DefaultKeyID:       cfg.InternalJWTKeyID,
		Audience:           "messaging",
		AllowedIssuers:     allowedIssuers,
	})
	if err != nil {
		util.Fatal("failed to init internal jwt verifier", "err", err)
	}

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init postgres store", "err", err)
	}
	eventBus, err := bus.NewAMQPBus(bus.AMQPBusConfig{
		URL:      cfg.AMQPURL,
		Exchange: cfg.EventsExchange,
		Queue:    cfg.EventsQueue,
		Logger:   logger,
	})
	if err != nil {
		util.Fatal("failed to connect event bus", "err", err)
	}
	objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		util.Fatal("failed to init object store", "err", err)
	}

	registry := chat.NewRegistry(logger)
	tracker, err := presence.NewTracker(cfg.RedisAddr, cfg.RedisPassword, 0, app.TypingNotifier(registry), logger)
	if err != nil {
		util.Fatal("failed to init presence tracker", "err", err)
	}
	jobs, err := jobsclient.NewClient(cfg.JobsServiceURL, signer)
	if err != nil {
		util.Fatal("failed to init jobs client", "err", err)
	}

	appCore, err := app.New(app.Config{
		Store:              dataStore,
		Registry:           registry,
		Typing:             tracker,
		Objects:            objects,
		Jobs:               jobs,
		Logger:             logger,
		MaxAttachmentBytes: cfg.MaxAttachmentBytes,
		AttachmentURLTTL:   time.Duration(cfg.AttachmentURLTTLSeconds) * time.Second,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}
	dispatcher, err := dispatch.New(dispatch.Config{
		Bus:      eventBus,
		Store:    dataStore,
		Registry: registry,
		Jobs:     jobs,
		Logger:   logger,
	})
	if err != nil {
		util.Fatal("failed to init dispatcher", "err", err)
	}
	httpServer, err := server.New(server.Config{
		App:                       appCore,
		Registry:                  registry,
		Bus:                       eventBus,
		TokenVerifier:             tokenVerifier,
		ServiceVerifier:           serviceVerifier,
		Alerter:                   security.NewAuditAlerter(cfg.RedisAddr, cfg.RedisPassword, ""),
		Logger:                    logger,
		RedisAddr:                 cfg.RedisAddr,
		RedisPassword:             cfg.RedisPassword,
		AllowedOrigins:            cfg.AllowedOrigins,
		TrustedProxies:            trustedProxies,
		ConnectRateLimitPerMinute: cfg.ConnectRateLimitPerMinute,
		EventsRateLimitPerMinute:  cfg.EventsRateLimitPerMinute,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("messaging server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("messaging server shutting down")
		registry.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if closeErr := eventBus.Close(); closeErr != nil {
		logger.Warn("event bus close", "err", closeErr)
	}
	if closeErr := tracker.Close(); closeErr != nil {
		logger.Warn("presence tracker close", "err", closeErr)
	}
	if err != nil {
		logger.Error("messaging service stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("messaging service stopped")
}

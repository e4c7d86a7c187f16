package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/park285/cheese-match-server/internal/config"
	"github.com/park285/cheese-match-server/internal/hub"
	"github.com/park285/cheese-match-server/internal/identity"
	"github.com/park285/cheese-match-server/internal/msgcat"
	"github.com/park285/cheese-match-server/internal/obslog"
	"github.com/park285/cheese-match-server/internal/session"
	"github.com/park285/cheese-match-server/internal/store"
	"github.com/park285/cheese-match-server/internal/transport"
	"go.uber.org/zap"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Printf("failed to load .env: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()
	logger := obslog.L()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("store init error: %v", err)
	}
	defer func() { _ = st.Close() }()

	verifier, err := openVerifier(cfg)
	if err != nil {
		log.Fatalf("identity init error: %v", err)
	}

	cat, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		log.Fatalf("message catalog error: %v", err)
	}

	reg := session.NewRegistry(st,
		session.WithIdleTimeout(cfg.SessionIdle),
		session.WithMaxResident(cfg.MaxResidentSessions),
		session.WithRegistryLogger(logger),
	)
	opts := []session.Option{
		session.WithCodeRetryLimit(cfg.CodeRetryLimit),
		session.WithLogger(logger),
	}
	if cfg.DatabaseURL != "" {
		archive, err := store.NewArchive(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("archive init error: %v", err)
		}
		defer func() { _ = archive.Close() }()
		opts = append(opts, session.WithArchive(archive))
	}
	mgr := session.NewManager(st, reg, opts...)
	h := hub.New(mgr, cat, logger)
	mgr.SetPublisher(h)

	srv := transport.New(mgr, h, verifier, cat, transport.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		SendBuffer:     cfg.SendBuffer,
		Health:         st.Ping,
	}, logger)
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go reg.Run(ctx, cfg.SweepInterval)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server_listen", zap.String("addr", cfg.ListenAddr))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server_failed", zap.Error(err))
			os.Exit(1)
		}
	}

	logger.Info("server_shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h.CloseAll(transport.ShutdownReason)
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server_shutdown_error", zap.Error(err))
	}
	mgr.Wait()
}

func openStore(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (store.Store, error) {
	if cfg.RedisURL == "" {
		logger.Warn("store_memory", zap.String("note", "REDIS_URL not set, matches will not survive a restart"))
		return store.NewMemory(), nil
	}
	rs, err := store.OpenRedis(ctx, cfg.RedisURL, cfg.MatchTTL)
	if err != nil {
		return nil, err
	}
	return rs, nil
}

func openVerifier(cfg *config.AppConfig) (identity.Verifier, error) {
	if cfg.IdentityTokensFile != "" {
		return identity.LoadStatic(cfg.IdentityTokensFile)
	}
	return identity.NewRemote(cfg.IdentityURL), nil
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/circlely/server/internal/auth"
	"github.com/circlely/server/internal/config"
	"github.com/circlely/server/internal/db"
	"github.com/circlely/server/internal/friends"
	httphandler "github.com/circlely/server/internal/http"
	"github.com/circlely/server/internal/http/handlers"
	"github.com/circlely/server/internal/logging"
	"github.com/circlely/server/internal/notify"
	"github.com/circlely/server/internal/repo"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env from CWD or server/ so it works from repo root or server/ (env vars override)
	_ = godotenv.Load(".env")
	_ = godotenv.Load("server/.env")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx := context.Background()

	database, err := db.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.Migrate(ctx, database); err != nil {
		return err
	}

	userRepo := repo.NewUserRepo(database)
	otpRepo := repo.NewOtpRepo(database)
	refreshRepo := repo.NewRefreshRepo(database)
	friendRepo := repo.NewFriendRepo(database)

	var mailer notify.Mailer = notify.NewLogMailer(log)
	if cfg.SMTP.Host != "" {
		mailer = notify.NewSMTPMailer(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}, log)
	} else {
		log.Warn("SMTP_HOST not set, OTP mails are only logged")
	}

	var publisher notify.Publisher = notify.NewLogPublisher(log)
	if cfg.RedisURL != "" {
		rdb, err := notify.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		publisher = notify.NewRedisPublisher(rdb, log)
	}

	jwtService := auth.NewJWTService(cfg.JWTSecret, cfg.AccessTokenTTL)
	otps := auth.NewOTPService(otpRepo, cfg.OTPSalt, cfg.OTPTTL, cfg.DevMode, log)
	tokens := auth.NewTokenService(jwtService, refreshRepo, userRepo, cfg.RefreshTokenTTL)
	authService := auth.NewAuthService(userRepo, otps, tokens, mailer, cfg.DevMode, log)
	friendService := friends.NewService(userRepo, friendRepo, publisher, log)

	otpLimiter, verifyLimiter := httphandler.DefaultLimiters()
	defer otpLimiter.Stop()
	defer verifyLimiter.Stop()

	router := httphandler.NewRouter(httphandler.RouterConfig{
		Auth:           handlers.NewAuthHandler(authService, log),
		Friends:        handlers.NewFriendsHandler(friendService, log),
		Health:         handlers.NewHealthHandler(database),
		JWT:            jwtService,
		Log:            log,
		AllowedOrigins: cfg.AllowedOrigins,
		TrustProxy:     cfg.TrustProxy,
		OTPLimiter:     otpLimiter,
		VerifyLimiter:  verifyLimiter,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "port", cfg.Port, "dev_mode", cfg.DevMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	log.Info("server exited")
	return nil
}

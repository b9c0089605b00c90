package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskmaster/api"
	"taskmaster/config"
	"taskmaster/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.New()
	cfg.ConfigureLogger(logger)
	cfg.ConfigureLogger(log.StandardLogger())

	var store storage.Store
	store, err = storage.Open(storage.Options{
		Driver:           cfg.Storage.Driver,
		ConnectionString: cfg.StoreDSN(),
		TasksTable:       cfg.Storage.TasksTable,
		UsersTable:       cfg.Storage.UsersTable,
	})
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker := api.NewBroker()
	var (
		deduper  api.Deduper
		notifier api.Notifier = broker
	)
	redisOpts, err := cfg.RedisOptions()
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	if redisOpts != nil {
		rc := redis.NewClient(redisOpts)
		defer rc.Close()
		store = storage.NewCache(store, rc, cfg.Redis.CacheTTL)
		deduper = api.NewRedisDeduper(rc, cfg.Redis.IdempotencyTTL)
		relay := api.NewRedisNotifier(rc, broker, logger)
		go relay.Run(ctx)
		notifier = relay
	} else {
		logger.Warn("redis not configured: task cache, idempotency keys and cross-replica streams disabled")
	}

	var auth *api.Auth
	if cfg.Auth.Mode == config.AuthHS256 {
		auth = api.NewLocalAuth([]byte(cfg.Auth.SharedSecret))
	} else {
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth.Domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
			RefreshInterval: time.Hour,
			RefreshErrorHandler: func(err error) {
				logger.WithError(err).Warn("jwks refresh failed")
			},
		})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		defer jwks.EndBackground()
		auth = api.NewAuth(jwks, cfg.Auth.Audience, "https://"+cfg.Auth.Domain+"/", cfg.Auth.JWKSCacheTTL)
	}

	e := echo.New()
	e.HideBanner = true
	e.Server.BaseContext = func(net.Listener) context.Context { return ctx }
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(api.RequestLogger(logger))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, api.HeaderIdempotencyKey},
	}))
	e.Use(middleware.Decompress())
	e.Use(echoprometheus.NewMiddleware("taskmaster"))
	e.GET("/metrics", echoprometheus.NewHandler())

	api.Register(e, api.NotifyOnChange(store, notifier), auth, deduper, logger)
	api.RegisterStream(e, store, auth, broker, logger)
	if auth.Local() {
		api.RegisterAccounts(e, store, auth, logger)
	}

	go func() {
		logger.WithFields(log.Fields{"addr": cfg.ListenAddr(), "driver": cfg.Storage.Driver, "auth": cfg.Auth.Mode}).Info("api listening")
		if err := e.Start(cfg.ListenAddr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server stopped")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown")
	}
}

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

	"github.com/suPer8Hu/consult-platform/internal/accounts"
	"github.com/suPer8Hu/consult-platform/internal/chat"
	"github.com/suPer8Hu/consult-platform/internal/config"
	"github.com/suPer8Hu/consult-platform/internal/db"
	"github.com/suPer8Hu/consult-platform/internal/httpapi"
	"github.com/suPer8Hu/consult-platform/internal/httpapi/handlers"
	"github.com/suPer8Hu/consult-platform/internal/logging"
	"github.com/suPer8Hu/consult-platform/internal/realtime"
	"github.com/suPer8Hu/consult-platform/internal/store/rabbitmq"
	"github.com/suPer8Hu/consult-platform/internal/store/redisstore"
	"github.com/suPer8Hu/consult-platform/internal/worker"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.AppEnv)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		logger.Fatalw("db connect", "err", err)
	}
	if err := db.Migrate(gdb); err != nil {
		logger.Fatalw("db migrate", "err", err)
	}

	var (
		rds    *redisstore.Store
		events realtime.Publisher
		subs   realtime.Subscriber
	)

	switch cfg.EventTransport {
	case "memory":
		broker := realtime.NewMemoryBroker(logger)
		events, subs = broker, broker

	case "redis", "rabbitmq":
		rds, err = redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Fatalw("redis connect", "addr", cfg.RedisAddr, "err", err)
		}
		defer rds.Close()

		broker := realtime.NewRedisBroker(rds.Client(), logger)
		events, subs = broker, broker

		if cfg.EventTransport == "rabbitmq" {
			pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
			if err != nil {
				logger.Fatalw("rabbit connect", "err", err)
			}
			defer pub.Close()
			events = pub
		}

	default:
		logger.Fatalw("unsupported EVENT_TRANSPORT", "value", cfg.EventTransport)
	}

	accOpts := accounts.Options{
		CacheTTL:  cfg.UserCacheTTL,
		JWTSecret: cfg.JWTSecret,
		TokenTTL:  cfg.JWTTTL,
		Logger:    logger.Named("accounts"),
	}
	if rds != nil {
		accOpts.Cache = rds
	}
	acc := accounts.NewService(gdb, accOpts)

	chatSvc := chat.NewService(chat.NewRepo(gdb), acc, chat.Options{
		Events: events,
		Media: chat.MediaConfig{
			AppID:    cfg.MediaAppID,
			Secret:   cfg.MediaTokenSecret,
			TokenTTL: cfg.MediaTokenTTL,
		},
		Logger: logger.Named("chat"),
	})

	if cfg.EventTransport == "memory" {
		// no worker can reach an in-process broker
		sweeper := worker.NewSweeper(chatSvc, worker.SweeperOptions{
			Schedule:   cfg.SweepSchedule,
			WaitingTTL: cfg.WaitingTTL,
			Logger:     logger.Named("sweeper"),
		})
		if err := sweeper.Start(); err != nil {
			logger.Fatalw("sweeper", "err", err)
		}
		defer sweeper.Stop()
	}

	hub := realtime.NewHub(subs, chatSvc.AuthorizeChannel, logger.Named("ws"))
	router := httpapi.NewRouter(handlers.NewHandler(acc, chatSvc, hub, logger.Named("http")))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Infow("api listening", "addr", cfg.HTTPAddr, "events", cfg.EventTransport)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalw("listen", "err", err)
		}
	}()

	<-ctx.Done()
	logger.Infow("api shutting down")
	shutdown(srv, hub, logger)
}

func shutdown(srv *http.Server, hub *realtime.Hub, logger *zap.SugaredLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hub.Shutdown()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warnw("http shutdown", "err", err)
	}
}

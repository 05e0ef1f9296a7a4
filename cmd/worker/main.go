package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/consult-platform/internal/accounts"
	"github.com/suPer8Hu/consult-platform/internal/chat"
	"github.com/suPer8Hu/consult-platform/internal/config"
	"github.com/suPer8Hu/consult-platform/internal/db"
	"github.com/suPer8Hu/consult-platform/internal/logging"
	"github.com/suPer8Hu/consult-platform/internal/realtime"
	"github.com/suPer8Hu/consult-platform/internal/store/rabbitmq"
	"github.com/suPer8Hu/consult-platform/internal/store/redisstore"
	"github.com/suPer8Hu/consult-platform/internal/worker"
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

	rds, err := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Fatalw("redis connect", "addr", cfg.RedisAddr, "err", err)
	}
	defer rds.Close()

	fabric := realtime.NewRedisBroker(rds.Client(), logger.Named("fabric"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Expired sessions are announced straight onto the fabric; the queue
	// only carries what the API publishes.
	acc := accounts.NewService(gdb, accounts.Options{
		Cache:     rds,
		CacheTTL:  cfg.UserCacheTTL,
		JWTSecret: cfg.JWTSecret,
		TokenTTL:  cfg.JWTTTL,
		Logger:    logger.Named("accounts"),
	})
	chatSvc := chat.NewService(chat.NewRepo(gdb), acc, chat.Options{
		Events: fabric,
		Logger: logger.Named("chat"),
	})

	sweeper := worker.NewSweeper(chatSvc, worker.SweeperOptions{
		Schedule:   cfg.SweepSchedule,
		WaitingTTL: cfg.WaitingTTL,
		Locker:     rds,
		InstanceID: os.Getenv("WORKER_ID"),
		Logger:     logger.Named("sweeper"),
	})
	if err := sweeper.Start(); err != nil {
		logger.Fatalw("sweeper", "err", err)
	}
	defer sweeper.Stop()

	if cfg.EventTransport != "rabbitmq" {
		logger.Infow("worker started without relay", "events", cfg.EventTransport)
		<-ctx.Done()
		logger.Infow("worker shutting down")
		return
	}

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		logger.Fatalw("rabbit dial", "err", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatalw("rabbit channel", "err", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareQueues(ch, cfg.RabbitQueue); err != nil {
		logger.Fatalw("queue declare", "err", err)
	}

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency
	if err := ch.Qos(concurrency, 0, false); err != nil {
		logger.Fatalw("qos", "err", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		logger.Fatalw("consume", "err", err)
	}

	relay := worker.NewRelay(fabric, rabbitmq.NewChannelPublisher(ch, cfg.RabbitQueue), logger.Named("relay"))

	logger.Infow("worker started", "queue", cfg.RabbitQueue, "concurrency", concurrency)
	relay.Run(ctx, msgs, concurrency)
	logger.Infow("worker shutting down")
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/orderalert/internal/api"
	"github.com/lalithlochan/orderalert/internal/auth"
	"github.com/lalithlochan/orderalert/internal/circuitbreaker"
	"github.com/lalithlochan/orderalert/internal/config"
	"github.com/lalithlochan/orderalert/internal/db"
	"github.com/lalithlochan/orderalert/internal/delivery"
	"github.com/lalithlochan/orderalert/internal/events"
	"github.com/lalithlochan/orderalert/internal/notify"
	"github.com/lalithlochan/orderalert/internal/observ"
	"github.com/lalithlochan/orderalert/internal/redis"
	"github.com/lalithlochan/orderalert/internal/sns"
	"github.com/lalithlochan/orderalert/internal/sqs"
	"github.com/lalithlochan/orderalert/internal/stream"
	"github.com/lalithlochan/orderalert/internal/worker"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting orderalert gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("version", version),
	)

	// Initialize database connection
	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	notifications := db.NewNotificationRepository(database, logger)
	subscriptions := db.NewSubscriptionRepository(database, logger)
	orders := db.NewOrderRepository(database, logger)

	// Redis backs order claims, rate limiting and the sweep lock. Without it
	// the database constraint still keeps one notification per order.
	var (
		claims  notify.Claims
		limiter api.Limiter
		locker  worker.Locker
	)
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, claims, rate limiting and sweep lock disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	} else {
		defer redisClient.Close()
		claims = redis.NewOrderClaims(redisClient, logger)
		limiter = redis.NewRateLimiter(redisClient, redis.RateLimitConfig{
			Limit:  120,
			Window: time.Minute,
		}, logger)
		locker = redis.NewLocker(redisClient, logger)
	}

	bus := events.NewBus(logger)

	streams := stream.NewManager(stream.Config{
		Heartbeat: cfg.StreamHeartbeat,
		MaxAge:    cfg.StreamMaxAge,
	}, logger)
	bus.Subscribe("stream", 0, streams.Listener())

	// Delivery channels. A channel left nil is disabled.
	var (
		push  delivery.PushSender
		sms   delivery.SMSSender
		email delivery.EmailSender
	)
	if cfg.PushEnabled() {
		push = delivery.NewWebPushSender(delivery.WebPushConfig{
			PublicKey:  cfg.VAPIDPublicKey,
			PrivateKey: cfg.VAPIDPrivateKey,
			Subject:    cfg.VAPIDSubject,
		}, logger)
	} else {
		logger.Warn("VAPID keys not configured, web push disabled")
	}

	if cfg.SMSEnabled() {
		snsSender, err := delivery.NewSNSSender(ctx, delivery.SNSConfig{
			Region:       cfg.SNSRegion,
			SenderNumber: cfg.SMSSenderNumber,
		}, logger)
		if err != nil {
			logger.Warn("SNS sender unavailable, SMS notifications disabled", zap.Error(err))
		} else {
			breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("sms"), logger)
			sms = circuitbreaker.NewProtectedSMS(snsSender, breaker, logger)
		}
	}

	if cfg.EmailEnabled() {
		sesSender, err := delivery.NewSESSender(ctx, delivery.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			logger.Warn("SES sender unavailable, escalation e-mail disabled", zap.Error(err))
		} else {
			breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("email"), logger)
			email = circuitbreaker.NewProtectedEmail(sesSender, breaker, logger)
		}
	}

	logger.Info("initialized delivery channels",
		zap.Bool("push_enabled", push != nil),
		zap.Bool("sms_enabled", sms != nil),
		zap.Bool("email_enabled", email != nil),
	)

	fanout := delivery.NewFanout(subscriptions, push, sms, email, delivery.Config{
		AdminNumbers:     cfg.SMSAdminNumbers,
		EscalationEmails: cfg.EscalationEmails,
		Concurrency:      8,
		Timeout:          10 * time.Second,
	}, logger)

	pool := worker.NewPool(worker.PoolConfig{Workers: 4, QueueSize: 256}, logger)
	pool.Start()

	service := notify.NewService(notify.Deps{
		Store:         notifications,
		Orders:        orders,
		Subscriptions: subscriptions,
		Claims:        claims,
		Fanout:        fanout,
		Bus:           bus,
		Pool:          pool,
		Client: notify.ClientConfig{
			PublicKey:               cfg.VAPIDPublicKey,
			EscalationWindowMinutes: cfg.EscalationWindowMinutes(),
			PushEnabled:             push != nil,
			SMSEnabled:              sms != nil,
		},
	}, logger)

	if cfg.NotifyTopicARN != "" {
		mirror, err := sns.NewMirror(ctx, sns.Config{
			Region:   cfg.SNSRegion,
			TopicARN: cfg.NotifyTopicARN,
		}, logger)
		if err != nil {
			logger.Warn("sns mirror unavailable, events will not be mirrored", zap.Error(err))
		} else {
			bus.Subscribe("sns-mirror", 0, mirror.Listener())
		}
	}

	// Background loops share one context, cancelled first on shutdown.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	scheduler := worker.NewScheduler(notifications, fanout, bus, locker, worker.SchedulerConfig{
		Window:      cfg.EscalationWindow,
		Concurrency: 8,
	}, logger)

	background := make(chan struct{})
	running := 1
	go func() {
		scheduler.Start(workerCtx)
		background <- struct{}{}
	}()

	if cfg.SQSOrderQueueURL != "" {
		consumer, err := sqs.NewConsumer(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSOrderQueueURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs consumer unavailable, orders arrive over HTTP only", zap.Error(err))
		} else {
			running++
			go func() {
				// a duplicate claim is returned as an error so the message is
				// redelivered and then finds the finished notification
				consumer.Run(workerCtx, func(ctx context.Context, orderID string) error {
					_, err := service.NotifyNewOrder(ctx, orderID)
					return err
				})
				background <- struct{}{}
			}()
		}
	}

	handler := api.NewHandler(service, streams, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		Verifier: auth.NewVerifier(cfg.JWTSecret),
		Limiter:  limiter,
		Health: func(r *http.Request) error {
			return database.Health(r.Context())
		},
		Timeout: 30 * time.Second,
	}, logger)

	// Setup HTTP server. WriteTimeout is left unset: streams clear their own
	// deadline and every other route runs under the router timeout.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	var serveErr error
	select {
	case err := <-serverErrors:
		serveErr = fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	// Stop producers of work first, then the streams so Shutdown does not wait
	// on them, then drain what is already queued.
	workerCancel()
	for i := 0; i < running; i++ {
		<-background
	}

	streams.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("background deliveries abandoned", zap.Error(err))
	}

	if err := bus.Close(shutdownCtx); err != nil {
		logger.Warn("event bus did not drain", zap.Error(err))
	}

	if serveErr != nil {
		return serveErr
	}

	logger.Info("server stopped gracefully")
	return nil
}

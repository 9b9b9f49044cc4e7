package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/epicweb-dev/gratitext-scheduler/internal/cache"
	"github.com/epicweb-dev/gratitext-scheduler/internal/config"
	"github.com/epicweb-dev/gratitext-scheduler/internal/handlers"
	"github.com/epicweb-dev/gratitext-scheduler/internal/kafka"
	"github.com/epicweb-dev/gratitext-scheduler/internal/logger"
	"github.com/epicweb-dev/gratitext-scheduler/internal/metrics"
	"github.com/epicweb-dev/gratitext-scheduler/internal/primary"
	"github.com/epicweb-dev/gratitext-scheduler/internal/ratelimit"
	"github.com/epicweb-dev/gratitext-scheduler/internal/repository"
	"github.com/epicweb-dev/gratitext-scheduler/internal/service"
	"github.com/epicweb-dev/gratitext-scheduler/internal/sms"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---------- config ----------
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(2)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger init error: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	metrics.Register()

	// ---------- db ----------
	pool, err := repository.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal("db init failed", zap.Error(err))
	}
	defer pool.Close()

	// ---------- repositories ----------
	recipientRepo := repository.NewRecipientRepository(pool)
	messageRepo := repository.NewMessageRepository(pool)
	subscriptionRepo := repository.NewSubscriptionRepository(pool)
	optOutRepo := repository.NewOptOutRepository(pool)

	// ---------- redis: primary lease + tier cache ----------
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()

	var gate primary.Gate
	if cfg.SingleInstance {
		gate = primary.Static{Primary: true}
	} else {
		lease, err := primary.NewRedisLease(rdb, cfg.PrimaryLeaseKey, cfg.InstanceID, cfg.PrimaryLeaseTTL)
		if err != nil {
			log.Fatal("primary lease init failed", zap.Error(err))
		}
		defer func() {
			relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = lease.Release(relCtx)
		}()
		gate = lease
	}

	tiers := service.NewCachedTierLookup(subscriptionRepo, cache.NewRedisCache(rdb), log)

	// ---------- sms transport ----------
	twilio, err := sms.NewTwilio(cfg.TwilioAccountSID, cfg.TwilioAuthToken)
	if err != nil {
		log.Fatal("twilio init failed", zap.Error(err))
	}
	transport := sms.NewPaced(twilio, cfg.SMSRatePerSecond, cfg.SMSBurst)

	// ---------- kafka delivery events (optional) ----------
	var events *service.EventWorker
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewSyncProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			log.Fatal("kafka producer init failed", zap.Error(err))
		}
		defer func() { _ = producer.Close() }()
		events = service.StartEventWorker(producer, log)
		defer events.Close()
	}

	// ---------- scheduler ----------
	dispatcher := service.NewDispatcher(messageRepo, optOutRepo, transport, cfg.TwilioFromNumber, events, log)
	limiter := ratelimit.NewLimiter(messageRepo)

	scheduler := service.NewScheduler(
		recipientRepo,
		messageRepo,
		tiers,
		limiter,
		dispatcher,
		gate,
		service.Options{
			TickInterval:   cfg.TickInterval,
			TickTimeout:    cfg.TickTimeout,
			ReminderWindow: cfg.ReminderWindow,
			OverdueCutoff:  cfg.OverdueCutoff,
			CandidateBatch: cfg.CandidateBatch,
		},
		log,
	)

	// ---------- background collectors ----------
	metrics.StartDBCollectors(ctx, pool, 10*time.Second, log)
	cache.StartRedisSizeCollector(ctx, rdb, 30*time.Second, log)

	// ---------- router ----------
	r := chi.NewRouter()
	r.Use(metrics.HTTPMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", metrics.Handler())
	handlers.RegisterSchedulerRoutes(r, handlers.NewSchedulerHandler(scheduler, log))

	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: r,
	}

	go func() {
		log.Info("http server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", zap.Error(err))
		}
	}()

	// ---------- tick loop ----------
	go scheduler.Run(ctx)

	<-ctx.Done()
	log.Info("shutdown signal received")

	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		log.Warn("http server shutdown error", zap.Error(err))
	}
}

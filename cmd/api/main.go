package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"tutorbook/internal/config"
	"tutorbook/internal/database"
	"tutorbook/internal/domain/lesson"
	"tutorbook/internal/domain/notification"
	"tutorbook/internal/domain/payment"
	"tutorbook/internal/middleware"
	jwtsvc "tutorbook/internal/pkg/jwt"
	"tutorbook/internal/pkg/slotlock"
)

func main() {
	log := logrus.New()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	setupLogger(log, cfg)

	db, err := database.Connect(cfg.Database.DSN, log)
	if err != nil {
		log.WithError(err).Fatal("connect database")
	}
	if err := database.Migrate(db); err != nil {
		log.WithError(err).Fatal("migrate database")
	}

	tokens := jwtsvc.New(cfg.JWT.Secret, cfg.JWT.TTL)

	gateway := payment.NewStripeGateway(payment.StripeConfig{
		SecretKey:     cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		Currency:      cfg.Stripe.Currency,
	}, log)

	var locker lesson.SlotLocker = slotlock.Nop{}
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.WithError(err).Fatal("connect redis")
		}
		locker = slotlock.NewRedis(rdb, cfg.Redis.LockTTL)
		log.WithField("addr", cfg.Redis.Addr).Info("tutor calendar locks in redis")
	}

	hub := notification.NewHub(cfg.Server.AllowedOrigins(), log)
	defer hub.Close()
	notifiers := notification.Multi{hub}
	if cfg.RabbitMQ.Enabled {
		pub, err := notification.NewPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			log.WithError(err).Fatal("connect rabbitmq")
		}
		defer pub.Close()
		notifiers = append(notifiers, pub)
	}

	store := lesson.NewRepository(db)
	ledger := payment.NewLedger(db)
	clock := lesson.SystemClock{}

	lessonService := lesson.NewService(store, gateway, locker, notifiers, clock, log)
	lessonHandler := lesson.NewHandler(lessonService)

	initiator := payment.NewInitiator(store, gateway, locker, clock, payment.InitiatorConfig{
		MinAmount:   cfg.Payments.MinAmount,
		SuccessURL:  cfg.Stripe.SuccessURL,
		CancelURL:   cfg.Stripe.CancelURL,
		CheckoutTTL: cfg.Stripe.CheckoutTTL,
	}, log)
	reconciler := payment.NewReconciler(store, gateway, ledger, notifiers, clock, log)
	capture := payment.NewCaptureHandler(store, gateway, notifiers, clock, cfg.Payments.AllowPartialCapture, log)
	paymentHandler := payment.NewHandler(initiator, reconciler, capture, gateway, ledger, log)

	if config.IsProdLike(cfg.App.Env) {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins()))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ws/lessons", hub.Handler(tokens))

	v1 := r.Group("/api/v1")
	{
		// public: verified by signature instead of bearer token
		paymentHandler.RegisterWebhook(v1)

		callables := v1.Group("/")
		callables.Use(middleware.CallableAuth(tokens))
		paymentHandler.RegisterRoutes(callables)

		protected := v1.Group("/")
		protected.Use(middleware.JWTAuth(tokens))
		lessonHandler.RegisterRoutes(protected)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.WithFields(logrus.Fields{"port": cfg.Server.Port, "env": cfg.App.Env}).Info("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}

func setupLogger(log *logrus.Logger, cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if config.IsProdLike(cfg.App.Env) {
		log.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

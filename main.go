package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gorilla/sessions"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"push-delivery-go/internal/config"
	"push-delivery-go/internal/delivery"
	"push-delivery-go/internal/ece"
	"push-delivery-go/internal/events"
	"push-delivery-go/internal/handlers"
	"push-delivery-go/internal/logger"
	"push-delivery-go/internal/models"
	"push-delivery-go/internal/retry"
	"push-delivery-go/internal/store"
	"push-delivery-go/internal/vapid"
)

func main() {
	genKeys := flag.Bool("genkeys", false, "print a new VAPID key pair and exit")
	flag.Parse()

	if *genKeys {
		priv, pub, err := vapid.GenerateKeyPair()
		if err != nil {
			fmt.Fprintln(os.Stderr, "failed to generate VAPID keys:", err)
			os.Exit(1)
		}
		fmt.Printf("VAPID_PRIVATE_KEY=%s\nVAPID_PUBLIC_KEY=%s\n", priv, pub)
		return
	}

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}
	l := logger.Setup(cfg.LogLevel, cfg.LogPretty)
	if envErr != nil {
		l.Debug().Msg("no .env file found, using environment")
	}

	keys, err := vapid.LoadKeyPair(cfg.VAPID.PrivateKey, cfg.VAPID.PublicKey, cfg.VAPID.Subject)
	if err != nil {
		l.Fatal().Err(err).Msg("VAPID keys are not usable; run with -genkeys to create a pair")
	}
	encoding, err := ece.ParseEncoding(cfg.Push.ContentEncoding)
	if err != nil {
		l.Fatal().Err(err).Msg("invalid content encoding")
	}

	st := openStore(cfg, l)
	defer st.Close()

	var locker retry.Locker
	if cfg.Redis.Addr != "" {
		rl := store.NewRedisLocker(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rl.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rl.Ping(ctx); err != nil {
			l.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable, sweeps will run without the lock until it recovers")
		}
		cancel()
		locker = rl
	}

	policy := models.RetryPolicy{
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		MaxAttempts: cfg.Retry.MaxAttempts,
	}
	sender := delivery.NewSender(&http.Client{}, vapid.NewSigner(keys, cfg.VAPID.TokenTTL), delivery.SenderOptions{
		Encoding: encoding,
		TTL:      cfg.Push.TTL,
		Urgency:  webpush.Urgency(cfg.Push.Urgency),
	})
	engine := delivery.NewEngine(delivery.Config{
		Subscriptions:  st,
		Preferences:    st,
		Retries:        st,
		Sender:         sender,
		Policy:         policy,
		StaleAfter:     cfg.Push.StaleAfter,
		MaxConcurrency: cfg.Push.MaxConcurrency,
		RequestTimeout: cfg.Push.RequestTimeout,
		Logger:         l,
	})

	scheduler := retry.NewScheduler(retry.Config{
		Retries:     st,
		Engine:      engine,
		Locker:      locker,
		Policy:      policy,
		Interval:    cfg.Retry.SweepInterval,
		Batch:       cfg.Retry.SweepBatch,
		Lease:       cfg.Retry.ClaimLease,
		Concurrency: cfg.Retry.SweepConcurrency,
		Logger:      l,
	})
	if cfg.Retry.SweepEnabled {
		if err := scheduler.Start(); err != nil {
			l.Fatal().Err(err).Msg("failed to start retry scheduler")
		}
		defer scheduler.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(cfg.Kafka.Brokers) > 0 {
		consumer := events.NewConsumer(cfg.Kafka, engine, l)
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				l.Error().Err(err).Msg("kafka consumer stopped")
			}
		}()
	}

	h := handlers.NewHandler(st, engine, scheduler, keys.PublicKey(), cfg.WebhookSecret,
		sessionStore(cfg, l), cfg.SessionName, l)
	if cfg.WebhookSecret == "" {
		l.Warn().Msg("WEBHOOK_SECRET is empty, trigger endpoints accept unsigned requests")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      h.Routes(handlers.NewRateLimiter(cfg.RateRPS, cfg.RateBurst)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		l.Info().Str("addr", srv.Addr).Str("store", cfg.StoreDriver).Str("encoding", string(encoding)).
			Bool("sweep", cfg.Retry.SweepEnabled).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	l.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func openStore(cfg config.Config, l zerolog.Logger) store.Store {
	if cfg.StoreDriver == "memory" {
		l.Warn().Msg("using in-memory store, subscriptions and retries are lost on restart")
		return store.NewMemoryStore()
	}

	pg, err := store.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to connect to PostgreSQL")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pg.RunMigrations(ctx); err != nil {
		l.Fatal().Err(err).Msg("failed to run migrations")
	}
	l.Info().Msg("database migrations completed")
	return pg
}

func sessionStore(cfg config.Config, l zerolog.Logger) sessions.Store {
	key := []byte(cfg.SessionSecret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			l.Fatal().Err(err).Msg("failed to generate session key")
		}
		l.Warn().Msg("SESSION_SECRET is empty, using a random key; cookies from the main application will not validate")
	}
	cs := sessions.NewCookieStore(key)
	cs.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return cs
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"payguard.org/internal/actor"
	"payguard.org/internal/audit"
	"payguard.org/internal/config"
	"payguard.org/internal/credential"
	"payguard.org/internal/httpapi"
	"payguard.org/internal/obs"
	"payguard.org/internal/payment"
	"payguard.org/internal/ratelimit"
	"payguard.org/internal/session"
	"payguard.org/internal/stepup"
	"payguard.org/internal/store/pg"
)

var version = "0.3.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		obs.Logger().Fatal("load config", zap.Error(err))
	}
	obs.InitLogger(cfg.Env, cfg.LogLevel)
	obs.Init()
	log := obs.Logger().Named("api")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var keeper *credential.Keeper
	if cfg.SecondFactorKeyHex != "" {
		keeper, err = credential.NewKeeper(cfg.SecondFactorKeyHex)
		if err != nil {
			log.Fatal("second factor key", zap.Error(err))
		}
	}

	// Storage: Postgres when a DSN is configured, in-memory otherwise. The
	// audit sink and sequence counter follow the same choice so one deployment
	// never splits its records across backends.
	var (
		actors    actor.Store
		payments  payment.Store
		sink      audit.Sink
		counter   audit.Counter
		readiness httpapi.ReadyProbe
	)
	if cfg.PostgresDSN != "" {
		store, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatal("open postgres", zap.Error(err))
		}
		defer store.Close()
		actors = store.Actors()
		payments = store.Payments()
		auditLog := store.AuditLog()
		sink, counter = auditLog, auditLog
		readiness = httpapi.ReadyProbe{Ping: store.Ping}
	} else {
		log.Warn("no postgres dsn configured; using in-memory stores")
		actors = actor.NewInMemory()
		payments = payment.NewInMemory()
		sink = audit.NewFileSink(cfg.AuditPath)
		counter = audit.NewFileCounter(cfg.AuditSeqPath)
	}

	var limiter ratelimit.Limiter
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		limiter = ratelimit.NewRedis(client, 5, time.Minute, "payguard:rl")
	} else {
		limiter = ratelimit.NewMemory(ctx, 5, time.Minute, 5)
	}

	recorder := audit.NewRecorder(sink, counter, cfg.AuditKey)

	codec, err := session.NewCodec(cfg.SessionSecret)
	if err != nil {
		log.Fatal("session codec", zap.Error(err))
	}
	sessions := session.NewManager(codec,
		session.WithIdleWindow(cfg.IdleWindow),
		session.WithAbsoluteWindow(cfg.AbsoluteWindow),
		session.WithRenewalThreshold(cfg.RenewalThreshold))

	guard := stepup.NewGuard(actors, keeper,
		stepup.WithWindow(cfg.ReauthWindow),
		stepup.WithMaxFailures(cfg.MaxReauthFailures))

	svc := payment.NewService(payments, actors, guard, recorder, cfg.StepUpThreshold)

	api := httpapi.New(httpapi.Config{
		Sessions:   sessions,
		Payments:   svc,
		Actors:     actors,
		Guard:      guard,
		Recorder:   recorder,
		Limiter:    limiter,
		ReadyProbe: readiness,
		Version:    version,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info("starting payguard-api", zap.String("version", version), zap.String("addr", srv.Addr))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	// Drain any audit records held during sink outages before exit.
	recorder.Flush()
	log.Info("stopped")
}

package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/example/slotwatch/internal/auth"
	"github.com/example/slotwatch/internal/booking"
	"github.com/example/slotwatch/internal/config"
	"github.com/example/slotwatch/internal/domain/reservation"
	"github.com/example/slotwatch/internal/engine"
	"github.com/example/slotwatch/internal/lock"
	"github.com/example/slotwatch/internal/metrics"
	"github.com/example/slotwatch/internal/notify"
	"github.com/example/slotwatch/internal/qmatic"
	"github.com/example/slotwatch/internal/scheduler"
	"github.com/example/slotwatch/internal/session"
	"github.com/example/slotwatch/internal/web"
)

func newRunCmd(configPath *string) *cobra.Command {
	var migrateUp bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler and the admin server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, cfg, log, migrateUp)
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")

	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger, migrateUp bool) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	svcs, err := cfg.Services()
	if err != nil {
		return err
	}
	m := metrics.New()

	store, err := openStore(ctx, cfg, log, migrateUp)
	if err != nil {
		return err
	}
	defer store.Close()

	rdb, err := openRedis(ctx, cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	// session
	mopts := session.ManagerOptions{Metrics: m, Timeout: cfg.Booking.CallTimeout}
	if cfg.Redis.SessionCache {
		cache, err := session.NewRedisCache(rdb, cfg.Session.CacheKey, []byte(cfg.Session.Secret), cfg.Session.CacheTTL)
		if err != nil {
			return err
		}
		mopts.Cache = cache
	}
	provider := &session.HTTPProvider{
		SiteURL: cfg.Booking.SiteURL,
		BaseURL: cfg.Booking.BaseURL,
		Timeout: cfg.Booking.CallTimeout,
	}
	sessions := session.NewManager(provider, log.Named("session"), mopts)

	// upstream
	limit := rate.Inf
	if cfg.Booking.RateLimit > 0 {
		limit = rate.Limit(cfg.Booking.RateLimit)
	}
	bc := booking.New(
		qmatic.New(qmatic.Options{BaseURL: cfg.Booking.BaseURL, Email: cfg.Booking.Email}),
		sessions,
		log.Named("booking"),
		booking.Options{
			Policy: booking.Policy{
				MaxAttempts:  cfg.Retry.MaxAttempts,
				InitialDelay: cfg.Retry.InitialDelay,
				Multiplier:   cfg.Retry.Multiplier,
				MaxDelay:     cfg.Retry.MaxDelay,
				Jitter:       cfg.Retry.Jitter,
				MaxElapsed:   cfg.Retry.MaxElapsed,
				CallTimeout:  cfg.Booking.CallTimeout,
			},
			Limiter: rate.NewLimiter(limit, max(cfg.Booking.RateBurst, 1)),
			Metrics: m,
		},
	)

	// notifications
	dests, closeDests := destinations(cfg)
	defer closeDests()
	gw := notify.NewGateway(log.Named("notify"), notify.Options{
		QueueSize:      cfg.Notify.QueueSize,
		MaxAttempts:    cfg.Notify.MaxAttempts,
		InitialDelay:   cfg.Notify.InitialDelay,
		Multiplier:     cfg.Notify.Multiplier,
		MaxDelay:       cfg.Notify.MaxDelay,
		AttemptTimeout: cfg.Notify.AttemptTimeout,
		Metrics:        m,
	}, dests...)
	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownGrace)
		defer dcancel()
		if err := gw.Close(dctx); err != nil {
			log.Warn("notification queue not drained", zap.Error(err))
		}
	}()

	// engines
	contacts := reservation.NewContactGenerator(cfg.Booking.Prefixes, nil)
	now := func() time.Time { return time.Now().In(loc) }
	services := make([]scheduler.Service, 0, len(svcs))
	for _, sc := range svcs {
		services = append(services, engine.New(sc, bc, store, gw, contacts, log.Named("engine"), engine.Options{
			DatesPerTick:    cfg.Scheduler.DatesPerTick,
			MaxFutureDays:   cfg.Scheduler.MaxFutureDays,
			ResetWindowDays: cfg.ResetCycle.WindowDays,
			PauseMin:        cfg.Scheduler.ReservePauseMin,
			PauseMax:        cfg.Scheduler.ReservePauseMax,
			ShutdownGrace:   cfg.Scheduler.ShutdownGrace,
			PersistTimeout:  cfg.Scheduler.PersistTimeout,
			Email:           cfg.Booking.Email,
			Now:             now,
			Metrics:         m,
		}))
	}

	var locker lock.Locker = lock.Nop{}
	if rdb != nil {
		locker = lock.NewRedis(rdb, cfg.Redis.LockPrefix, cfg.Redis.LockTTL, log.Named("lock"))
	}
	sopts := scheduler.Options{
		PollInterval:            cfg.Scheduler.PollInterval,
		Concurrency:             cfg.Scheduler.Concurrency,
		Location:                loc,
		PersistenceFailureLimit: cfg.Scheduler.PersistenceFailureLimit,
		Locker:                  locker,
		Metrics:                 m,
	}
	if cfg.ResetCycle.Enabled {
		sopts.ResetSchedule = cfg.ResetCycle.Schedule
	}
	sched := scheduler.New(log.Named("scheduler"), sopts, services...)

	if cfg.HTTP.AdminTokenHash == "" {
		log.Warn("http.admin_token_hash not set; admin actions are disabled")
	}
	ws := &web.Server{
		Scheduler: sched,
		Store:     store,
		Metrics:   m.Handler(),
		Guard:     auth.NewGuard(cfg.HTTP.AdminTokenHash),
		Log:       log.Named("http"),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return web.Start(gctx, cfg.HTTP.ListenAddr, ws.Routes(), log)
	})
	if cfg.Telegram.Enabled {
		callbacks := notify.NewCallbacks(log.Named("telegram"), notify.CallbackOptions{
			APIURL:      cfg.Telegram.APIURL,
			Token:       cfg.Telegram.BotToken,
			PollTimeout: cfg.Telegram.PollTimeout,
		})
		g.Go(func() error { return callbacks.Run(gctx) })
	}
	g.Go(func() error {
		err := sched.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	err = g.Wait()
	log.Info("shutting down", zap.Error(err))
	return err
}

func destinations(cfg config.Config) ([]notify.Destination, func()) {
	var dests []notify.Destination
	closers := []func(){}

	if cfg.Telegram.Enabled {
		hc := &http.Client{Timeout: cfg.Notify.AttemptTimeout}
		seen := map[string]bool{}
		for _, ch := range cfg.Channels {
			if seen[ch.ChatID] {
				continue
			}
			seen[ch.ChatID] = true
			dests = append(dests, notify.NewTelegram(cfg.Telegram.APIURL, cfg.Telegram.BotToken, ch.ChatID, hc))
		}
	}
	if brokers := notify.SplitBrokers(cfg.Kafka.Brokers); len(brokers) > 0 {
		k := notify.NewKafka(notify.NewKafkaWriter(brokers, cfg.Kafka.Topic), cfg.Kafka.Topic)
		dests = append(dests, k)
		closers = append(closers, func() { _ = k.Close() })
	}
	return dests, func() {
		for _, c := range closers {
			c()
		}
	}
}

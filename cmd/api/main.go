package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"trustgate/appeal"
	"trustgate/arbitration"
	"trustgate/auth"
	"trustgate/bid"
	"trustgate/carrier"
	"trustgate/config"
	"trustgate/db"
	"trustgate/escrow"
	"trustgate/events"
	"trustgate/evidence"
	"trustgate/logging"
	"trustgate/oracle"
	"trustgate/passport"
	"trustgate/policy"
	"trustgate/pricefeed"
	"trustgate/scoring"
	"trustgate/trust"
	"trustgate/worm"
)

const (
	serviceName    = "trustgate"
	windowTTL      = 30 * 24 * time.Hour
	shutdownWindow = 10 * time.Second
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		logrus.WithError(err).Fatal("load configuration")
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat).WithField("service", serviceName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}

func run(ctx context.Context, cfg config.Config, log logrus.FieldLogger) error {
	a, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", cfg.HTTPAddr).Info("api: listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	if a.relay != nil {
		g.Go(func() error {
			if err := a.relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWindow)
		defer cancel()
		log.Info("api: shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// app is the fully wired process. The service fields are kept so tests can
// seed state without going through HTTP.
type app struct {
	server      *Server
	bus         *events.Bus
	relay       *events.Relay
	pool        *pgxpool.Pool
	rdb         *redis.Client
	ledger      *worm.Log
	auth        *auth.Service
	passports   *passport.Service
	carriers    *carrier.Service
	marketplace *bid.Service
	escrow      *escrow.Service
}

func (a *app) close() {
	if a.bus != nil {
		a.bus.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

type storage struct {
	worm      worm.Store
	accounts  auth.Repository
	passports passport.Repository
	appeals   appeal.Repository
	carriers  carrier.Repository
	bids      bid.Repository
	contracts escrow.Repository
	disputes  arbitration.Repository
	publisher events.Publisher
	windows   oracle.WindowStore
	cache     oracle.Cache
}

// build wires every service. Without DATABASE_URL everything lives in memory
// and events go straight onto the bus; with it, repositories use PostgreSQL
// and events flow through the outbox relay.
func build(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*app, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET must be set")
	}
	a := &app{bus: events.NewBus(0, log)}
	a.bus.Subscribe(events.AllTopics, func(_ context.Context, evt events.Event) {
		log.WithFields(logrus.Fields{"topic": evt.Topic, "key": evt.Key, "event_id": evt.ID}).Debug("event")
	})

	st := storage{
		worm:      worm.NewMemoryStore(),
		accounts:  auth.NewMemoryRepository(),
		passports: passport.NewMemoryRepository(),
		appeals:   appeal.NewMemoryRepository(),
		carriers:  carrier.NewMemoryRepository(),
		bids:      bid.NewMemoryRepository(uuid.NewString),
		contracts: escrow.NewMemoryRepository(a.bus),
		disputes:  arbitration.NewMemoryRepository(),
		publisher: a.bus,
		windows:   oracle.NewMemoryWindows(),
		cache:     oracle.NewMemoryCache(),
	}

	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			a.close()
			return nil, err
		}
		a.pool = pool
		if err := db.Migrate(ctx, pool, log); err != nil {
			a.close()
			return nil, err
		}
		st.worm = worm.NewPGStore(pool)
		st.accounts = auth.NewRepository(pool)
		st.passports = passport.NewPGRepository(pool)
		st.appeals = appeal.NewPGRepository(pool)
		st.carriers = carrier.NewRepository(pool)
		st.bids = bid.NewRepository(pool)
		st.contracts = escrow.NewPGRepository(pool)
		st.disputes = arbitration.NewRepository(pool)
		st.publisher = events.NewOutboxPublisher(pool)
		a.relay = events.NewRelay(pool, a.bus, log)
		log.Info("storage: postgres")
	} else {
		log.Warn("storage: in-memory, state is lost on restart")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.rdb = redis.NewClient(opts)
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		st.windows = oracle.NewRedisWindows(a.rdb, windowTTL)
		st.cache = oracle.NewRedisCache(a.rdb)
	}

	if err := a.wire(cfg, st, log); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(cfg config.Config, st storage, log logrus.FieldLogger) error {
	ledger, err := worm.NewLog(st.worm, []byte(cfg.EvidenceSigningKey), log)
	if err != nil {
		return err
	}
	a.ledger = ledger

	feeds, err := pricefeed.NewRegistryFromConfig(cfg.Providers, cfg.Breaker, &http.Client{Timeout: cfg.Breaker.CallTimeout}, log)
	if err != nil {
		return err
	}
	market := oracle.NewFeedMarketData(feeds, st.cache, st.windows, cfg.Oracle.CacheTTL, cfg.Oracle.HistorySize, log)
	tracker := oracle.NewDeviationTracker(st.windows, cfg.Oracle.WindowSize, cfg.Oracle.MinSamples)
	prices := oracle.New(market, tracker, ledger, st.publisher, oracle.OptionsFromConfig(cfg.Oracle), log)

	a.auth = auth.NewService(st.accounts, cfg.JWTSecret)
	a.passports = passport.NewService(st.passports, a.auth, log)

	engine := policy.NewEngine(a.passports, prices, ledger, st.publisher, log,
		policy.WithMinTrustScore(cfg.MinTrustScore),
		policy.WithZones(policy.ZonesFromConfig(cfg.Geofences)),
	)

	adjuster := trust.NewAdjuster(a.passports, st.publisher, log)
	adjuster.Subscribe(a.bus)

	a.carriers = carrier.NewService(st.carriers).WithLogger(log)
	a.carriers.Subscribe(a.bus)

	a.escrow = escrow.NewService(st.contracts, bid.NewEscrowSource(st.bids), log)
	a.marketplace = bid.NewService(st.bids, engine, a.passports, scoring.NewScorer(cfg.Scoring, a.carriers), a.escrow, st.publisher, log)
	collector := evidence.NewCollector(a.marketplace, a.escrow, log)
	a.marketplace.WithDealRecorder(collector)
	appeals := appeal.NewService(st.appeals, ledger, st.publisher, log)
	arbiter := arbitration.NewService(st.disputes, a.escrow, collector, st.publisher, log)

	a.server = &Server{
		authService:        a.auth,
		accessService:      engine,
		priceService:       prices,
		auditService:       ledger,
		appealService:      appeals,
		passportService:    a.passports,
		marketService:      a.marketplace,
		escrowService:      a.escrow,
		arbitrationService: arbiter,
		evidenceService:    collector,
		trustScores:        trust.NewCalculator(ledger),
		trustEvents:        adjuster,
		geofences:          engine,
		passportAdmin:      a.passports,
		appealQueue:        appeals,
		rescorer:           a.marketplace,
		disputes:           arbiter,
		exporter:           ledger,
		carriers:           a.carriers,
		feeds:              feeds,
		limiter:            newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, log),
		log:                log,
	}
	return nil
}

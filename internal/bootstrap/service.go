package bootstrap

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	goredis "github.com/go-redsync/redsync/v4/redis/goredis/v9"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/apolotel/billingcore/internal/authorization"
	"github.com/apolotel/billingcore/internal/coordinator"
	"github.com/apolotel/billingcore/internal/ledgerstore"
	"github.com/apolotel/billingcore/internal/messaging"
	"github.com/apolotel/billingcore/internal/ratecache"
	"github.com/apolotel/billingcore/internal/ratecatalog"
	"github.com/apolotel/billingcore/internal/reservation"
	"github.com/apolotel/billingcore/pkg/mlog"
)

// Service composes C1-C6 plus the messaging and sweeper runnables into one
// process, mirroring the teacher's bootstrap.Service "compose everything,
// expose a Run" shape (components/ledger/internal/bootstrap/service.go)
// without its HTTP-surface concerns, which this core has no Non-goals room
// for (spec §1).
type Service struct {
	Logger      mlog.Logger
	DB          *sql.DB
	Redis       *redis.Client
	RabbitMQ    *messaging.Connection
	Reservation *reservation.Manager
	Auth        *authorization.Service
	Coordinator *coordinator.Coordinator
	Sweeper     *Sweeper

	cfg Config
}

// NewService wires every component together from Config. It does not open
// any network connection itself beyond what *sql.DB and *redis.Client lazily
// establish on first use, and RabbitMQ, which connects lazily too
// (messaging.Connection.Channel).
func NewService(cfg Config, logger mlog.Logger) (*Service, error) {
	if logger == nil {
		logger = mlog.InitializeLogger()
	}

	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	store := ledgerstore.NewPostgresStore(db, logger)
	catalog := ratecatalog.NewPostgresCatalog(db)
	cache := ratecache.New(&ratecache.RedisBackend{Client: redisClient}, catalog, time.Duration(cfg.RateCacheTTLSeconds)*time.Second, logger)

	rabbit := messaging.NewConnection(cfg.RabbitMQURL, logger)
	publisher := messaging.NewPublisher(rabbit, logger)

	resCfg := reservation.Config{
		InitialReservationMinutes: cfg.InitialReservationMinutes,
		ReservationBufferPercent:  cfg.ReservationBufferPercent,
		MinReservationAmount:      cfg.MinReservationAmount,
		MaxReservationAmount:      cfg.MaxReservationAmount,
		ReservationTTL:            time.Duration(cfg.ReservationTTLSeconds) * time.Second,
		MaxConcurrentCalls:        cfg.MaxConcurrentCalls,
		MaxDeficitAmount:          cfg.MaxDeficitAmount,
		DeficitWarningThreshold:   cfg.DeficitWarningThreshold,
		AutoSuspendOnDeficit:      cfg.AutoSuspendOnDeficit,
		TollFreeMaxDuration:       time.Duration(cfg.TollFreeMaxDurationSecs) * time.Second,
	}

	resManager := reservation.New(store, resCfg, publisher, logger)
	auth := authorization.New(store, cache, resManager, logger)
	coord := coordinator.New(auth, resManager, publisher, cfg.InitialReservationMinutes, logger)

	pool := goredis.NewPool(redisClient)
	rs := redsync.New(pool)
	sweeper := NewSweeper(resManager, rs, cfg.SweepLockKey, cfg.SweepInterval, logger)

	return &Service{
		Logger:      logger,
		DB:          db,
		Redis:       redisClient,
		RabbitMQ:    rabbit,
		Reservation: resManager,
		Auth:        auth,
		Coordinator: coord,
		Sweeper:     sweeper,
		cfg:         cfg,
	}, nil
}

// Run starts the event consumer and the periodic sweep leader loop, blocking
// until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	consumer := messaging.NewConsumer(s.RabbitMQ, s.cfg.EventQueue, s.Coordinator, s.Logger)

	var wg sync.WaitGroup

	errs := make(chan error, 2)

	wg.Add(2)

	go func() {
		defer wg.Done()

		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			errs <- err
		}
	}()

	go func() {
		defer wg.Done()
		s.Sweeper.Run(ctx)
	}()

	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}

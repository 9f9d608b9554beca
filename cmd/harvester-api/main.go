package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"harvester/internal/bootstrap"
	"harvester/internal/config"
	"harvester/internal/engine"
	"harvester/internal/escalate"
	"harvester/internal/events"
	server "harvester/internal/http"
	"harvester/internal/ledger"
	"harvester/internal/migrate"
	"harvester/internal/model"
	"harvester/internal/queue"
	"harvester/internal/robots"
	"harvester/internal/runs"
	"harvester/internal/session"
	"harvester/internal/store"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	role := flag.String("role", "all", "process role: api|worker|all")
	flag.Parse()

	cfg := config.Load(*configPath)

	// Run migrations on a short-lived connection
	if err := migrate.Run(cfg.Database.DSN); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	// Create a shared *sql.DB with pooling for the Store
	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open db failed: %v", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	st := store.New(db)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))

	if err := bootstrap.Run(context.Background(), cfg, st, logger); err != nil {
		log.Fatalf("bootstrap failed: %v", err)
	}

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("invalid redis url: %v", err)
		}
		rdb = redis.NewClient(opt)
	}
	if rdb == nil {
		log.Fatal("redis url is required: the run queue and event stream depend on it")
	}

	q := queue.New(rdb, cfg.Redis.TaskQueue)
	emitter := events.NewEmitter(st, rdb, cfg.Redis.EventsChannel, logger)
	subscriber := events.NewSubscriber(rdb, cfg.Redis.EventsChannel)
	credits := ledger.New(st, logger)

	sessions := session.NewManager(session.Config{
		MaxAgeMin:        cfg.Sessions.MaxAgeMin,
		MaxUses:          cfg.Sessions.MaxUses,
		MaxFailureStreak: cfg.Sessions.MaxFailureStreak,
		PersistPath:      cfg.Sessions.PersistPath,
	}, logger)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.NewServer(server.Deps{
		Config:     cfg,
		Store:      st,
		Queue:      q,
		Sessions:   sessions,
		Ledger:     credits,
		Emitter:    emitter,
		Subscriber: subscriber,
		Redis:      rdb,
		Logger:     logger,
	})

	switch *role {
	case "api":
		// API-only: no run execution in this process.
		go func() {
			<-rootCtx.Done()
			_ = srv.Shutdown()
		}()
		if err := srv.Listen(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	case "worker":
		startWorker(rootCtx, cfg, st, emitter, credits, sessions, q, logger)
		<-rootCtx.Done()
	case "all":
		startWorker(rootCtx, cfg, st, emitter, credits, sessions, q, logger)
		go func() {
			<-rootCtx.Done()
			_ = srv.Shutdown()
		}()
		if err := srv.Listen(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	default:
		log.Fatalf("invalid role: %s (expected api|worker|all)", *role)
	}
}

// startWorker wires the executors, orchestrator, worker pool, and retention
// sweeper, launching each in its own goroutine.
func startWorker(ctx context.Context, cfg *config.Config, st *store.Store,
	emitter *events.Emitter, credits *ledger.Ledger, sessions *session.Manager,
	q *queue.Queue, logger *slog.Logger) {

	executors := map[model.Tier]engine.Executor{
		model.TierHTTP: engine.NewHTTPExecutor(engine.HTTPConfig{
			Timeout:      time.Duration(cfg.HTTP.TimeoutS) * time.Second,
			MaxBodyBytes: int64(cfg.HTTP.MaxBodyMB) << 20,
			UserAgent:    cfg.Profile.UserAgent,
		}),
	}
	if cfg.Browser.Enabled {
		executors[model.TierBrowser] = engine.NewBrowserExecutor(engine.BrowserConfig{
			ControlURL: cfg.Browser.ControlURL,
			NavTimeout: time.Duration(cfg.Browser.NavTimeoutMs) * time.Millisecond,
		}, sessions, logger)
	}
	if cfg.Provider.BaseURL != "" {
		providerName := "default"
		if len(cfg.Provider.Keys) > 0 && cfg.Provider.Keys[0].Provider != "" {
			providerName = cfg.Provider.Keys[0].Provider
		}
		executors[model.TierProvider] = engine.NewProviderExecutor(engine.ProviderConfig{
			Name:     providerName,
			BaseURL:  cfg.Provider.BaseURL,
			Timeout:  time.Duration(cfg.Provider.TimeoutS) * time.Second,
			RenderJS: cfg.Provider.RenderJS,
			Premium:  cfg.Provider.Premium,
		}, credits, logger)
	}

	planner := escalate.NewPlanner(escalate.NewHostileTracker(cfg.Runs.HostileDomainThreshold))
	gate := robots.NewGate(cfg.Robots.Respect, cfg.Profile.UserAgent, logger)

	orch := runs.New(runs.Config{
		BackoffBase:        time.Duration(cfg.Runs.BackOffBaseS) * time.Second,
		BackoffCap:         time.Duration(cfg.Runs.BackOffCapS) * time.Second,
		ProviderCreditsCap: float64(cfg.Runs.MaxProviderCredits),
		ListMaxPages:       cfg.Runs.ListMaxPagesDefault,
		ListMaxItems:       cfg.Runs.ListMaxItemsDefault,
		SnapshotMaxBytes:   cfg.Runs.SnapshotMaxMarkdownKB << 10,
		DefaultProfile: model.BrowserProfile{
			UserAgent:      cfg.Profile.UserAgent,
			ViewportWidth:  cfg.Profile.ViewportWidth,
			ViewportHeight: cfg.Profile.ViewportHeight,
			Locale:         cfg.Profile.Locale,
			Timezone:       cfg.Profile.Timezone,
			ColorScheme:    cfg.Profile.ColorScheme,
		},
		AcceptLanguage: cfg.Profile.AcceptLanguage,
	}, st, emitter, planner, executors, sessions, gate, logger)

	worker := runs.NewWorker(orch, q, cfg.Worker.MaxConcurrentRuns,
		time.Duration(cfg.Worker.BlockTimeoutS)*time.Second, logger)
	go worker.Start(ctx)

	if cfg.Retention.Enabled {
		retention := runs.NewRetention(st, sessions, cfg.Retention.RunsDays,
			time.Duration(cfg.Retention.CleanupIntervalMinutes)*time.Minute,
			time.Duration(cfg.Sessions.CleanupIntervalMinutes)*time.Minute, logger)
		go retention.Start(ctx)
	}
}

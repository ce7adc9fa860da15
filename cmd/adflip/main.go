package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/adflip/adflip/internal/analytics"
	"github.com/adflip/adflip/internal/api"
	"github.com/adflip/adflip/internal/applier"
	"github.com/adflip/adflip/internal/auth"
	"github.com/adflip/adflip/internal/circuitbreaker"
	"github.com/adflip/adflip/internal/config"
	"github.com/adflip/adflip/internal/engine"
	"github.com/adflip/adflip/internal/executor"
	"github.com/adflip/adflip/internal/leaderelection"
	"github.com/adflip/adflip/internal/metrics"
	"github.com/adflip/adflip/internal/store/postgres"
	"github.com/adflip/adflip/internal/transport/channel"
	"github.com/adflip/adflip/internal/watchdog"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`adflip - ad status schedule execution engine

Usage:
  adflip <command>

Commands:
  serve      Start the sweeper, executor and HTTP API
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  DATABASE_URL               PostgreSQL connection string (required)
  REDIS_ADDR                 Redis address for outcome analytics (optional)
  HTTP_ADDR                  HTTP server address (default: ":8080")
  SWEEP_INTERVAL             Sweep polling interval (default: "15s")
  SWEEP_BATCH_SIZE           Max due schedules claimed per sweep (default: "100")

  DB_OP_TIMEOUT              Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS          Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS          Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME       Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME      Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT      Graceful HTTP shutdown timeout (default: "10s")
  EXECUTOR_DRAIN_TIMEOUT     Executor task drain timeout (default: "30s")
  TASKBUS_BUFFER_SIZE        Task bus buffer capacity (default: "100")

  METRICS_ENABLED            Enable Prometheus metrics (default: "false")
  METRICS_PATH               Metrics endpoint path (default: "/metrics")

  WATCHDOG_ENABLED           Enable abandoned-execution watchdog (default: "true")
  WATCHDOG_INTERVAL          How often to scan for abandoned work (default: "5m")
  WATCHDOG_GRACE             Age before executing counts as abandoned (default: "10m")
  WATCHDOG_BATCH_SIZE        Max resets per cycle (default: "100")

  CIRCUIT_BREAKER_THRESHOLD  Failures before an account circuit opens; 0 disables (default: "5")
  CIRCUIT_BREAKER_COOLDOWN   Open-circuit cooldown before a probe (default: "2m")

  ADS_API_BASE_URL           Ads platform API base URL (default: Graph API v19.0)
  ADS_API_TIMEOUT            Per-request ads platform timeout (default: "10s")

  API_KEYS                   Comma-separated "token:owner-uuid[:role]" entries

  ANALYTICS_WINDOW           Redis outcome counter bucket size (default: "1h")
  ANALYTICS_RETENTION        Redis outcome counter TTL (default: "24h")

  LEADER_ENABLED             Elect a single sweeper across replicas (default: "false")
  LEADER_LOCK_KEY            Advisory lock key shared by all replicas (default: "582317")
  LEADER_RETRY_INTERVAL      Follower lock retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL  Leader connection heartbeat (default: "2s")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	// Configure connection pool
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	log.Printf("adflip: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s, max_idle_time=%s)",
		cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		return exitRuntimeError
	}

	store := postgres.New(db, cfg.DBOpTimeout)

	// Initialize metrics sink (optional)
	var metricsSink *metrics.PrometheusSink
	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("adflip: metrics enabled (path=%s)", cfg.MetricsPath)
	} else {
		log.Println("adflip: METRICS_ENABLED not set; metrics disabled")
	}

	// Create task bus with optional metrics
	var busOpts []channel.Option
	if metricsSink != nil {
		busOpts = append(busOpts, channel.WithMetrics(metricsSink))
	}
	bus := channel.NewTaskBus(cfg.TaskBusBufferSize, busOpts...)

	// Status applier: graph client + retry + per-account circuit breaker
	graphClient := applier.NewGraphClient(cfg.AdsAPIBaseURL, cfg.AdsAPITimeout)
	statusApplier := applier.New(store, graphClient, applier.DefaultPolicy())
	if cfg.CircuitBreakerThreshold > 0 {
		breaker := circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
		statusApplier = statusApplier.WithBreaker(breaker)
		log.Printf("adflip: circuit breaker enabled (threshold=%d, cooldown=%s)",
			cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	} else {
		log.Println("adflip: CIRCUIT_BREAKER_THRESHOLD=0; circuit breaker disabled")
	}
	if metricsSink != nil {
		statusApplier = statusApplier.WithMetrics(metricsSink)
	}

	eng := engine.New(
		engine.Config{SweepInterval: cfg.SweepInterval, BatchSize: cfg.SweepBatchSize},
		store,
		bus,
	)
	if metricsSink != nil {
		eng = eng.WithMetrics(metricsSink)
	}

	exec := executor.New(store, statusApplier).
		WithDrainTimeout(cfg.ExecutorDrainTimeout)
	if metricsSink != nil {
		exec = exec.WithMetrics(metricsSink)
	}

	// Wire outcome analytics if Redis is configured
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		sink := analytics.NewRedisSink(redisClient, cfg.AnalyticsWindow, cfg.AnalyticsRetention)
		exec = exec.WithAnalytics(sink)
		log.Printf("adflip: outcome analytics enabled (redis=%s)", cfg.RedisAddr)
	} else {
		log.Println("adflip: REDIS_ADDR not set; outcome analytics disabled")
	}

	var dog *watchdog.Watchdog
	if cfg.WatchdogEnabled {
		dog = watchdog.New(watchdog.Config{
			Interval:  cfg.WatchdogInterval,
			Grace:     cfg.WatchdogGrace,
			BatchSize: cfg.WatchdogBatchSize,
		}, store)
		if metricsSink != nil {
			dog = dog.WithMetrics(metricsSink)
		}
		log.Printf("adflip: watchdog enabled (interval=%s, grace=%s, batch=%d)",
			cfg.WatchdogInterval, cfg.WatchdogGrace, cfg.WatchdogBatchSize)
	} else {
		log.Println("adflip: WATCHDOG_ENABLED=false; watchdog disabled")
	}

	// Authentication from the static key set
	keys, err := auth.ParseKeys(cfg.APIKeys)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid API_KEYS: %v\n", err)
		return exitInvalidConfig
	}
	if len(keys) == 0 {
		log.Println("adflip: API_KEYS is empty; every request will be rejected")
	}
	authService := auth.NewService(auth.NewStaticVerifier(keys), auth.DefaultPolicy())

	apiHandler := api.NewHandler(store, eng, analytics.NewService(store), authService).
		WithHealthChecker(db)

	mux := http.NewServeMux()
	if metricsSink != nil {
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
	}
	mux.Handle("/", apiHandler)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	go func() {
		log.Printf("adflip: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("adflip: http server error: %v", err)
		}
	}()

	// Sweeper duties (engine + watchdog) run under their own context so
	// shutdown can stop claiming before the executor drains. Under leader
	// election the elector owns that context instead.
	var dutiesWg sync.WaitGroup
	startDuties := func(ctx context.Context) {
		dutiesWg.Add(1)
		go func() {
			defer dutiesWg.Done()
			eng.Run(ctx)
		}()
		if dog != nil {
			dutiesWg.Add(1)
			go func() {
				defer dutiesWg.Done()
				dog.Run(ctx)
			}()
		}
	}
	stopDuties := func() {
		dutiesWg.Wait()
	}

	executorCtx, cancelExecutor := context.WithCancel(context.Background())
	var executorWg sync.WaitGroup
	executorWg.Add(1)
	go func() {
		defer executorWg.Done()
		exec.Run(executorCtx, bus.Channel())
	}()

	supervisorCtx, cancelSupervisor := context.WithCancel(context.Background())
	var supervisorWg sync.WaitGroup

	if cfg.LeaderEnabled {
		elector := leaderelection.New(db, leaderelection.Config{
			LockKey:           cfg.LeaderLockKey,
			RetryInterval:     cfg.LeaderRetryInterval,
			HeartbeatInterval: cfg.LeaderHeartbeatInterval,
		}, startDuties, stopDuties)
		if metricsSink != nil {
			elector = elector.WithMetrics(metricsSink)
		}
		supervisorWg.Add(1)
		go func() {
			defer supervisorWg.Done()
			elector.Run(supervisorCtx)
		}()
		log.Printf("adflip: leader election enabled (lock_key=%d)", cfg.LeaderLockKey)
	} else {
		startDuties(supervisorCtx)
		log.Println("adflip: LEADER_ENABLED not set; sweeping unconditionally")
	}

	log.Printf("adflip: started (sweep=%s, http=%s)", cfg.SweepInterval, cfg.HTTPAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("adflip: received signal %v, shutting down", received)

	// Phase 1: Stop sweeper duties (no new claims emitted)
	log.Println("adflip: stopping sweeper...")
	cancelSupervisor()
	supervisorWg.Wait()
	stopDuties()
	log.Println("adflip: sweeper stopped")

	// Phase 2: Stop executor (drains buffered tasks before returning)
	log.Println("adflip: stopping executor (draining tasks)...")
	cancelExecutor()
	executorWg.Wait()
	log.Println("adflip: executor stopped")

	// Phase 3: Stop HTTP server with graceful shutdown
	log.Println("adflip: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("adflip: http server shutdown error: %v", err)
	}
	log.Println("adflip: http server stopped")

	log.Println("adflip: stopped")
	return exitSuccess
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("adflip version %s (commit: %s)\n", version, commit)
	return exitSuccess
}

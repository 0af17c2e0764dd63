package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-dispatch/internal/api"
	"github.com/technosupport/ts-dispatch/internal/audit"
	"github.com/technosupport/ts-dispatch/internal/broadcast"
	"github.com/technosupport/ts-dispatch/internal/data"
	"github.com/technosupport/ts-dispatch/internal/dispatch"
	"github.com/technosupport/ts-dispatch/internal/ingest"
	"github.com/technosupport/ts-dispatch/internal/live"
	"github.com/technosupport/ts-dispatch/internal/metrics"
	"github.com/technosupport/ts-dispatch/internal/middleware"
	"github.com/technosupport/ts-dispatch/internal/ratelimit"
	"github.com/technosupport/ts-dispatch/internal/receiving"
	"github.com/technosupport/ts-dispatch/internal/settings"
	"github.com/technosupport/ts-dispatch/internal/tokens"
)

const serviceName = "ts-dispatch"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Config
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/default.yaml"
	}
	cfg, err := settings.Load(configPath)
	if err != nil {
		log.Fatalf("Config load error: %v", err)
	}
	cfg.StartWatcher(ctx)

	dbHost := getenv("DB_HOST", "localhost")
	dbPort := getenv("DB_PORT", "5432")
	dbUser := os.Getenv("DB_USER")
	dbPass := os.Getenv("DB_PASSWORD")
	dbName := os.Getenv("DB_NAME")
	redisAddr := getenv("REDIS_ADDR", "localhost:6379")
	jwtKey := getenv("JWT_SIGNING_KEY", "dev-secret-do-not-use-in-prod")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", dbUser, dbPass, dbHost, dbPort, dbName)

	// DB
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Fatalf("DB open error: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("DB ping error: %v", err)
	}
	defer db.Close()

	// Shared Redis client
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Redis ping error: %v", err)
	}
	defer rdb.Close()

	// NATS is degraded-optional: claim coordination survives without it,
	// ingest/live/cross-instance broadcast do not.
	var nc *nats.Conn
	natsURL := getenv("NATS_URL", nats.DefaultURL)
	nc, err = nats.Connect(natsURL, nats.Name(serviceName))
	if err != nil {
		log.Printf("Warning: NATS connect failed: %v. Ingest, live media and cross-instance fanout disabled.", err)
		nc = nil
	}

	// Models
	accounts := data.AccountModel{DB: db}
	events := data.EventModel{DB: db}
	dashboard := data.DashboardModel{DB: db}

	auditService := audit.NewService(db)
	tokenMgr := tokens.NewManager(jwtKey)

	// Realtime hub
	hub := broadcast.NewHub()
	if nc != nil {
		bridge := broadcast.NewBridge(nc, "dispatch.broadcast", 3)
		if err := bridge.Start(hub); err != nil {
			log.Printf("Warning: broadcast bridge start failed: %v", err)
		} else {
			hub.SetBridge(bridge)
			defer bridge.Close()
		}
	}

	// Claim ledger and receiving arbiter. Tunables point at the settings
	// manager so file reloads reach running components.
	ledger := dispatch.NewLedger(rdb, cfg.ClaimTTL())
	ledger.ClaimTTL = cfg.ClaimTTL
	arbiter := receiving.NewArbiter(rdb, ledger, hub)

	// Live sessions
	var media live.MediaPlane = live.DisabledMediaPlane{}
	if nc != nil {
		media = live.NewNATSMediaPlane(nc, 5*time.Second)
	}
	streams := live.NewStreamManager(rdb, media, cfg.GracePeriod())
	streams.GracePeriod = cfg.GracePeriod
	streams.ReadyPoll = cfg.ReadyPoll
	defer streams.Close()
	if nc != nil {
		if err := streams.SubscribeReady(nc); err != nil {
			log.Printf("Warning: stream readiness subscribe failed: %v", err)
		}
	}
	captures := live.NewCaptureManager(rdb, media, cfg.CaptureTTL())
	captures.TTL = cfg.CaptureTTL
	captures.SettleDelay = cfg.CaptureSettle()
	captures.StartReaper(ctx)

	// State machine and dispatcher
	machine := &dispatch.StateMachine{
		Ledger:   ledger,
		Events:   events,
		Accounts: accounts,
		Gate:     dispatch.NewGate(events),
		Captures: captures,
		Arbiter:  arbiter,
		Bus:      hub,
		Audit:    auditService,
	}
	dispatcher := &dispatch.Dispatcher{
		Queue:     accounts,
		Operators: arbiter,
		Machine:   machine,
		Redis:     rdb,
		Bus:       hub,
	}
	janitor := dispatch.NewJanitor(machine, dispatcher, cfg.JanitorInterval())
	janitor.Start(ctx)

	// Ingest
	var consumer *ingest.Consumer
	if nc != nil {
		ingestCfg := cfg.Current().Ingest
		consumer = &ingest.Consumer{
			Events:     events,
			Accounts:   accounts,
			Dedup:      ingest.NewDedup(ingestCfg.DedupMaxKeys, time.Duration(ingestCfg.DedupTTLSeconds)*time.Second),
			Bus:        hub,
			Dispatcher: dispatcher,
		}
		if err := consumer.Start(nc, ingestCfg.Subject); err != nil {
			log.Printf("Warning: ingest start failed: %v", err)
		} else {
			defer consumer.Stop()
		}
	}

	// Metrics
	collector := metrics.NewCollector(&stateSnapshot{rdb: rdb, queue: accounts})
	go collector.Run(ctx, 15*time.Second)
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				collector.SetWSClients(hub.ClientCount())
			}
		}
	}()
	go func() {
		addr := cfg.Current().Server.MetricsAddr
		log.Printf("Metrics listening on %s", addr)
		if err := http.ListenAndServe(addr, collector.Handler()); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	// HTTP surface
	rl := middleware.NewRateLimitMiddleware(
		ratelimit.NewLimiter(rdb, os.Getenv("RATE_LIMIT_SALT")),
		rateLimitConfig(cfg.Current()),
	)
	router := api.NewRouter(api.RouterDeps{
		Dispatch:  api.NewDispatchHandler(machine, dispatcher),
		Dashboard: &api.DashboardHandler{Dashboard: dashboard, Ledger: ledger, Arbiter: arbiter},
		Receiving: &api.ReceivingHandler{Arbiter: arbiter, Ledger: ledger, Machine: machine, Dispatcher: dispatcher},
		Live:      &api.LiveHandler{Streams: streams, Captures: captures, ReadyTimeout: cfg.ReadyTimeout},
		WS:        &api.WSHandler{Hub: hub},
		JWTAuth:   middleware.NewJWTAuth(tokenMgr),
		RateLimit: rl,
		Observer:  collector,
	})

	addr := cfg.Current().Server.Addr
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	server := &http.Server{Addr: addr, Handler: router}

	go func() {
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("Shutdown requested")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Graceful shutdown error: %v", err)
	}
	log.Println("Server stopped gracefully")
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func rateLimitConfig(f settings.File) middleware.RateLimitConfig {
	conv := func(r settings.RawLimit) ratelimit.LimitConfig {
		return ratelimit.LimitConfig{Rate: r.Rate, Window: time.Duration(r.WindowSeconds) * time.Second}
	}
	c := middleware.RateLimitConfig{
		GlobalIP:  conv(f.RateLimit.GlobalIP),
		Operator:  conv(f.RateLimit.Operator),
		Endpoints: map[string]ratelimit.LimitConfig{},
	}
	if c.GlobalIP.Rate <= 0 {
		c.GlobalIP = ratelimit.LimitConfig{Rate: 300, Window: time.Minute}
	}
	if c.Operator.Rate <= 0 {
		c.Operator = ratelimit.LimitConfig{Rate: 120, Window: time.Minute}
	}
	for path, raw := range f.RateLimit.Endpoints {
		c.Endpoints[path] = conv(raw)
	}
	return c
}

// stateSnapshot counts the coordinator's live redis state for the gauges.
type stateSnapshot struct {
	rdb   *redis.Client
	queue dispatch.QueueReader
}

func (s *stateSnapshot) MetricsSnapshot(ctx context.Context) (*metrics.Snapshot, error) {
	snap := &metrics.Snapshot{}

	claims, err := s.rdb.ZCard(ctx, "dispatch:expiry").Result()
	if err != nil {
		return nil, err
	}
	snap.ActiveClaims = int(claims)

	holds, err := countKeys(ctx, s.rdb, "dispatch:hold:*")
	if err != nil {
		return nil, err
	}
	snap.ActiveHolds = holds

	streams, err := countKeys(ctx, s.rdb, "stream:sess:*")
	if err != nil {
		return nil, err
	}
	snap.StreamSessions = streams

	captures, err := s.rdb.SCard(ctx, "capture:index").Result()
	if err != nil {
		return nil, err
	}
	snap.ActiveCaptures = int(captures)

	items, err := s.queue.ListQueue(ctx)
	if err != nil {
		return nil, err
	}
	snap.PendingAccounts = len(items)

	return snap, nil
}

func countKeys(ctx context.Context, rdb *redis.Client, pattern string) (int, error) {
	var cursor uint64
	count := 0
	for {
		keys, next, err := rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return 0, err
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

// Command pitchlined runs the coaching platform core: the HTTP and
// WebSocket API, the event bus consumers and the outcome aggregator.
//
// Configuration comes from the environment (see the config package). With
// no DATABASE_URL, REDIS_URL or MONGO_URL the process runs fully in
// memory, which is the development default.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	cluehealth "goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/pitchline/pitchline/api"
	"github.com/pitchline/pitchline/auth"
	"github.com/pitchline/pitchline/bus"
	businmem "github.com/pitchline/pitchline/bus/inmem"
	busredis "github.com/pitchline/pitchline/bus/redis"
	"github.com/pitchline/pitchline/config"
	"github.com/pitchline/pitchline/health"
	"github.com/pitchline/pitchline/memory/audit"
	auditinmem "github.com/pitchline/pitchline/memory/audit/inmem"
	auditmongo "github.com/pitchline/pitchline/memory/audit/mongo"
	"github.com/pitchline/pitchline/memory/comply"
	"github.com/pitchline/pitchline/memory/outcome"
	"github.com/pitchline/pitchline/memory/rerank"
	"github.com/pitchline/pitchline/memory/retriever"
	storeinmem "github.com/pitchline/pitchline/memory/store/inmem"
	storepostgres "github.com/pitchline/pitchline/memory/store/postgres"
	"github.com/pitchline/pitchline/memory/vector"
	vectorinmem "github.com/pitchline/pitchline/memory/vector/inmem"
	vectorqdrant "github.com/pitchline/pitchline/memory/vector/qdrant"
	"github.com/pitchline/pitchline/ratelimit"
	"github.com/pitchline/pitchline/router"
	routerinmem "github.com/pitchline/pitchline/router/inmem"
	routerredis "github.com/pitchline/pitchline/router/redis"
	"github.com/pitchline/pitchline/telemetry"

	qdrantclient "github.com/qdrant/go-client/qdrant"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if err := run(ctx); err != nil {
		log.Errorf(ctx, err, "exiting")
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx = log.With(ctx, log.KV{K: "env", V: cfg.Env})
	downgrades := health.NewRegistry()
	var pingers []pingerEntry

	// Redis backs the bus, router, limiter and outcome dedupe.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		defer rdb.Close()
		pingers = append(pingers, pingerEntry{"redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	// Relational stores.
	var (
		stores  storeSet
		pgstore *storepostgres.Store
	)
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		pgstore, err = storepostgres.New(pool)
		if err != nil {
			return err
		}
		stores = storeSet{
			knowledge:  pgstore.Knowledge(),
			strategies: pgstore.Strategies(),
			events:     pgstore.Events(),
			outcomes:   pgstore.Outcomes(),
		}
		pingers = append(pingers, pingerEntry{"postgres", pgstore.Ping})
	} else {
		mem := storeinmem.New()
		stores = storeSet{
			knowledge:  mem.Knowledge(),
			strategies: mem.Strategies(),
			events:     mem.Events(),
			outcomes:   mem.Outcomes(),
		}
		downgrades.Register("postgres", "DATABASE_URL not set, using in-memory store")
	}

	// Audit trail.
	var audits audit.Store
	if cfg.MongoURL != "" {
		client, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.MongoURL))
		if err != nil {
			return err
		}
		defer func() { _ = client.Disconnect(context.Background()) }()
		collection := client.Database("pitchline").Collection("memory_audit")
		mstore := auditmongo.New(collection)
		if err := mstore.EnsureIndexes(ctx); err != nil {
			return err
		}
		audits = mstore
		pingers = append(pingers, pingerEntry{"mongo", func(ctx context.Context) error {
			return client.Ping(ctx, nil)
		}})
	} else {
		audits = auditinmem.New()
		downgrades.Register("mongo", "MONGO_URL not set, using in-memory audit trail")
	}

	// Event bus.
	var b bus.Bus
	if cfg.UseRedisBus && rdb != nil {
		b, err = busredis.New(busredis.Options{Client: rdb})
		if err != nil {
			return err
		}
	} else {
		b = businmem.New()
		if cfg.UseRedisBus {
			downgrades.Register("bus", "redis bus requested but unavailable, using memory bus")
		}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.Close(shutdownCtx); err != nil {
			log.Errorf(ctx, err, "close bus")
		}
	}()

	// Session router.
	var sessions router.Manager
	if cfg.WebSocketManager == "redis" && rdb != nil {
		sessions, err = routerredis.New(routerredis.Options{Client: rdb})
		if err != nil {
			return err
		}
	} else {
		sessions = routerinmem.New()
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sessions.Close(shutdownCtx); err != nil {
			log.Errorf(ctx, err, "close session router")
		}
	}()

	// Vector index.
	var index vector.Index
	switch {
	case cfg.QdrantAddr != "" && cfg.EmbedEndpoint != "":
		host, port, err := splitHostPort(cfg.QdrantAddr)
		if err != nil {
			return err
		}
		qc, err := qdrantclient.NewClient(&qdrantclient.Config{Host: host, Port: port})
		if err != nil {
			downgrades.Register("vector", "qdrant unavailable: "+err.Error())
		} else {
			defer qc.Close()
			index, err = vectorqdrant.New(vectorqdrant.Options{
				Client: qc,
				Embed:  vectorqdrant.HTTPEmbedder(cfg.EmbedEndpoint, nil),
			})
			if err != nil {
				return err
			}
			pingers = append(pingers, pingerEntry{"vector", func(ctx context.Context) error {
				_, err := qc.HealthCheck(ctx)
				return err
			}})
		}
	default:
		index = vectorinmem.New()
		downgrades.Register("vector", "qdrant not configured, using in-memory index")
	}

	// Reranker.
	var reranker rerank.Reranker = rerank.Noop{}
	if cfg.RerankEndpoint != "" {
		reranker = rerank.NewHTTP(cfg.RerankEndpoint, nil)
	} else {
		downgrades.Register("reranker", "RAG_RERANK_ENDPOINT not set, keeping fused order")
	}

	ret, err := retriever.New(retriever.Options{
		Knowledge:   stores.knowledge,
		Strategies:  stores.strategies,
		Events:      stores.events,
		Vector:      index,
		Reranker:    reranker,
		Audits:      audits,
		StrictAudit: cfg.Production() && cfg.AuditLogStrict,
		Tracer:      telemetry.NewTracer(),
	})
	if err != nil {
		return err
	}

	rules, err := cfg.LoadComplianceRules()
	if err != nil {
		return err
	}
	checker, err := comply.New(comply.Options{
		Rules: comply.Rules{
			SensitiveWords:        rules.SensitiveWords,
			InjectionPatterns:     rules.InjectionPatterns,
			GuaranteedReturnWords: rules.GuaranteedReturnWords,
			BlockFallback:         rules.BlockFallback,
			WarnMessage:           rules.WarnMessage,
		},
		Strategies: stores.strategies,
		Audits:     audits,
		Bus:        b,
	})
	if err != nil {
		return err
	}

	// Outcome aggregation needs Redis for its dedupe guard.
	if rdb != nil {
		agg, err := outcome.New(outcome.Options{
			Redis:      rdb,
			Strategies: stores.strategies,
			Events:     stores.events,
		})
		if err != nil {
			return err
		}
		sub, err := agg.Start(ctx, b)
		if err != nil {
			return err
		}
		defer func() {
			if err := sub.Close(); err != nil {
				log.Errorf(ctx, err, "close outcome subscription")
			}
		}()
	} else {
		downgrades.Register("outcome", "no redis, outcome aggregation disabled")
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimitEnabled && rdb != nil {
		limiter, err = ratelimit.New(ratelimit.Options{
			Redis:  rdb,
			Limit:  cfg.RateLimit,
			Window: cfg.RateLimitWindow,
			Bus:    b,
		})
		if err != nil {
			return err
		}
	}

	authMgr, err := auth.New(secretOrDev(cfg), cfg.TokenTTL)
	if err != nil {
		return err
	}

	checkerPingers := make([]cluehealth.Pinger, 0, len(pingers))
	for _, p := range pingers {
		checkerPingers = append(checkerPingers, health.NewPinger(p.name, p.ping))
	}
	healthChecker := health.NewChecker(downgrades, checkerPingers...)

	server, err := api.New(api.Options{
		Auth:       authMgr,
		Users:      usersFromEnv(),
		Retriever:  ret,
		Checker:    checker,
		Events:     stores.events,
		Outcomes:   stores.outcomes,
		Knowledge:  stores.knowledge,
		Strategies: stores.strategies,
		Audits:     audits,
		Bus:        b,
		Sessions:   sessions,
		Health:     healthChecker,
		Limiter:    limiter,
		Metrics:    telemetry.NewMetrics(),
		Production: cfg.Production(),
	})
	if err != nil {
		return err
	}

	return serve(ctx, cfg.HTTPAddr, server)
}

// serve runs the HTTP server until the context or a termination signal
// stops it, then drains with a grace period.
func serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		log.Printf(ctx, "listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return err
	case sig := <-stop:
		log.Printf(ctx, "received %s, shutting down", sig)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

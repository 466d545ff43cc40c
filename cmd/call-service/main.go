package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"voidlink-backend/internal/call"
	"voidlink-backend/internal/config"
	callHandler "voidlink-backend/internal/handler/http/call"
	wsHandler "voidlink-backend/internal/handler/ws"
	"voidlink-backend/internal/middleware"
	"voidlink-backend/internal/repository/cassandra"
	"voidlink-backend/internal/repository/cockroach"
	redisRepo "voidlink-backend/internal/repository/redis"
	"voidlink-backend/internal/transport/redisrelay"
	"voidlink-backend/pkg/constants"
	pkgDatabase "voidlink-backend/pkg/database"
	"voidlink-backend/pkg/jwt"
	"voidlink-backend/pkg/logger"
)

func main() {
	ctx := context.Background()
	cfg := config.Load()

	logger.InitDefault()
	defer logger.Sync()

	// 1. Setup JWT Manager
	if cfg.JWT.Secret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
	if len(cfg.JWT.Secret) < 32 {
		log.Fatal("JWT_SECRET must be at least 32 characters")
	}
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry, cfg.JWT.RefreshTokenExpiry)

	// 2. Connect to CockroachDB for call session logs with retry logic
	dbConfig := &pkgDatabase.CockroachConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	}

	db, err := connectCockroachWithRetry(ctx, dbConfig)
	if err != nil {
		log.Printf("Warning: CockroachDB unavailable: %v", err)
		log.Println("Running without call history persistence")
	}

	var callRepo *cockroach.CallRepository
	var userRepo *cockroach.CachedUserRepository
	if db != nil {
		defer db.Close()
		callRepo = cockroach.NewCallRepository(db.Pool)
		userRepo = cockroach.NewCachedUserRepository(cockroach.NewUserRepository(db.Pool))
		log.Println("✅ Connected to CockroachDB")
	}

	// 3. Connect to Redis (signaling relay + busy presence)
	redisDB, err := pkgDatabase.NewRedisDB(&pkgDatabase.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  5 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisDB.Close()
	log.Println("✅ Connected to Redis")

	relay := redisrelay.New(redisDB.Client, logger.Log)
	presenceRepo := redisRepo.NewCallPresenceRepository(redisDB.Client)

	// 4. Connect to Cassandra for system call markers (optional)
	var sysmsgRepo *cassandra.SystemMessageRepository
	cassandraDB, err := pkgDatabase.NewCassandraDB(&pkgDatabase.CassandraConfig{
		Hosts:    cfg.Cassandra.Hosts,
		Keyspace: cfg.Cassandra.Keyspace,
		Timeout:  10 * time.Second,
	})
	if err != nil {
		log.Printf("Warning: Cassandra unavailable: %v", err)
		log.Println("Running without call markers in conversations")
	} else {
		defer cassandraDB.Close()
		sysmsgRepo = cassandra.NewSystemMessageRepository(cassandraDB.Session)
		log.Println("✅ Connected to Cassandra")
	}

	// 5. Build the call gateway. SelfID is filled in per connection from
	// the authenticated user.
	engineCfg := call.Config{
		ICE:           cfg.ICEConfig(),
		RingTimeout:   cfg.Call.RingTimeout,
		StatsInterval: cfg.Call.StatsInterval,
	}
	gateway := wsHandler.NewCallGateway(relay, nil, asSessionStore(callRepo), asIdentityResolver(userRepo), asSystemMessages(sysmsgRepo), presenceRepo, engineCfg)

	// 6. HTTP handlers for call history and ICE config
	callHdlr := callHandler.NewHandler(asCallStore(callRepo), cfg.ICEConfig())

	// 7. Setup Gin router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	trustedProxies := []string{"127.0.0.1"}
	if proxies := os.Getenv("TRUSTED_PROXIES"); proxies != "" {
		trustedProxies = []string{proxies}
	}
	router.SetTrustedProxies(trustedProxies)

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.PrometheusMiddleware())

	router.GET("/health", middleware.HealthCheck(cfg.Server.ServiceName))
	router.GET("/metrics", middleware.MetricsHandler())

	v1 := router.Group("/v1/calls")
	v1.Use(middleware.AuthMiddleware(jwtManager))
	{
		v1.GET("/history", callHdlr.GetCallHistory)
		v1.GET("/ice-config", callHdlr.GetICEConfig)
		v1.GET("/:id", callHdlr.GetCall)

		// WebSocket endpoint driving the call engine
		v1.GET("/ws", gateway.ServeWS)
	}

	// 8. Start server with graceful shutdown
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("🚀 Call Service starting on port %s\n", cfg.Server.Port)
		log.Println("📡 Call control: /v1/calls/ws")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down call service...")

	shutdownCtx, cancel := context.WithTimeout(ctx, constants.GracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Forced shutdown: %v", err)
	}
	log.Println("Call service stopped")
}

func connectCockroachWithRetry(ctx context.Context, cfg *pkgDatabase.CockroachConfig) (*pkgDatabase.CockroachDB, error) {
	const maxRetries = 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	db, err := pkgDatabase.NewCockroachDB(ctx, cfg)
	if err == nil {
		return db, nil
	}

	for attempt := 2; attempt <= maxRetries; attempt++ {
		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		log.Printf("⚠️  CockroachDB connection attempt %d failed: %v. Retrying in %v...", attempt-1, err, delay)
		time.Sleep(delay)

		db, err = pkgDatabase.NewCockroachDB(ctx, cfg)
		if err == nil {
			return db, nil
		}
	}
	return nil, err
}

// The repositories are optional at startup. A typed nil pointer stored in
// an interface would dodge the engine's nil checks, so map missing repos
// to untyped nils here.

func asSessionStore(r *cockroach.CallRepository) call.SessionStore {
	if r == nil {
		return nil
	}
	return r
}

func asIdentityResolver(r *cockroach.CachedUserRepository) call.IdentityResolver {
	if r == nil {
		return nil
	}
	return r
}

func asSystemMessages(r *cassandra.SystemMessageRepository) call.SystemMessages {
	if r == nil {
		return nil
	}
	return r
}

func asCallStore(r *cockroach.CallRepository) callHandler.CallStore {
	if r == nil {
		return nil
	}
	return r
}

/**
 * @description
 * This is the main entry point for the verification-service. It is responsible
 * for initializing all components of the service, including configuration,
 * database connection, the Daraja payment gateway client, message brokers,
 * repositories, the core orchestrator, the housekeeping scheduler, and the
 * HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client for distributed rate limiting.
 * - internal/api, internal/app, internal/config, internal/feepolicy,
 *   internal/gateway, internal/store: Internal packages for the service.
 * - pkg/darajaclient: Client for the Daraja payments API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/konfirmpay/verification-service/internal/api"
	"github.com/konfirmpay/verification-service/internal/app"
	"github.com/konfirmpay/verification-service/internal/config"
	"github.com/konfirmpay/verification-service/internal/feepolicy"
	"github.com/konfirmpay/verification-service/internal/gateway"
	"github.com/konfirmpay/verification-service/internal/store"
	"github.com/konfirmpay/verification-service/pkg/darajaclient"
	rmrabbit "github.com/konfirmpay/verification-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.DarajaConsumerKey) == "" || strings.TrimSpace(cfg.DarajaConsumerSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"daraja credentials must be configured\" env=DARAJA_CONSUMER_KEY,DARAJA_CONSUMER_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting verification-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish lifecycle events. A broker
	// outage degrades to the no-op fallback instead of blocking payments.
	var events rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		events = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
		events = rabbitProducer
	}

	// Initialize the Daraja payments client.
	darajaClient := darajaclient.NewClient(darajaclient.Config{
		BaseURL:            cfg.DarajaBaseURL,
		ConsumerKey:        cfg.DarajaConsumerKey,
		ConsumerSecret:     cfg.DarajaConsumerSecret,
		ShortCode:          cfg.DarajaShortCode,
		Passkey:            cfg.DarajaPasskey,
		CallbackURL:        cfg.DarajaCallbackURL,
		InitiatorName:      cfg.DarajaInitiatorName,
		SecurityCredential: cfg.DarajaSecurityCredential,
	})

	var redisClient *redis.Client
	if cfg.StartRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; start rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; start rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; start rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	fees, err := feepolicy.New(cfg.VerificationFeeBands, cfg.VerificationFeeMax)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"fee band config invalid\" err=%v", err)
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core orchestrator with its dependencies.
	verificationService := app.NewService(
		repository,
		repository,
		gateway.NewDarajaGateway(darajaClient),
		events,
		fees,
		time.Duration(cfg.STKPushTimeoutSeconds)*time.Second,
		cfg.SettlementEnabled,
	)
	if redisClient != nil {
		verificationService.SetStartRateLimiter(
			app.NewRedisStartRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
			cfg.StartRateLimitPerMinute,
		)
	}

	// Start the housekeeping scheduler that expires stale PENDING sessions.
	slogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	jobs := app.NewJobs(verificationService, slogger, time.Duration(cfg.PendingExpiryMinutes)*time.Minute)
	scheduler := app.NewScheduler(jobs, slogger, cfg.ExpirySweepSchedule)
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	// Initialize the API handlers and router.
	verificationHandlers := api.NewVerificationHandlers(verificationService)
	router := api.VerificationRoutes(
		verificationHandlers,
		splitAndTrim(cfg.CallbackAllowedCIDRs),
		splitAndTrim(cfg.CORSAllowedOrigins),
	)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

func splitAndTrim(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

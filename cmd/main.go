/**
 * @description
 * Main entry point for the crowdfunding-service. It loads configuration, opens the
 * ledger storage backend, connects the token service, event broker and rate limiter,
 * initializes the campaign ledger, and serves the HTTP API until it is signalled.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/redis/go-redis/v9: Distributed write throttling.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq, pkg/tokenclient: Event publishing and the remote token service.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/transfa/crowdfunding-service/internal/api"
	"github.com/transfa/crowdfunding-service/internal/app"
	"github.com/transfa/crowdfunding-service/internal/config"
	"github.com/transfa/crowdfunding-service/internal/domain"
	platformotel "github.com/transfa/crowdfunding-service/internal/platform/otel"
	"github.com/transfa/crowdfunding-service/internal/store"
	"github.com/transfa/crowdfunding-service/internal/store/layout"
	"github.com/transfa/crowdfunding-service/internal/token"
	rmrabbit "github.com/transfa/crowdfunding-service/pkg/rabbitmq"
	"github.com/transfa/crowdfunding-service/pkg/tokenclient"
)

const serviceName = "crowdfunding-service"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; relying on environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting crowdfunding-service", "port", cfg.ServerPort, "storage_backend", cfg.StorageBackend)

	ctx := context.Background()

	tracerProvider, shutdownTracing, err := platformotel.Setup(ctx, serviceName, cfg.OTelExporterEndpoint)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"tracing setup failed\" err=%v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("tracing shutdown failed", "error", err)
		}
	}()

	backend, err := store.OpenBackend(ctx, cfg.StorageBackend, cfg.SQLitePath, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"storage backend open failed\" backend=%s err=%v", cfg.StorageBackend, err)
	}
	defer backend.Close()
	log.Printf("level=info component=bootstrap msg=\"storage backend ready\" backend=%s", cfg.StorageBackend)

	custody := domain.NormalizeAddress(cfg.CustodyAccount)
	var tokens app.TokenResolver
	if cfg.TokenServiceURL == "" {
		log.Println("level=warn component=bootstrap msg=\"token service url missing; using in-process token registry\" env=TOKEN_SERVICE_URL")
		registry, seedErr := seedLocalTokens(cfg, custody)
		if seedErr != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"in-process token registry unusable\" err=%v", seedErr)
		}
		tokens = registry
	} else {
		tokens = tokenclient.NewClient(cfg.TokenServiceURL, cfg.TokenServiceAPIKey, custody)
	}

	var publisher rmrabbit.Publisher
	producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, cfg.EventsExchange)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		publisher = &rmrabbit.EventProducerFallback{}
	} else {
		publisher = producer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}
	defer publisher.Close()

	ledger := app.NewLedger(backend, tokens, publisher, logger, app.WithTracerProvider(tracerProvider))
	admin := domain.NormalizeAddress(cfg.AdminAccount)
	if err := ledger.Initialize(ctx, admin, cfg.MaxDuration()); err != nil && !errors.Is(err, domain.ErrAlreadyInitialized) {
		log.Fatalf("level=fatal component=bootstrap msg=\"ledger initialize failed\" err=%v", err)
	}
	if cfg.AutoUpgradeLayout {
		if err := ledger.Upgrade(ctx, admin, layout.Latest); err != nil {
			log.Printf("level=warn component=bootstrap msg=\"ledger layout upgrade skipped\" target=%d err=%v", layout.Latest, err)
		}
	}
	if v, err := ledger.LayoutVersion(ctx); err == nil {
		log.Printf("level=info component=bootstrap msg=\"ledger ready\" layout_version=%d", v)
	}

	var limiter app.WriteLimiter
	if cfg.RedisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; write rate limiting disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; write rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; write rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				limiter = app.NewRedisWriteLimiter(redisClient, cfg.RedisRateLimitPrefix)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	auditor := app.NewCustodyAuditor(ledger, tokens, custody, logger)
	scheduler := app.NewScheduler(auditor, logger, cfg.CustodyAuditSchedule)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"custody audit schedule invalid\" schedule=%q err=%v", cfg.CustodyAuditSchedule, err)
	}

	handlers := api.NewCampaignHandlers(ledger)
	router := api.CampaignRoutes(handlers, api.RouterOptions{
		Auth: api.AuthOptions{
			SigningKey: strings.TrimSpace(cfg.JWTSigningKey),
			Issuer:     strings.TrimSpace(cfg.JWTIssuer),
			Audience:   strings.TrimSpace(cfg.JWTAudience),
		},
		AllowedOrigins: cfg.AllowedOrigins(),
		Limiter:        limiter,
		WriteLimits: app.WriteLimits{
			Total:   cfg.WriteRateLimitPerMinute,
			PerKind: map[app.WriteKind]int{app.WriteLaunch: cfg.LaunchRateLimitPerMinute},
		},
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}
	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("level=info component=http msg=\"shutdown started\"")
	<-scheduler.Stop().Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// seedLocalTokens builds the in-process registry from LOCAL_TOKENS and LOCAL_TOKEN_GENESIS.
// A registry without tokens could never accept a pledge, so it is an error.
func seedLocalTokens(cfg config.Config, custody domain.Address) (*token.Registry, error) {
	genesis, err := token.ParseGenesis(cfg.LocalTokenGenesis)
	if err != nil {
		return nil, fmt.Errorf("LOCAL_TOKEN_GENESIS: %w", err)
	}
	ids := make([]domain.Address, 0, len(cfg.LocalTokenIDs()))
	for _, id := range cfg.LocalTokenIDs() {
		ids = append(ids, domain.NormalizeAddress(id))
	}

	registry := token.NewRegistry(custody)
	if err := registry.Seed(ids, genesis); err != nil {
		return nil, err
	}
	if len(registry.IDs()) == 0 {
		return nil, errors.New("no tokens configured; set TOKEN_SERVICE_URL, LOCAL_TOKENS or LOCAL_TOKEN_GENESIS")
	}
	if len(genesis) == 0 {
		log.Println("level=warn component=bootstrap msg=\"no genesis balances configured; pledges will fail until accounts are funded\" env=LOCAL_TOKEN_GENESIS")
	}
	log.Printf("level=info component=bootstrap msg=\"in-process tokens ready\" tokens=%d genesis_entries=%d", len(registry.IDs()), len(genesis))
	return registry, nil
}

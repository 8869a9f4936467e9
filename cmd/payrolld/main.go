package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/clearledger/payroll/internal/archive"
	"github.com/clearledger/payroll/internal/auth"
	"github.com/clearledger/payroll/internal/gateway"
	"github.com/clearledger/payroll/internal/payroll"
	"github.com/clearledger/payroll/internal/roles"
	"github.com/clearledger/payroll/internal/settlement"
	"github.com/clearledger/payroll/pkg/messaging"
	"github.com/clearledger/payroll/pkg/telemetry"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	goon := os.Getenv("GOON_PRINCIPAL")
	if goon == "" {
		log.Fatal("GOON_PRINCIPAL is required")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	natsURL := os.Getenv("NATS_URL")
	dbURL := os.Getenv("DATABASE_URL")
	redisURL := os.Getenv("REDIS_URL")

	natsClient, err := messaging.NewClient(natsURL, messaging.ClientOptions{
		Name:          "payrolld",
		ReconnectWait: time.Second,
		MaxReconnects: 10,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer natsClient.Close()

	rail := settlement.NewNATSRail(natsClient, settlement.Config{
		Subject: envOr("RAIL_SUBJECT", "rail.settle"),
		Scale:   int32(envInt("RAIL_SCALE", 2)),
	})

	var metrics telemetry.Recorder = telemetry.Nop{}
	if influxURL := os.Getenv("INFLUXDB_URL"); influxURL != "" {
		influx := telemetry.NewInflux(influxURL, os.Getenv("INFLUXDB_TOKEN"),
			os.Getenv("INFLUXDB_ORG"), os.Getenv("INFLUXDB_BUCKET"))
		defer influx.Close()
		metrics = influx
	}

	engine := payroll.NewEngine(payroll.Config{
		Goon:      payroll.Principal(goon),
		Directory: roles.NewMemory(),
		Rail:      rail,
		Publisher: natsClient,
		Metrics:   metrics,
	})

	if dbURL != "" {
		db, err := sql.Open("postgres", dbURL)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer db.Close()

		store := archive.NewStore(db)
		if err := store.Init(context.Background()); err != nil {
			log.Fatalf("Failed to init payment archive: %v", err)
		}
		if err := store.Follow(natsClient); err != nil {
			log.Fatalf("Failed to follow payment events: %v", err)
		}
	}

	var limitStore gateway.WindowStore
	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		limitStore = gateway.NewRedisStore(redis.NewClient(opts))
	}

	feed := gateway.NewFeed()
	if err := feed.Listen(natsClient); err != nil {
		log.Fatalf("Failed to subscribe event feed: %v", err)
	}

	tokens := auth.NewService(jwtSecret, time.Duration(envInt("JWT_TTL_HOURS", 24))*time.Hour)

	gw := gateway.New(gateway.Config{
		RateLimitMax:    int64(envInt("RATE_LIMIT_MAX", 100)),
		RateLimitWindow: time.Duration(envInt("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
		RateLimitStore:  limitStore,
	}, engine, tokens, feed)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: gw.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("payrolld listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := natsClient.Drain(); err != nil {
			log.Printf("NATS drain: %v", err)
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("payrolld exited: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("Invalid %s: %v", key, err)
	}
	return n
}

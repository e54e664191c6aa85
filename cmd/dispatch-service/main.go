package main

import (
	"context"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tokenflow/dispatch-service/internal/broadcast"
	"tokenflow/dispatch-service/internal/config"
	"tokenflow/dispatch-service/internal/dispatch"
	"tokenflow/dispatch-service/internal/httpapi"
	"tokenflow/dispatch-service/internal/hub"
	"tokenflow/dispatch-service/internal/models"
	"tokenflow/dispatch-service/internal/registry"
	"tokenflow/dispatch-service/internal/snapshot"
	"tokenflow/dispatch-service/internal/store"
	memorystore "tokenflow/dispatch-service/internal/store/memory"
	postgresstore "tokenflow/dispatch-service/internal/store/postgres"
	"tokenflow/dispatch-service/internal/telemetry"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()
	shutdownTelemetry := telemetry.Setup("dispatch-service", telemetry.Options{
		Endpoint: cfg.OTLPEndpoint,
		Insecure: cfg.OTLPInsecure,
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	var tokens store.TokenStore
	var counters registry.CounterRegistry
	var types registry.ServiceTypeDirectory

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect: %v", err)
		}
		defer pool.Close()

		pgRegistry := registry.NewPostgresRegistry(pool)
		tokens = postgresstore.NewStore(pool)
		counters = pgRegistry
		types = pgRegistry
	} else {
		log.Printf("DB_DSN not set, using in-memory store with demo data")
		memRegistry := registry.NewMemoryRegistry()
		seedDemo(memRegistry)
		tokens = memorystore.NewStore(memRegistry)
		counters = memRegistry
		types = memRegistry
	}

	realtimeHub := hub.New()
	builder := snapshot.NewBuilder(tokens, counters, types, cfg.QueueDepth)

	var sinks []broadcast.Sink
	if cfg.AMQPURL != "" {
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			log.Fatalf("amqp connect: %v", err)
		}
		defer conn.Close()
		sinks = append(sinks, broadcast.NewAMQPSink(conn, cfg.AMQPExchange))
	}
	publisher := broadcast.NewPublisher(builder, realtimeHub, sinks...)

	scheduler := dispatch.NewScheduler(tokens, counters, types, dispatch.Options{
		ClaimRetryLimit: cfg.ClaimRetryLimit,
		Notifier:        publisher,
	})

	handler := httpapi.NewHandler(scheduler, counters, types, publisher, publisher)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		PerMinute: cfg.RateLimitPerMinute,
		Burst:     cfg.RateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/", handler.Routes())
	mux.Handle("/realtime/", sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		realtimeHub.Register(client)
		defer realtimeHub.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				realtimeHub.UpdateSubscription(client, hub.Subscription{})
				continue
			}
			realtimeHub.UpdateSubscription(client, hub.Subscription{CounterID: parsed.CounterID})
		}
	}))

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "dispatch-service")
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("dispatch-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	go func() {
		if cfg.NoShowGrace <= 0 || cfg.NoShowInterval <= 0 {
			return
		}
		ticker := time.NewTicker(cfg.NoShowInterval)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			count, err := scheduler.AutoNoShow(ctx, cfg.NoShowGrace, cfg.NoShowBatchSize)
			cancel()
			if err != nil {
				log.Printf("auto no-show error: %v", err)
				continue
			}
			if count > 0 {
				log.Printf("auto no-show processed %d tokens", count)
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	publisher.Close()
}

func seedDemo(reg *registry.MemoryRegistry) {
	reg.AddServiceType(models.ServiceType{ServiceTypeID: "st-general", Name: "General", Code: "A", PriorityWeight: 1, AvgServiceSeconds: 300})
	reg.AddServiceType(models.ServiceType{ServiceTypeID: "st-priority", Name: "Priority", Code: "P", PriorityWeight: 10, AvgServiceSeconds: 240})
	reg.AddCounter(models.Counter{CounterID: "counter-1", Name: "Counter 1", IsActive: true})
	reg.AddCounter(models.Counter{CounterID: "counter-2", Name: "Counter 2", IsActive: true})
}

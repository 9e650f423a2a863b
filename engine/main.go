package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itskum47/TwinForge/engine/eventing"
	"github.com/itskum47/TwinForge/engine/idempotency"
	"github.com/itskum47/TwinForge/engine/machine"
	"github.com/itskum47/TwinForge/engine/middleware"
	"github.com/itskum47/TwinForge/engine/notifier"
	"github.com/itskum47/TwinForge/engine/processor"
	"github.com/itskum47/TwinForge/engine/script"
	"github.com/itskum47/TwinForge/engine/service"
	"github.com/itskum47/TwinForge/engine/store"
	"github.com/itskum47/TwinForge/engine/waker"
)

func main() {
	cfg := ConfigFromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// storage
	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.Application)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pg.Close()
		st = pg
		log.Printf("Using Postgres storage")
	} else {
		st = store.NewMemoryStore(cfg.Application)
		log.Printf("Using in-memory storage (single-node only)")
	}

	// transports
	var (
		eventSink          eventing.EventSink
		eventSource        eventing.EventSource
		commandSink        eventing.CommandSink
		notificationSink   eventing.NotificationSink
		notificationSource eventing.NotificationSource
	)

	fanout := notifier.NewFanout()

	if len(cfg.KafkaBrokers) > 0 {
		kafkaCfg := eventing.KafkaConfig{
			Brokers:            cfg.KafkaBrokers,
			EventsTopic:        cfg.EventsTopic,
			NotificationsTopic: cfg.NotificationsTopic,
			CommandsTopic:      cfg.CommandsTopic,
			ConsumerGroup:      cfg.ConsumerGroup,
		}

		sink, err := eventing.NewKafkaEventSink(kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to create Kafka event sink: %v", err)
		}
		defer sink.Close()
		eventSink = sink

		source, err := eventing.NewKafkaEventSource(kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to create Kafka event source: %v", err)
		}
		defer source.Close()
		eventSource = source

		nsink, err := eventing.NewKafkaNotificationSink(kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to create Kafka notification sink: %v", err)
		}
		defer nsink.Close()
		notificationSink = nsink

		nsource, err := eventing.NewKafkaNotificationSource(kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to create Kafka notification source: %v", err)
		}
		defer nsource.Close()
		notificationSource = nsource

		csink, err := eventing.NewKafkaCommandSink(kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to create Kafka command sink: %v", err)
		}
		defer csink.Close()
		commandSink = csink

		log.Printf("Using Kafka transports at %v", cfg.KafkaBrokers)
	} else {
		// in-process loop: events published by the service (and the waker)
		// feed straight back into the processor, notifications go directly
		// to the fanout
		bus := eventing.NewMemoryEventBus(1024)
		eventSink = bus
		eventSource = bus

		msink := eventing.NewMemoryNotificationSink()
		msink.Forward(fanout.Publish)
		notificationSink = msink

		commandSink = eventing.NewLogCommandSink()
		log.Printf("Using in-process transports (single-node only)")
	}

	// core pipeline
	runtime := script.NewGojaRuntime()
	m := machine.New(runtime)
	svc := service.New(st, m, eventSink, commandSink, notificationSink)

	proc := processor.New(svc, eventSource)
	if cfg.EventRate > 0 {
		proc = proc.WithRateLimit(cfg.EventRate, cfg.EventBurst)
	}
	if cfg.RedisAddr != "" {
		dedup, err := idempotency.NewStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer dedup.Close()
		proc = proc.WithDeduplicator(dedup)
		log.Printf("Using Redis event-id deduplication at %s", cfg.RedisAddr)
	}

	go func() {
		if err := proc.Run(ctx); err != nil {
			log.Fatalf("Processor failed: %v", err)
		}
	}()

	wk := waker.New(st, eventSink).WithDelay(cfg.WakerDelay)
	go func() {
		if err := wk.Run(ctx); err != nil {
			log.Fatalf("Waker failed: %v", err)
		}
	}()

	if notificationSource != nil {
		go func() {
			if err := fanout.Run(ctx, notificationSource); err != nil {
				log.Fatalf("Notification fanout failed: %v", err)
			}
		}()
	}

	// HTTP surface
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	NewAPI(svc, fanout).Routes(mux)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: middleware.CORS(mux),
	}

	go func() {
		<-ctx.Done()
		log.Printf("Shutting down ...")
		server.Shutdown(context.Background())
	}()

	log.Printf("TwinForge engine listening on %s", cfg.HTTPAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("HTTP server failed: %v", err)
	}
}

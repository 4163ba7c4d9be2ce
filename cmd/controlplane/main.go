// Package main is the entry point for the fleetplane control plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"fleetplane/internal/batch"
	"fleetplane/internal/config"
	"fleetplane/internal/controlplane"
	"fleetplane/internal/controlplane/handlers"
	"fleetplane/internal/dispatch"
	"fleetplane/internal/logger"
	"fleetplane/internal/observability"
	"fleetplane/internal/pairing"
	"fleetplane/internal/scheduler"
	"fleetplane/internal/store/postgres"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const reapBatchSize = 100

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slogger := logger.New()

	ctx := context.Background()
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer db.Close()

	if *migrateFlag {
		log.Println("Running database migrations...")
		if err := postgres.Migrate(db.DB()); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Migrations completed successfully")
	}

	shutdownTracer, err := observability.InitTracing(ctx, "fleetplane-controlplane", cfg.OTELCollectorAddr)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("Failed to shutdown tracer: %v", err)
		}
	}()

	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()

	counters, err := observability.NewCounters()
	if err != nil {
		log.Fatalf("Failed to init counters: %v", err)
	}

	// An async gauge so queue depth costs a query only when scraped.
	meter := otel.Meter("fleetplane-controlplane")
	_, err = meter.Int64ObservableGauge("fleetplane.queue.depth",
		metric.WithDescription("Current number of tasks in the queue"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			count, err := db.Count(ctx)
			if err != nil {
				log.Printf("Failed to count queue depth: %v", err)
				return nil
			}
			obs.Observe(count)
			return nil
		}),
	)
	if err != nil {
		log.Printf("Failed to register queue depth metric: %v", err)
	}

	authority := pairing.New(db, []byte(cfg.AgentKeySecret), counters, logger.WithComponent(slogger, "pairing"))
	dispatcher := dispatch.New(db, db, counters, logger.WithComponent(slogger, "dispatch"))
	aggregator := batch.New(db, db, dispatcher, &batch.LogEmitter{Log: logger.WithComponent(slogger, "batch")},
		counters, logger.WithComponent(slogger, "batch"))
	sched := scheduler.New(db, db, dispatcher, counters, logger.WithComponent(slogger, "scheduler"))

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	armed, err := sched.Hydrate(runCtx)
	if err != nil {
		log.Fatalf("Failed to hydrate schedules: %v", err)
	}
	log.Printf("Armed %d schedules", armed)

	worker := scheduler.NewWorker(sched, db, scheduler.WorkerConfig{
		Concurrency:  cfg.SchedulerConcurrency,
		PollInterval: cfg.SchedulerPollInterval,
	}, logger.WithComponent(slogger, "scheduler"))
	go func() {
		if err := worker.Run(runCtx); err != nil && runCtx.Err() == nil {
			log.Printf("Scheduler worker stopped: %v", err)
		}
	}()

	go reapLoop(runCtx, cfg.ReapInterval, dispatcher, sched)

	h := handlers.New(db, authority, dispatcher, aggregator, sched)
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controlplane.New(addr, h, db, authority, metricsHandler)

	go func() {
		log.Printf("Fleetplane control plane starting on %s", addr)
		if err := srv.Run(runCtx); err != nil {
			log.Printf("Server stopped: %v", err)
		}
	}()

	<-runCtx.Done()

	log.Println("Shutting down control plane...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	<-worker.Done()
	log.Println("Server exited properly")
}

// reapLoop periodically settles tasks whose redelivery budget ran out:
// exhausted job deliveries become failed runs, exhausted schedule fires are
// stamped on their schedule.
func reapLoop(ctx context.Context, interval time.Duration, d *dispatch.Dispatcher, s *scheduler.Scheduler) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := d.ReapExhaustedDeliveries(ctx, reapBatchSize); err != nil {
				log.Printf("Failed to reap exhausted deliveries: %v", err)
			} else if n > 0 {
				log.Printf("Failed %d runs with an exhausted delivery budget", n)
			}
			if n, err := s.ReapExhaustedFires(ctx, reapBatchSize); err != nil {
				log.Printf("Failed to reap exhausted fires: %v", err)
			} else if n > 0 {
				log.Printf("Recorded %d exhausted schedule fires", n)
			}
		}
	}
}

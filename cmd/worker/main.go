package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/voyatrip/voya/config"
	"github.com/voyatrip/voya/internal/notify"
	"github.com/voyatrip/voya/internal/payments"
	"github.com/voyatrip/voya/internal/queue/streams"
	"github.com/voyatrip/voya/internal/runtime"
	"github.com/voyatrip/voya/internal/travel"
	"github.com/voyatrip/voya/internal/worker"
)

// The booking worker consumes booking.requested events, charges the traveler
// and places the upstream orders. It runs as its own binary so booking
// throughput scales independently of the API.
func main() {
	cfgPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := godotenv.Load(); err == nil {
		log.Println("loaded environment from .env")
	}
	cfg := config.LoadConfig(*cfgPath)

	ctx, cancel := runtime.ShutdownContext(context.Background())
	defer cancel()

	stores, err := runtime.OpenStores(ctx, cfg)
	if err != nil {
		log.Fatalf("worker stores: %v", err)
	}
	defer func() { _ = stores.Close(context.Background()) }()

	// Charging and order placement are the worker's whole job; refuse to
	// start without them.
	paySvc, err := payments.New(cfg.Payments)
	if err != nil {
		log.Fatalf("worker payments: %v", err)
	}
	travelClient, err := travel.NewClient(cfg.Amadeus)
	if err != nil {
		log.Fatalf("worker travel client: %v", err)
	}
	notifySvc, err := notify.New(ctx, cfg.Firebase)
	if err != nil {
		log.Fatalf("worker notify: %v", err)
	}

	if err := streams.EnsureGroup(ctx, stores.Redis, streams.StreamBookingRequested, streams.GroupBookingWorkers); err != nil {
		log.Fatalf("worker ensure group: %v", err)
	}

	consumerName := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	consumer := streams.NewConsumer(stores.Redis, streams.GroupBookingWorkers, consumerName)
	publisher := streams.NewPublisher(stores.Redis)

	meter, tracer := runtime.SetupTelemetry(cfg.Telemetry, runtime.TelemetryOptions{ServiceName: "voya-worker"})

	logger := log.New(os.Stdout, "[WORKER] ", log.LstdFlags)
	processor := worker.NewProcessor(logger, worker.Deps{
		Ledger:    stores.Ledger,
		Docs:      stores.Docs,
		Payments:  paySvc,
		Travel:    travelClient,
		Notify:    notifySvc,
		Publisher: publisher,
		Consumer:  consumer,
	}, meter, tracer)

	if err := processor.Start(ctx); err != nil {
		log.Fatalf("worker processor exited: %v", err)
	}
}

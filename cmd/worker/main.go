package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"busattend/internal/config"
	"busattend/internal/metrics"
	"busattend/internal/queue"
	"busattend/internal/scan"
	"busattend/internal/shift"
	"busattend/internal/store"
)

// Worker consumes scan events and maintains the denormalized total_scans
// counter on shifts. The attendance table stays the source of truth; this
// counter is display-only, so a lost event costs a cosmetic off-by-one,
// never a duplicate admission.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "busattend:scans")
	}

	scanRepo := scan.NewRepository(db.Client)
	shiftRepo := shift.NewRepository(db.Client)
	collector := metrics.NewCollector(prometheus.DefaultRegisterer)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for scan events...")
	for msg := range messages {
		if msg.Type != "scan" {
			continue
		}

		ev, err := queue.DecodeScanEvent(msg)
		if err != nil {
			log.Printf("undecodable scan event: %v", err)
			continue
		}

		// Confirm the record actually exists before counting it.
		rec, err := scanRepo.Get(ctx, ev.RecordID)
		if err != nil {
			log.Printf("fetch record %s failed: %v", ev.RecordID, err)
			continue
		}

		status, found, err := shiftRepo.RecordScan(ctx, rec.ShiftID)
		if err != nil {
			log.Printf("shift counter update failed for %s: %v", rec.ShiftID, err)
			continue
		}
		if !found {
			collector.RecordShiftDivergence()
			log.Printf("divergence: record %s references missing shift %s", rec.ID, rec.ShiftID)
			continue
		}
		if status != shift.StatusOpen {
			collector.RecordShiftDivergence()
			log.Printf("divergence: shift %s closed before counter caught up with record %s", rec.ShiftID, rec.ID)
		}
	}

	log.Println("worker stopped")
}

// The ingest worker consumes upload notifications, splits the Crypt4GH
// header from each encrypted file, stores the header in the database and
// moves the payload to the vault backend.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ega-archive/lega-ingest/internal/broker"
	"github.com/ega-archive/lega-ingest/internal/conf"
	"github.com/ega-archive/lega-ingest/internal/database"
	"github.com/ega-archive/lega-ingest/internal/ingest"
	"github.com/ega-archive/lega-ingest/internal/metrics"
	"github.com/ega-archive/lega-ingest/internal/storage"
)

func main() {
	log := conf.NewLogger()

	cfg, err := conf.Load(log)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}
	log.Info().Str("conf", cfg.Path()).Msg("starting ingest worker")

	if port := cfg.GetInt("metrics", "port", 0); port > 0 {
		metrics.Serve(port, log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Exhausted connection attempts terminate the worker.
	connectFailed := func() { os.Exit(1) }

	db, pool, err := database.Connect(ctx, cfg, log, connectFailed)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer pool.Close()

	vault, err := storage.NewBackend(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("vault backend setup failed")
	}

	bcfg, err := broker.ConfigFrom(cfg, connectFailed)
	if err != nil {
		log.Fatal().Err(err).Msg("broker configuration error")
	}
	if bcfg.Queue == "" {
		log.Fatal().Msg("queue is not set")
	}

	mq := broker.New(bcfg, log)
	defer mq.Close()

	worker, err := ingest.New(db, vault, mq, cfg.Get("inbox", "location", ""))
	if err != nil {
		log.Fatal().Err(err).Msg("inbox configuration error")
	}
	dispatcher := broker.NewDispatcher(mq, bcfg, worker.Do, log)

	if err := mq.Consume(ctx, bcfg.Queue, dispatcher.Handle); err != nil {
		log.Error().Err(err).Msg("consume loop failed")
		mq.Close()
		os.Exit(2)
	}
}

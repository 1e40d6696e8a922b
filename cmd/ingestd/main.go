// ingestd is the HTTP ingestion service: it validates incoming transaction
// batches, applies idempotency and dedup, queues the survivors onto the
// transactions stream and serves the read-side API.
package main

import (
	"fmt"
	"os"

	"gopkg.in/urfave/cli.v1"

	"github.com/txguard/txguard/ingest"
	"github.com/txguard/txguard/log"
	"github.com/txguard/txguard/params"
	"github.com/txguard/txguard/storage"
	"github.com/txguard/txguard/stream"
)

func main() {
	app := cli.NewApp()
	app.Name = "ingestd"
	app.Usage = "transaction ingestion and API service"
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(_ *cli.Context) error {
	cfg := params.FromEnv()
	logger := log.NewModuleLogger("cmd/ingestd")

	str, err := stream.New(cfg)
	if err != nil {
		logger.Fatalw("redis init failed", "error", err.Error())
	}
	db, err := storage.Open(cfg)
	if err != nil {
		logger.Fatalw("database init failed", "error", err.Error())
	}
	defer db.Close()
	if err := storage.Migrate(db); err != nil {
		logger.Fatalw("migration failed", "error", err.Error())
	}

	txs := storage.NewTransactionStore(db)
	ruleStore := storage.NewRuleStore(db)

	rdb := str.Redis()
	dedup := stream.NewDedupFilter(rdb, cfg.DedupSet, cfg.DedupKeys, cfg.DedupTTL, cfg.DedupChunk)
	idem := stream.NewIdempotencyCache(rdb, cfg.IdempNS, cfg.IdempTTL)
	fpg := stream.NewFingerprintSet(rdb, cfg.FpgNS, cfg.FpgTTL)
	bridge := stream.NewMLBridge(rdb)

	svc := ingest.NewService(cfg, str, dedup, idem, fpg, txs)
	srv := ingest.NewServer(cfg, svc, txs, ruleStore, bridge, str)
	return srv.ListenAndServe()
}

// workerd is the stream-consuming evaluation worker: it reads delivered
// batches from the transactions stream, applies the active ruleset, persists
// results and fans triggered transactions out to the alert queues.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/urfave/cli.v1"

	"github.com/txguard/txguard/alert"
	"github.com/txguard/txguard/log"
	"github.com/txguard/txguard/params"
	"github.com/txguard/txguard/rules"
	"github.com/txguard/txguard/storage"
	"github.com/txguard/txguard/stream"
	"github.com/txguard/txguard/worker"
)

func main() {
	app := cli.NewApp()
	app.Name = "workerd"
	app.Usage = "fraud evaluation worker"
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(_ *cli.Context) error {
	cfg := params.FromEnv()
	logger := log.NewModuleLogger("cmd/workerd")

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

	bridge := stream.NewMLBridge(str.Redis())
	engine := rules.NewMLEngine(bridge, bridge, nil)

	cache := worker.NewRuleCache(ruleStore, engine, cfg.RulesTTL())
	sub := str.SubscribeRulesReload()
	defer sub.Close()
	go cache.Listen(sub)

	alertQ, err := stream.NewAlertQueue(cfg)
	if err != nil {
		logger.Fatalw("alert queue init failed", "error", err.Error())
	}
	defer alertQ.Close()
	sender := alert.NewSender(alertQ)
	telegram := stream.NewTelegramQueue(str.Redis())

	ctx, cancel := context.WithCancel(context.Background())
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		cancel()
	}()

	w := worker.New(cfg, str, txs, cache, engine, sender, telegram)
	return w.Run(ctx)
}

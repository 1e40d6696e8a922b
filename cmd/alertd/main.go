// alertd drains the alert queue and delivers each payload to the webhook
// sink, optionally mirroring dispatched alerts to Kafka.
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
	"github.com/txguard/txguard/stream"
)

func main() {
	app := cli.NewApp()
	app.Name = "alertd"
	app.Usage = "webhook alert dispatcher"
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(_ *cli.Context) error {
	cfg := params.FromEnv()
	logger := log.NewModuleLogger("cmd/alertd")

	queue, err := stream.NewAlertQueue(cfg)
	if err != nil {
		logger.Fatalw("alert queue init failed", "error", err.Error())
	}
	defer queue.Close()

	mirror, err := alert.NewKafkaMirror(cfg)
	if err != nil {
		logger.Fatalw("kafka init failed", "error", err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		cancel()
	}()

	d := alert.NewDispatcher(cfg, queue, dispatchMirror(mirror))
	d.Run(ctx)
	if mirror != nil {
		return mirror.Close()
	}
	return nil
}

// dispatchMirror avoids handing the dispatcher a non-nil interface wrapping a
// nil *KafkaMirror.
func dispatchMirror(m *alert.KafkaMirror) alert.Mirror {
	if m == nil {
		return nil
	}
	return m
}

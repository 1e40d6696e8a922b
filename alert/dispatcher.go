package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
	"go.uber.org/zap"

	"github.com/txguard/txguard/log"
	"github.com/txguard/txguard/params"
)

// Popper is the drain-side slice of the alert queue.
type Popper interface {
	Pop(timeout time.Duration) ([]byte, error)
}

// Mirror receives a copy of every successfully parsed alert. Nil disables
// mirroring.
type Mirror interface {
	Publish(payload *Payload, raw []byte)
}

// Dispatcher drains the alert queue into the webhook sink with a bounded
// worker pool. Delivery is best-effort: non-200 responses and timeouts are
// logged, never retried.
type Dispatcher struct {
	cfg    *params.Config
	queue  Popper
	client *http.Client
	mirror Mirror
	logger *zap.SugaredLogger

	dispatchedMeter metrics.Meter
	failedMeter     metrics.Meter
}

func NewDispatcher(cfg *params.Config, queue Popper, mirror Mirror) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		queue:  queue,
		client: &http.Client{Timeout: 5 * time.Second},
		mirror: mirror,
		logger: log.NewModuleLogger("alert"),

		dispatchedMeter: metrics.GetOrRegisterMeter("alert/dispatched", nil),
		failedMeter:     metrics.GetOrRegisterMeter("alert/failed", nil),
	}
}

// Run pops alerts and fans them out to the worker pool until the context is
// cancelled. The in-flight window is bounded by the task channel capacity,
// so the popper blocks when every worker is busy.
func (d *Dispatcher) Run(ctx context.Context) {
	workers := d.cfg.WebhookWorkers
	if workers < 1 {
		workers = 4
	}
	tasks := make(chan []byte, workers*4)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for raw := range tasks {
				d.sendOne(raw)
			}
		}()
	}

	d.logger.Infow("dispatcher starting",
		"event", "consumer_starting",
		"queue", d.cfg.AlertsQueue,
		"workers", workers)

	timeout := time.Duration(d.cfg.BrpopTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	lastIdleLog := time.Time{}
	for {
		select {
		case <-ctx.Done():
			close(tasks)
			wg.Wait()
			d.logger.Infow("dispatcher stopped", "event", "consumer_stopped")
			return
		default:
		}
		raw, err := d.queue.Pop(timeout)
		if err != nil {
			d.logger.Warnw("queue pop failed", "event", "brpop_failed", "error", err.Error())
			continue
		}
		if raw == nil {
			if time.Since(lastIdleLog) > 10*time.Second {
				d.logger.Infow("queue idle", "event", "idle")
				lastIdleLog = time.Now()
			}
			continue
		}
		tasks <- raw
	}
}

func (d *Dispatcher) sendOne(raw []byte) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		d.logger.Warnw("bad alert json", "event", "bad_task_json", "error", err.Error())
		return
	}
	if d.mirror != nil {
		d.mirror.Publish(&p, raw)
	}
	crit := p.Criticality
	if crit == "" {
		crit = "medium"
	}
	url := fmt.Sprintf("%s/api/alerts/%s", d.cfg.WebhookBaseURL, crit)

	resp, err := d.client.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		d.failedMeter.Mark(1)
		d.logger.Errorw("webhook post failed",
			"event", "webhook_failed", "tx", p.TransactionID, "error", err.Error())
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		d.failedMeter.Mark(1)
		d.logger.Errorw("webhook rejected",
			"event", "webhook_failed", "tx", p.TransactionID, "status", resp.StatusCode)
		return
	}
	d.dispatchedMeter.Mark(1)
	d.logger.Infow("alert dispatched",
		"event", "webhook_sent", "tx", p.TransactionID, "criticality", crit)
}

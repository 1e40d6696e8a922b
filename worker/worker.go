package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rcrowley/go-metrics"
	"go.uber.org/zap"

	"github.com/txguard/txguard/alert"
	"github.com/txguard/txguard/core"
	"github.com/txguard/txguard/log"
	"github.com/txguard/txguard/params"
	"github.com/txguard/txguard/rules"
	"github.com/txguard/txguard/storage"
	"github.com/txguard/txguard/stream"
)

// Store is the persistence slice the worker needs.
type Store interface {
	Aggregator
	BulkInsertIgnoreDuplicates(rows []*storage.Transaction, chunk int) int
	PromoteToAlerted(ids []string) (int64, error)
	ExistingIDs(ids []string, chunk int) (map[string]bool, error)
}

// Stream is the consumer-group slice of the stream client.
type Stream interface {
	EnsureGroup(stream, group string) error
	ReadBatch(consumer string, count int, block time.Duration) ([]stream.Entry, error)
	Ack(ids []string) error
	Reclaim(consumer string, minIdle time.Duration, pageSize int) (int, error)
}

// AlertSink enqueues webhook alerts.
type AlertSink interface {
	Send(p *alert.Payload)
}

// TelegramSink mirrors alerts onto the messenger queue.
type TelegramSink interface {
	Push(payload []byte) error
}

// Worker is one evaluation-loop consumer.
type Worker struct {
	cfg      *params.Config
	stream   Stream
	store    Store
	cache    *RuleCache
	engine   *rules.MLEngine
	alerts   AlertSink
	telegram TelegramSink

	consumer      string
	stopCritLevel int
	logger        *zap.SugaredLogger
	audit         *zap.SugaredLogger

	batchMeter    metrics.Meter
	insertedMeter metrics.Meter
	reclaimMeter  metrics.Meter
	alertMeter    metrics.Meter
}

func New(cfg *params.Config, str Stream, store Store, cache *RuleCache,
	engine *rules.MLEngine, alerts AlertSink, telegram TelegramSink) *Worker {
	return &Worker{
		cfg:      cfg,
		stream:   str,
		store:    store,
		cache:    cache,
		engine:   engine,
		alerts:   alerts,
		telegram: telegram,

		consumer:      cfg.ConsumerName("worker"),
		stopCritLevel: rules.CritLevel(cfg.StopCriticality),
		logger:        log.NewModuleLogger("worker"),
		audit:         log.NewModuleLogger("transaction_audit"),

		batchMeter:    metrics.GetOrRegisterMeter("worker/batches", nil),
		insertedMeter: metrics.GetOrRegisterMeter("worker/inserted", nil),
		reclaimMeter:  metrics.GetOrRegisterMeter("worker/reclaimed", nil),
		alertMeter:    metrics.GetOrRegisterMeter("worker/alerts", nil),
	}
}

// firedRule is one triggered-rule entry accumulated per transaction.
type firedRule struct {
	ID          uint
	Kind        string
	Title       string
	Criticality string
	Reason      string
}

// Run executes the main loop until the context is cancelled. Reclaim runs on
// a monotonic tick; an in-flight batch always finishes its insert and ack
// before the loop observes cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.stream.EnsureGroup(w.cfg.Stream, w.cfg.Group); err != nil {
		return err
	}
	w.logger.Infow("worker loop starting", "event", "worker_loop_start", "consumer", w.consumer)

	total := 0
	start := time.Now()
	lastClaim := time.Now()
	lastProgress := 0

	for {
		select {
		case <-ctx.Done():
			elapsed := time.Since(start).Seconds()
			avg := 0.0
			if elapsed > 0 {
				avg = float64(total) / elapsed
			}
			w.logger.Warnw("worker stopping",
				"event", "final_summary",
				"processed", total,
				"seconds", elapsed,
				"avg_tps", avg)
			return nil
		default:
		}

		if time.Since(lastClaim) >= w.cfg.ClaimEvery() {
			claimed, err := w.stream.Reclaim(w.consumer, w.cfg.MinIdle(), w.cfg.ReadCount)
			if err != nil {
				w.logger.Errorw("reclaim failed", "event", "reclaim_error", "error", err.Error())
			} else if claimed > 0 {
				w.reclaimMeter.Mark(int64(claimed))
				w.logger.Infow("pending entries reclaimed", "event", "reclaim_claimed", "count", claimed)
			}
			lastClaim = time.Now()
		}

		batch, err := w.stream.ReadBatch(w.consumer, w.cfg.ReadCount, w.cfg.Block())
		if err != nil {
			w.logger.Errorw("stream read failed", "event", "xreadgroup_failed", "error", err.Error())
			time.Sleep(time.Second)
			continue
		}
		if len(batch) == 0 {
			continue
		}

		cutoff := time.Now().UTC()
		snapshot := w.cache.SnapshotAt(cutoff)

		batchStart := time.Now()
		n := w.processBatch(batch, snapshot, cutoff)
		dt := time.Since(batchStart).Seconds()
		tps := 0.0
		if dt > 0 {
			tps = float64(n) / dt
		}
		total += n
		w.batchMeter.Mark(1)
		w.logger.Infow("batch done",
			"event", "batch_done", "n", n, "dt_ms", dt*1000, "tps", tps, "total", total)

		if total/10000 > lastProgress {
			lastProgress = total / 10000
			elapsed := time.Since(start).Seconds()
			avg := 0.0
			if elapsed > 0 {
				avg = float64(total) / elapsed
			}
			w.logger.Infow("progress", "event", "progress", "processed", total, "avg_tps", avg)
		}
	}
}

// recalcCandidate is a recalc entry awaiting the existence check.
type recalcCandidate struct {
	entryID   string
	rec       *core.Record
	triggered bool
}

// processBatch runs steps 3-10 of the loop for one delivered batch and
// returns the number of rows handed to the bulk insert.
func (w *Worker) processBatch(batch []stream.Entry, snapshot []storage.RuleRecord, cutoff time.Time) int {
	buildStart := time.Now()

	records := make([]*core.Record, len(batch))
	for i, e := range batch {
		records[i] = core.FromStreamValues(e.Values)
	}

	var patternRules []*storage.PatternRule
	for i := range snapshot {
		if snapshot[i].Kind == storage.KindPattern {
			patternRules = append(patternRules, snapshot[i].Pattern)
		}
	}
	stats := BuildPatternStats(w.store, records, patternRules, cutoff)

	var toInsert []*storage.Transaction
	var ackIDs []string
	var recalcs []recalcCandidate
	wantAlerted := map[string]bool{}
	reprocessAlert := map[string]bool{}
	firedByTx := map[string][]firedRule{}
	recByTx := map[string]*core.Record{}

	for i, e := range batch {
		rec := records[i]
		triggered, fired, _ := w.applyRules(rec, snapshot, stats)
		if rec.TransactionID != "" {
			firedByTx[rec.TransactionID] = fired
			recByTx[rec.TransactionID] = rec
		}

		if rec.Recalc {
			if rec.TransactionID == "" {
				ackIDs = append(ackIDs, e.ID)
				continue
			}
			recalcs = append(recalcs, recalcCandidate{entryID: e.ID, rec: rec, triggered: triggered})
			continue
		}

		status := core.StatusProcessed
		if triggered {
			status = core.StatusAlerted
			if rec.TransactionID != "" {
				wantAlerted[rec.TransactionID] = true
			}
		}
		w.auditLog(rec, status)
		toInsert = append(toInsert, storage.RowFromRecord(rec, status))
		ackIDs = append(ackIDs, e.ID)
	}

	// Recalc entries only promote existing rows; a missing row means the
	// original insert never happened and the entry is treated as fresh.
	var recalcIDs []string
	for _, c := range recalcs {
		recalcIDs = append(recalcIDs, c.rec.TransactionID)
	}
	existing := map[string]bool{}
	if len(recalcIDs) > 0 {
		var err error
		existing, err = w.store.ExistingIDs(recalcIDs, 5000)
		if err != nil {
			w.logger.Errorw("recalc lookup failed", "event", "lookup_failed", "error", err.Error())
			existing = map[string]bool{}
		}
	}
	for _, c := range recalcs {
		if existing[c.rec.TransactionID] {
			if c.triggered {
				reprocessAlert[c.rec.TransactionID] = true
			}
			ackIDs = append(ackIDs, c.entryID)
			continue
		}
		status := core.StatusProcessed
		if c.triggered {
			status = core.StatusAlerted
			wantAlerted[c.rec.TransactionID] = true
		}
		w.auditLog(c.rec, status)
		toInsert = append(toInsert, storage.RowFromRecord(c.rec, status))
		ackIDs = append(ackIDs, c.entryID)
	}
	buildMS := time.Since(buildStart).Seconds() * 1000

	dbStart := time.Now()
	inserted := w.store.BulkInsertIgnoreDuplicates(toInsert, w.cfg.BulkChunk)
	w.insertedMeter.Mark(int64(inserted))

	var promote []string
	for id := range wantAlerted {
		promote = append(promote, id)
	}
	for id := range reprocessAlert {
		if !wantAlerted[id] {
			promote = append(promote, id)
		}
	}
	if len(promote) > 0 {
		if _, err := w.store.PromoteToAlerted(promote); err != nil {
			w.logger.Errorw("status promotion failed", "event", "promote_failed", "error", err.Error())
		}
	}
	dbMS := time.Since(dbStart).Seconds() * 1000

	ackStart := time.Now()
	if err := w.stream.Ack(ackIDs); err != nil {
		w.logger.Errorw("ack failed", "event", "xack_failed", "error", err.Error())
	}
	ackMS := time.Since(ackStart).Seconds() * 1000

	w.logger.Infow("batch timings",
		"event", "process_batch_timings_ms",
		"build_ms", buildMS,
		"db_ms", dbMS,
		"ack_ms", ackMS,
		"batch_size", len(batch),
		"inserted", len(toInsert),
		"reprocess_upgraded", len(reprocessAlert))

	if len(wantAlerted) > 0 || len(reprocessAlert) > 0 {
		w.fanOutAlerts(firedByTx, recByTx)
	}
	return len(toInsert)
}

// applyRules evaluates the snapshot against one transaction. ML rules are
// deferred to an advisory second pass and never contribute to the result.
func (w *Worker) applyRules(rec *core.Record, snapshot []storage.RuleRecord, stats *rules.BatchStats) (bool, []firedRule, int) {
	var fired []firedRule
	maxCrit := 0
	stopped := false

	for i := range snapshot {
		r := &snapshot[i]
		var triggered bool
		var reason string
		var err error
		switch r.Kind {
		case storage.KindThreshold:
			triggered, reason, err = rules.Threshold(rec, r.Threshold.ColumnName, r.Threshold.Value, r.Threshold.Operator)
		case storage.KindComposite:
			triggered, reason = rules.Composite(rec, r.Tree)
		case storage.KindPattern:
			triggered, reason = rules.Pattern(rec, r.Pattern.Params(), stats)
		case storage.KindML:
			continue
		default:
			continue
		}
		if err != nil {
			w.logger.Warnw("rule evaluation failed",
				"event", "rule_error", "kind", r.Kind, "rule_id", r.ID, "title", r.Title, "error", err.Error())
			continue
		}
		if !triggered {
			continue
		}
		fired = append(fired, firedRule{
			ID: r.ID, Kind: r.Kind, Title: r.Title, Criticality: r.Criticality, Reason: reason,
		})
		lvl := rules.CritLevel(r.Criticality)
		if lvl > maxCrit {
			maxCrit = lvl
		}
		w.logger.Infow("rule triggered",
			"event", "rule_triggered",
			"rule_id", r.ID,
			"rule_type", r.Kind,
			"rule_title", r.Title,
			"criticality", r.Criticality,
			"reason", reason,
			"tx_id", rec.TransactionID)

		if w.cfg.StopMode == "critical" && lvl >= w.stopCritLevel {
			stopped = true
			break
		}
	}

	if !stopped && w.engine != nil {
		for i := range snapshot {
			r := &snapshot[i]
			if r.Kind != storage.KindML || r.ML == nil {
				continue
			}
			result, err := w.engine.EvalAdvisory(rec, r.ML.Params())
			if err != nil {
				w.logger.Warnw("ml evaluation failed",
					"event", "ml_error", "rule_id", r.ID, "error", err.Error())
				continue
			}
			w.logger.Debugw("ml advisory result",
				"event", "ml_prob", "tx_id", rec.TransactionID, "model", r.ML.ModelName, "result", result)
		}
	}
	return len(fired) > 0, fired, maxCrit
}

// fanOutAlerts enqueues one webhook alert and one telegram entry per
// triggered transaction.
func (w *Worker) fanOutAlerts(firedByTx map[string][]firedRule, recByTx map[string]*core.Record) {
	for txid, fired := range firedByTx {
		if len(fired) == 0 {
			continue
		}
		rec := recByTx[txid]
		if rec == nil {
			continue
		}

		var titles, reasons []string
		crit := "medium"
		maxLvl := 0
		for _, f := range fired {
			titles = append(titles, f.Title)
			if f.Reason != "" {
				reasons = append(reasons, f.Reason)
			}
			if lvl := rules.CritLevel(f.Criticality); lvl > maxLvl {
				maxLvl = lvl
				crit = f.Criticality
			}
		}
		reasonText := "—"
		if len(reasons) > 0 {
			reasonText = joinReasons(reasons)
		}
		rulesTriggered := make([]string, len(titles))
		for i, t := range titles {
			rulesTriggered[i] = t + " (" + reasonText + ")"
		}

		w.alerts.Send(alert.NewPayload(rec, rulesTriggered, crit, w.cfg.FrontendBaseURL))
		w.alertMeter.Mark(1)

		tgPayload, err := json.Marshal(map[string]interface{}{
			"txid":        rec.TransactionID,
			"amount":      rec.Amount,
			"sender":      rec.SenderAccount,
			"receiver":    rec.ReceiverAccount,
			"criticality": crit,
			"reason":      reasonText,
		})
		if err == nil {
			err = w.telegram.Push(tgPayload)
		}
		if err != nil {
			w.logger.Warnw("telegram enqueue failed", "event", "tg_enqueue_failed", "error", err.Error())
		} else {
			w.logger.Infow("telegram alert enqueued",
				"event", "tg_enqueued", "tx", rec.TransactionID, "criticality", crit)
		}
	}
}

func joinReasons(reasons []string) string {
	out := reasons[0]
	for _, r := range reasons[1:] {
		out += "; " + r
	}
	return out
}

// auditLog emits the per-transaction audit record.
func (w *Worker) auditLog(rec *core.Record, status string) {
	ts := ""
	if rec.Timestamp != nil {
		ts = rec.Timestamp.Format(time.RFC3339Nano)
	}
	w.audit.Infow("transaction processed",
		"event", "transaction_log",
		"transaction_id", rec.TransactionID,
		"sender", rec.SenderAccount,
		"receiver", rec.ReceiverAccount,
		"amount", rec.Amount,
		"status", status,
		"timestamp", ts,
		"correlation_id", rec.CorrelationID,
		"type", rec.TransactionType)
}

package stream

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/pkg/errors"

	"github.com/txguard/txguard/params"
	"github.com/txguard/txguard/rules"
)

const (
	mlQueueMaxLen    = 5000
	mlProbabilityTTL = 600 * time.Second
)

// MLBridge implements the async ML contract over Redis: scoring requests go
// out on the ml_eval_queue stream, probabilities come back under
// ml:<transaction_id>. It satisfies rules.ProbabilityCache and
// rules.TaskQueue.
type MLBridge struct {
	rdb *redis.Client
}

func NewMLBridge(rdb *redis.Client) *MLBridge {
	return &MLBridge{rdb: rdb}
}

// Probability returns the cached fraud probability for a transaction.
func (b *MLBridge) Probability(txID string) (float64, bool, error) {
	raw, err := b.rdb.Get("ml:" + txID).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "ml probability get")
	}
	p, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, nil
	}
	return p, true, nil
}

// StoreProbability writes a computed probability with the standard TTL.
// The external scoring worker calls this after inference.
func (b *MLBridge) StoreProbability(txID string, p float64) error {
	return errors.Wrap(
		b.rdb.Set("ml:"+txID, strconv.FormatFloat(p, 'f', -1, 64), mlProbabilityTTL).Err(),
		"ml probability set")
}

// EnqueueEval pushes a rendered scoring request onto the capped
// ml_eval_queue stream.
func (b *MLBridge) EnqueueEval(task *rules.MLTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(err, "marshal ml task")
	}
	return errors.Wrap(b.rdb.XAdd(&redis.XAddArgs{
		Stream:       params.DefaultMLQueue,
		MaxLenApprox: mlQueueMaxLen,
		Values:       map[string]interface{}{"payload": string(payload)},
	}).Err(), "enqueue ml task")
}

var _ rules.ProbabilityCache = (*MLBridge)(nil)
var _ rules.TaskQueue = (*MLBridge)(nil)

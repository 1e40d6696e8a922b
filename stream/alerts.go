package stream

import (
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/pkg/errors"

	"github.com/txguard/txguard/params"
)

const tgQueueMaxLen = 2000

// AlertQueue is the webhook hand-off between the evaluation worker and the
// alert dispatcher. It lives in its own Redis logical database together with
// the "alert:sent:<hash>" dedup keys.
type AlertQueue struct {
	rdb      *redis.Client
	queue    string
	dedupTTL time.Duration
}

func NewAlertQueue(cfg *params.Config) (*AlertQueue, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr(), DB: cfg.AlertsDB})
	if err := rdb.Ping().Err(); err != nil {
		return nil, errors.Wrap(err, "redis connect (alerts db)")
	}
	return &AlertQueue{
		rdb:      rdb,
		queue:    cfg.AlertsQueue,
		dedupTTL: time.Duration(cfg.WebhookDedupTTL) * time.Second,
	}, nil
}

// WasSent reports whether an alert with this payload hash was already
// dispatched inside the dedup window.
func (q *AlertQueue) WasSent(hash string) (bool, error) {
	n, err := q.rdb.Exists("alert:sent:" + hash).Result()
	if err != nil {
		return false, errors.Wrap(err, "alert dedup check")
	}
	return n > 0, nil
}

// MarkSent records the payload hash for the dedup window.
func (q *AlertQueue) MarkSent(hash string) error {
	return errors.Wrap(q.rdb.Set("alert:sent:"+hash, "1", q.dedupTTL).Err(), "alert dedup mark")
}

// Push enqueues one serialized alert payload.
func (q *AlertQueue) Push(payload []byte) error {
	return errors.Wrap(q.rdb.LPush(q.queue, payload).Err(), "lpush alert")
}

// Pop block-pops one alert payload, returning (nil, nil) on timeout.
func (q *AlertQueue) Pop(timeout time.Duration) ([]byte, error) {
	res, err := q.rdb.BRPop(timeout, q.queue).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "brpop alert")
	}
	// BRPOP replies [key, value].
	if len(res) != 2 {
		return nil, errors.New("unexpected brpop reply")
	}
	return []byte(res[1]), nil
}

func (q *AlertQueue) Close() error { return q.rdb.Close() }

// TelegramQueue mirrors triggered alerts onto the capped tg_alert_queue
// stream for the messenger relay.
type TelegramQueue struct {
	rdb *redis.Client
}

func NewTelegramQueue(rdb *redis.Client) *TelegramQueue {
	return &TelegramQueue{rdb: rdb}
}

func (q *TelegramQueue) Push(payload []byte) error {
	return errors.Wrap(q.rdb.XAdd(&redis.XAddArgs{
		Stream:       params.DefaultTgQueue,
		MaxLenApprox: tgQueueMaxLen,
		Values:       map[string]interface{}{"payload": string(payload)},
	}).Err(), "enqueue telegram alert")
}

// Package stream wraps the Redis-backed plumbing of the pipeline: the
// durable transactions stream with consumer-group semantics, the fan-out
// queues, the rules-reload pub/sub channel and the ephemeral key-value
// contracts (dedup tokens, idempotency cache, batch fingerprints, ML
// probabilities).
package stream

import (
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/pkg/errors"

	"github.com/txguard/txguard/log"
	"github.com/txguard/txguard/params"
)

// Entry is one delivered stream entry.
type Entry struct {
	ID     string
	Values map[string]interface{}
}

// Client wraps the shared Redis connection for the transactions stream and
// its sibling structures.
type Client struct {
	rdb        *redis.Client
	stream     string
	group      string
	maxLen     int64
	trimApprox bool
}

// New connects to Redis and pings it. A failed ping is fatal for every
// process in the pipeline, callers abort on error.
func New(cfg *params.Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr()})
	if err := rdb.Ping().Err(); err != nil {
		return nil, errors.Wrap(err, "redis connect")
	}
	return &Client{
		rdb:        rdb,
		stream:     cfg.Stream,
		group:      cfg.Group,
		maxLen:     cfg.StreamMaxLen,
		trimApprox: cfg.TrimApprox,
	}, nil
}

// Redis exposes the underlying connection for the sibling repositories.
func (c *Client) Redis() *redis.Client { return c.rdb }

func (c *Client) Stream() string { return c.stream }
func (c *Client) Group() string  { return c.group }

// EnsureGroup creates the stream and consumer group if needed. An already
// existing group (BUSYGROUP) is not an error.
func (c *Client) EnsureGroup(stream, group string) error {
	logger := log.NewModuleLogger("stream")
	err := c.rdb.XGroupCreateMkStream(stream, group, "$").Err()
	if err == nil {
		logger.Infow("consumer group created", "event", "xgroup_create", "stream", stream, "group", group)
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		logger.Infow("consumer group exists", "event", "xgroup_exists", "stream", stream, "group", group)
		return nil
	}
	return errors.Wrap(err, "xgroup create")
}

// Append pushes the flattened records onto the transactions stream in
// pipelined chunks, attaching the capped-length policy to every append.
// Returns the number of records queued.
func (c *Client) Append(records []map[string]interface{}, chunk int) (int, error) {
	if chunk <= 0 {
		chunk = 5000
	}
	queued := 0
	for start := 0; start < len(records); start += chunk {
		end := start + chunk
		if end > len(records) {
			end = len(records)
		}
		pipe := c.rdb.Pipeline()
		for _, values := range records[start:end] {
			args := &redis.XAddArgs{Stream: c.stream, Values: values}
			if c.trimApprox {
				args.MaxLenApprox = c.maxLen
			} else {
				args.MaxLen = c.maxLen
			}
			pipe.XAdd(args)
		}
		if _, err := pipe.Exec(); err != nil {
			return queued, errors.Wrap(err, "xadd chunk")
		}
		queued += end - start
	}
	return queued, nil
}

// ReadBatch block-reads up to count new entries for the consumer. An empty
// read returns (nil, nil).
func (c *Client) ReadBatch(consumer string, count int, block time.Duration) ([]Entry, error) {
	res, err := c.rdb.XReadGroup(&redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: consumer,
		Streams:  []string{c.stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "xreadgroup")
	}
	var out []Entry
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, Entry{ID: m.ID, Values: m.Values})
		}
	}
	return out, nil
}

// Ack acknowledges processed entries in one pipelined batch.
func (c *Client) Ack(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	for _, id := range ids {
		pipe.XAck(c.stream, c.group, id)
	}
	if _, err := pipe.Exec(); err != nil {
		return errors.Wrap(err, "xack")
	}
	return nil
}

// Reclaim transfers pending entries idle longer than minIdle from any
// consumer in the group to the caller, paginating until the pending list is
// exhausted. Returns the number of entries claimed.
func (c *Client) Reclaim(consumer string, minIdle time.Duration, pageSize int) (int, error) {
	if pageSize <= 0 {
		pageSize = 1000
	}
	claimed := 0
	start := "-"
	for {
		pending, err := c.rdb.XPendingExt(&redis.XPendingExtArgs{
			Stream: c.stream,
			Group:  c.group,
			Start:  start,
			End:    "+",
			Count:  int64(pageSize),
		}).Result()
		if err != nil {
			return claimed, errors.Wrap(err, "xpending")
		}
		if len(pending) == 0 {
			return claimed, nil
		}
		var stale []string
		for _, p := range pending {
			if p.Idle >= minIdle {
				stale = append(stale, p.ID)
			}
		}
		if len(stale) > 0 {
			msgs, err := c.rdb.XClaim(&redis.XClaimArgs{
				Stream:   c.stream,
				Group:    c.group,
				Consumer: consumer,
				MinIdle:  minIdle,
				Messages: stale,
			}).Result()
			if err != nil && err != redis.Nil {
				return claimed, errors.Wrap(err, "xclaim")
			}
			claimed += len(msgs)
		}
		if len(pending) < pageSize {
			return claimed, nil
		}
		start = nextStreamID(pending[len(pending)-1].ID)
	}
}

// nextStreamID returns the smallest id strictly greater than the given
// "<ms>-<seq>" stream id, for pending-list pagination.
func nextStreamID(id string) string {
	parts := strings.SplitN(id, "-", 2)
	if len(parts) != 2 {
		return id
	}
	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return id
	}
	return parts[0] + "-" + strconv.FormatUint(seq+1, 10)
}

// Trim caps the transactions stream at its configured maximum length.
func (c *Client) Trim() error {
	var err error
	if c.trimApprox {
		err = c.rdb.XTrimApprox(c.stream, c.maxLen).Err()
	} else {
		err = c.rdb.XTrim(c.stream, c.maxLen).Err()
	}
	return errors.Wrap(err, "xtrim")
}

// PublishRulesReload notifies every worker that the ruleset changed.
func (c *Client) PublishRulesReload() error {
	return errors.Wrap(c.rdb.Publish(params.DefaultRulesChannel, "reload").Err(), "publish rules reload")
}

// SubscribeRulesReload subscribes to the rules-reload channel. The caller
// owns the subscription.
func (c *Client) SubscribeRulesReload() *redis.PubSub {
	return c.rdb.Subscribe(params.DefaultRulesChannel)
}

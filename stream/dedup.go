package stream

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/pkg/errors"
)

// DedupFilter tracks previously seen transaction tokens in one global set.
// Tokens are prefixed "<field>:<value>" so values from unrelated fields
// cannot collide. The set TTL rolls forward on every insert.
type DedupFilter struct {
	rdb    *redis.Client
	setKey string
	fields []string
	ttl    time.Duration
	chunk  int

	// smismemberBroken flips after the first unsupported-command error so
	// older servers take the pipelined SISMEMBER path directly.
	smismemberBroken bool
}

func NewDedupFilter(rdb *redis.Client, setKey string, fields []string, ttlSec, chunk int) *DedupFilter {
	if chunk <= 0 {
		chunk = 50000
	}
	return &DedupFilter{
		rdb:    rdb,
		setKey: setKey,
		fields: fields,
		ttl:    time.Duration(ttlSec) * time.Second,
		chunk:  chunk,
	}
}

// Tokens builds the dedup tokens for one item from the configured fields.
func (d *DedupFilter) Tokens(get func(field string) string) []string {
	var tokens []string
	for _, f := range d.fields {
		if v := strings.TrimSpace(get(f)); v != "" {
			tokens = append(tokens, fmt.Sprintf("%s:%s", f, v))
		}
	}
	return tokens
}

// Seen runs a multi-membership query over the tokens and returns the subset
// already present in the set.
func (d *DedupFilter) Seen(tokens []string) (map[string]bool, error) {
	seen := map[string]bool{}
	for start := 0; start < len(tokens); start += d.chunk {
		end := start + d.chunk
		if end > len(tokens) {
			end = len(tokens)
		}
		part := tokens[start:end]
		flags, err := d.membership(part)
		if err != nil {
			return nil, err
		}
		for i, f := range flags {
			if f {
				seen[part[i]] = true
			}
		}
	}
	return seen, nil
}

func (d *DedupFilter) membership(tokens []string) ([]bool, error) {
	if !d.smismemberBroken {
		args := make([]interface{}, 0, len(tokens)+2)
		args = append(args, "smismember", d.setKey)
		for _, t := range tokens {
			args = append(args, t)
		}
		res, err := d.rdb.Do(args...).Result()
		if err == nil {
			raw, ok := res.([]interface{})
			if !ok || len(raw) != len(tokens) {
				return nil, errors.New("unexpected smismember reply")
			}
			flags := make([]bool, len(raw))
			for i, v := range raw {
				n, _ := v.(int64)
				flags[i] = n == 1
			}
			return flags, nil
		}
		if !isUnknownCommand(err) {
			return nil, errors.Wrap(err, "smismember")
		}
		d.smismemberBroken = true
	}
	// Fallback for servers without SMISMEMBER: pipeline individual checks.
	pipe := d.rdb.Pipeline()
	cmds := make([]*redis.BoolCmd, len(tokens))
	for i, t := range tokens {
		cmds[i] = pipe.SIsMember(d.setKey, t)
	}
	if _, err := pipe.Exec(); err != nil {
		return nil, errors.Wrap(err, "sismember pipeline")
	}
	flags := make([]bool, len(tokens))
	for i, cmd := range cmds {
		flags[i] = cmd.Val()
	}
	return flags, nil
}

// Insert records the tokens and refreshes the set TTL.
func (d *DedupFilter) Insert(tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	for start := 0; start < len(tokens); start += d.chunk {
		end := start + d.chunk
		if end > len(tokens) {
			end = len(tokens)
		}
		members := make([]interface{}, 0, end-start)
		for _, t := range tokens[start:end] {
			members = append(members, t)
		}
		if err := d.rdb.SAdd(d.setKey, members...).Err(); err != nil {
			return errors.Wrap(err, "sadd dedup tokens")
		}
	}
	if err := d.rdb.Expire(d.setKey, d.ttl).Err(); err != nil {
		return errors.Wrap(err, "expire dedup set")
	}
	return nil
}

func isUnknownCommand(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unknown command")
}

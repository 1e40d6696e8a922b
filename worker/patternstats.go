package worker

import (
	"time"

	"github.com/txguard/txguard/core"
	"github.com/txguard/txguard/log"
	"github.com/txguard/txguard/rules"
	"github.com/txguard/txguard/storage"
)

// Aggregator is the windowed-aggregation slice of the transaction store.
type Aggregator interface {
	AggregateSenders(keys []string, since time.Time) (map[string]rules.GroupStats, error)
	AggregateReceivers(keys []string, since time.Time) (map[string]rules.GroupStats, error)
	AggregatePairs(pairs []rules.PairKey, since time.Time) (map[rules.PairKey]rules.GroupStats, error)
}

// BuildPatternStats pre-aggregates the persisted (count, total, max) per
// group referenced by the batch, over the largest window of all active
// pattern rules. One query per needed group mode, keyed by the values
// appearing in this batch.
func BuildPatternStats(store Aggregator, batch []*core.Record, patternRules []*storage.PatternRule, now time.Time) *rules.BatchStats {
	stats := rules.EmptyBatchStats()
	if len(patternRules) == 0 || len(batch) == 0 {
		return stats
	}

	needSender, needReceiver, needPair := false, false, false
	maxWindow := 0
	for _, r := range patternRules {
		switch r.GroupMode {
		case rules.GroupSender:
			needSender = true
		case rules.GroupReceiver:
			needReceiver = true
		case rules.GroupPair:
			needPair = true
		}
		if r.WindowSeconds > maxWindow {
			maxWindow = r.WindowSeconds
		}
	}
	if maxWindow <= 0 {
		return stats
	}
	stats.MaxWindowSeconds = maxWindow

	senderSet := map[string]bool{}
	receiverSet := map[string]bool{}
	pairSet := map[rules.PairKey]bool{}
	var senders, receivers []string
	var pairs []rules.PairKey
	for _, rec := range batch {
		s, r := rec.SenderAccount, rec.ReceiverAccount
		if needSender && s != "" && !senderSet[s] {
			senderSet[s] = true
			senders = append(senders, s)
		}
		if needReceiver && r != "" && !receiverSet[r] {
			receiverSet[r] = true
			receivers = append(receivers, r)
		}
		if needPair && s != "" && r != "" {
			key := rules.PairKey{Sender: s, Receiver: r}
			if !pairSet[key] {
				pairSet[key] = true
				pairs = append(pairs, key)
			}
		}
	}

	logger := log.NewModuleLogger("worker")
	since := now.Add(-time.Duration(maxWindow) * time.Second)
	if len(senders) > 0 {
		m, err := store.AggregateSenders(senders, since)
		if err != nil {
			logger.Errorw("sender aggregation failed", "event", "pattern_agg_failed", "error", err.Error())
		} else {
			stats.Sender = m
		}
	}
	if len(receivers) > 0 {
		m, err := store.AggregateReceivers(receivers, since)
		if err != nil {
			logger.Errorw("receiver aggregation failed", "event", "pattern_agg_failed", "error", err.Error())
		} else {
			stats.Receiver = m
		}
	}
	if len(pairs) > 0 {
		m, err := store.AggregatePairs(pairs, since)
		if err != nil {
			logger.Errorw("pair aggregation failed", "event", "pattern_agg_failed", "error", err.Error())
		} else {
			stats.Pair = m
		}
	}
	return stats
}

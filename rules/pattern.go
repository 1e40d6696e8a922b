package rules

import (
	"fmt"

	"github.com/txguard/txguard/core"
)

// Group modes for pattern rules.
const (
	GroupSender   = "sender"
	GroupReceiver = "receiver"
	GroupPair     = "pair"
)

// PatternParams is the evaluatable part of a pattern rule. Both amount
// limits act as ceilings: total over the window must stay at or below
// TotalAmountLimit, the largest single amount at or below MinAmountLimit.
// The second name is historical; it is kept for wire compatibility.
type PatternParams struct {
	WindowSeconds    int
	MinCount         int
	TotalAmountLimit *float64
	MinAmountLimit   *float64
	GroupMode        string
}

// GroupStats is the windowed (count, total, max) aggregate for one group of
// persisted transactions.
type GroupStats struct {
	Count int
	Total float64
	Max   float64
}

// PairKey identifies a sender/receiver pair group.
type PairKey struct {
	Sender   string
	Receiver string
}

// BatchStats holds the pre-aggregated per-batch pattern statistics. The
// maps are keyed by the group values appearing in the current batch and
// cover the largest window across all active pattern rules.
type BatchStats struct {
	Sender           map[string]GroupStats
	Receiver         map[string]GroupStats
	Pair             map[PairKey]GroupStats
	MaxWindowSeconds int
}

// EmptyBatchStats is used when no pattern rule is active.
func EmptyBatchStats() *BatchStats {
	return &BatchStats{
		Sender:   map[string]GroupStats{},
		Receiver: map[string]GroupStats{},
		Pair:     map[PairKey]GroupStats{},
	}
}

// Pattern evaluates a pattern rule against a transaction using the batch
// statistics: the persisted aggregate for the transaction's group is merged
// with the transaction itself before the thresholds apply.
func Pattern(rec *core.Record, p PatternParams, stats *BatchStats) (bool, string) {
	if stats == nil {
		stats = EmptyBatchStats()
	}
	var st GroupStats
	var groupLabel string
	switch p.GroupMode {
	case GroupSender:
		st = stats.Sender[rec.SenderAccount]
		groupLabel = fmt.Sprintf("sender=%s", rec.SenderAccount)
	case GroupReceiver:
		st = stats.Receiver[rec.ReceiverAccount]
		groupLabel = fmt.Sprintf("receiver=%s", rec.ReceiverAccount)
	case GroupPair:
		st = stats.Pair[PairKey{rec.SenderAccount, rec.ReceiverAccount}]
		groupLabel = fmt.Sprintf("pair=%s->%s", rec.SenderAccount, rec.ReceiverAccount)
	default:
		return false, fmt.Sprintf("Неизвестный group_mode=%s", p.GroupMode)
	}

	count := st.Count + 1
	total := st.Total + rec.Amount
	max := st.Max
	if rec.Amount > max {
		max = rec.Amount
	}

	minCount := p.MinCount
	if minCount < 1 {
		minCount = 1
	}
	triggered := count >= minCount
	if p.TotalAmountLimit != nil {
		triggered = triggered && total <= *p.TotalAmountLimit
	}
	if p.MinAmountLimit != nil {
		triggered = triggered && max <= *p.MinAmountLimit
	}

	reason := fmt.Sprintf("%d операций за %s мин, сумма=%.2f, max_amount=%.2f (%s)",
		count, windowMinutes(stats.MaxWindowSeconds), total, max, groupLabel)
	return triggered, reason
}

func windowMinutes(windowSeconds int) string {
	if windowSeconds <= 0 {
		return "0"
	}
	if windowSeconds%60 == 0 {
		return fmt.Sprintf("%d", windowSeconds/60)
	}
	return fmt.Sprintf("%.1f", float64(windowSeconds)/60)
}

package rules

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/txguard/txguard/core"
)

func f(v float64) *float64 { return &v }

func TestPatternCountThreshold(t *testing.T) {
	rec := &core.Record{SenderAccount: "ACC1", Amount: 100}
	stats := EmptyBatchStats()
	stats.MaxWindowSeconds = 300
	stats.Sender["ACC1"] = GroupStats{Count: 2, Total: 250, Max: 150}

	p := PatternParams{WindowSeconds: 300, MinCount: 3, GroupMode: GroupSender}
	triggered, reason := Pattern(rec, p, stats)
	assert.True(t, triggered)
	assert.True(t, strings.HasPrefix(reason, "3 операций за 5 мин"), reason)

	p.MinCount = 4
	triggered, _ = Pattern(rec, p, stats)
	assert.False(t, triggered)
}

func TestPatternAmountLimitsAreCeilings(t *testing.T) {
	rec := &core.Record{SenderAccount: "ACC1", Amount: 100}
	stats := EmptyBatchStats()
	stats.Sender["ACC1"] = GroupStats{Count: 4, Total: 300, Max: 90}
	p := PatternParams{MinCount: 3, GroupMode: GroupSender}

	p.TotalAmountLimit = f(400)
	triggered, _ := Pattern(rec, p, stats)
	assert.True(t, triggered)

	p.TotalAmountLimit = f(399)
	triggered, _ = Pattern(rec, p, stats)
	assert.False(t, triggered)

	p.TotalAmountLimit = nil
	p.MinAmountLimit = f(100)
	triggered, _ = Pattern(rec, p, stats)
	assert.True(t, triggered)

	p.MinAmountLimit = f(99)
	triggered, _ = Pattern(rec, p, stats)
	assert.False(t, triggered)
}

func TestPatternGroupModes(t *testing.T) {
	rec := &core.Record{SenderAccount: "ACC1", ReceiverAccount: "ACC2", Amount: 10}
	stats := EmptyBatchStats()
	stats.Receiver["ACC2"] = GroupStats{Count: 1}
	stats.Pair[PairKey{"ACC1", "ACC2"}] = GroupStats{Count: 2}

	p := PatternParams{MinCount: 2, GroupMode: GroupReceiver}
	triggered, reason := Pattern(rec, p, stats)
	assert.True(t, triggered)
	assert.Contains(t, reason, "receiver=ACC2")

	p = PatternParams{MinCount: 3, GroupMode: GroupPair}
	triggered, reason = Pattern(rec, p, stats)
	assert.True(t, triggered)
	assert.Contains(t, reason, "pair=ACC1->ACC2")
}

func TestPatternUnknownGroupMode(t *testing.T) {
	triggered, reason := Pattern(&core.Record{}, PatternParams{GroupMode: "region"}, EmptyBatchStats())
	assert.False(t, triggered)
	assert.Contains(t, reason, "group_mode")
}

func TestPatternNilStats(t *testing.T) {
	rec := &core.Record{SenderAccount: "ACC1", Amount: 10}
	triggered, _ := Pattern(rec, PatternParams{MinCount: 1, GroupMode: GroupSender}, nil)
	assert.True(t, triggered)
}

func TestWindowMinutes(t *testing.T) {
	assert.Equal(t, "5", windowMinutes(300))
	assert.Equal(t, "1.5", windowMinutes(90))
	assert.Equal(t, "0", windowMinutes(0))
}

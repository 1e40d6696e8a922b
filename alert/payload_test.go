package alert

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txguard/txguard/core"
)

func sampleRecord() *core.Record {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &core.Record{
		TransactionID:   "TX1",
		CorrelationID:   "c-1",
		Timestamp:       &ts,
		SenderAccount:   "ACC1",
		ReceiverAccount: "ACC2",
		Amount:          900,
	}
}

func TestPayloadCanonicalKeyOrder(t *testing.T) {
	p := NewPayload(sampleRecord(), []string{"big amount (amount > 500)"}, "high", "http://f")
	body, err := json.Marshal(p)
	require.NoError(t, err)

	keys := []string{
		`"amount"`, `"correlation_id"`, `"criticality"`, `"ml_probability"`,
		`"receiver_account"`, `"rules_triggered"`, `"sender_account"`,
		`"timestamp"`, `"transaction_id"`, `"transaction_link"`,
	}
	last := -1
	for _, k := range keys {
		idx := strings.Index(string(body), k)
		require.True(t, idx >= 0, k)
		assert.True(t, idx > last, "key out of order: %s", k)
		last = idx
	}
}

func TestPayloadHashStable(t *testing.T) {
	a := NewPayload(sampleRecord(), []string{"r1"}, "high", "http://f")
	b := NewPayload(sampleRecord(), []string{"r1"}, "high", "http://f")
	assert.Equal(t, a.Hash(), b.Hash())

	c := NewPayload(sampleRecord(), []string{"r2"}, "high", "http://f")
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestPayloadFallbacks(t *testing.T) {
	rec := sampleRecord()
	rec.CorrelationID = ""
	p := NewPayload(rec, nil, "severe", "http://f")

	assert.Equal(t, "medium", p.Criticality)
	assert.Equal(t, "unknown", p.CorrelationID)
	assert.Equal(t, "http://f?correlation_id=unknown", p.TransactionLink)
	assert.NotNil(t, p.RulesTriggered)
	assert.Empty(t, p.RulesTriggered)
}

func TestPayloadLink(t *testing.T) {
	p := NewPayload(sampleRecord(), nil, "low", "http://front/details.html")
	assert.Equal(t, "http://front/details.html?correlation_id=c-1", p.TransactionLink)
}

type fakeQueue struct {
	sent    map[string]bool
	pushed  [][]byte
	pushErr error
}

func newFakeQueue() *fakeQueue { return &fakeQueue{sent: map[string]bool{}} }

func (q *fakeQueue) WasSent(hash string) (bool, error) { return q.sent[hash], nil }
func (q *fakeQueue) MarkSent(hash string) error        { q.sent[hash] = true; return nil }
func (q *fakeQueue) Push(payload []byte) error {
	if q.pushErr != nil {
		return q.pushErr
	}
	q.pushed = append(q.pushed, payload)
	return nil
}

func TestSenderDedupsIdenticalPayloads(t *testing.T) {
	queue := newFakeQueue()
	s := NewSender(queue)

	p := NewPayload(sampleRecord(), []string{"r1"}, "high", "http://f")
	s.Send(p)
	s.Send(p)

	assert.Len(t, queue.pushed, 1)
}

func TestSenderDistinctPayloadsPass(t *testing.T) {
	queue := newFakeQueue()
	s := NewSender(queue)

	s.Send(NewPayload(sampleRecord(), []string{"r1"}, "high", "http://f"))
	s.Send(NewPayload(sampleRecord(), []string{"r2"}, "high", "http://f"))

	assert.Len(t, queue.pushed, 2)
}

package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txguard/txguard/params"
)

type fakeStream struct {
	appended []map[string]interface{}
	trims    int
}

func (s *fakeStream) Append(records []map[string]interface{}, chunk int) (int, error) {
	s.appended = append(s.appended, records...)
	return len(records), nil
}

func (s *fakeStream) Trim() error { s.trims++; return nil }

type fakeDedup struct {
	fields   []string
	seen     map[string]bool
	inserted []string
}

func (d *fakeDedup) Tokens(get func(field string) string) []string {
	var out []string
	for _, f := range d.fields {
		if v := get(f); v != "" {
			out = append(out, f+":"+v)
		}
	}
	return out
}

func (d *fakeDedup) Seen(tokens []string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, t := range tokens {
		if d.seen[t] {
			out[t] = true
		}
	}
	return out, nil
}

func (d *fakeDedup) Insert(tokens []string) error {
	d.inserted = append(d.inserted, tokens...)
	for _, t := range tokens {
		d.seen[t] = true
	}
	return nil
}

type fakeIdem struct {
	store map[string][]byte
}

func (c *fakeIdem) Get(mode, key string) ([]byte, bool, error) {
	b, ok := c.store[mode+"|"+key]
	return b, ok, nil
}

func (c *fakeIdem) Set(mode, key string, body []byte) error {
	c.store[mode+"|"+key] = body
	return nil
}

type fakeFpg struct {
	seen map[string]bool
}

func (f *fakeFpg) Seen(fp string) (bool, error) { return f.seen[fp], nil }
func (f *fakeFpg) Record(fp string) error       { f.seen[fp] = true; return nil }

type fakeLookup struct {
	existing map[string]bool
}

func (l *fakeLookup) ExistingIDs(ids []string, chunk int) (map[string]bool, error) {
	out := map[string]bool{}
	for _, id := range ids {
		if l.existing[id] {
			out[id] = true
		}
	}
	return out, nil
}

type serviceFixture struct {
	svc    *Service
	stream *fakeStream
	dedup  *fakeDedup
	idem   *fakeIdem
	fpg    *fakeFpg
	lookup *fakeLookup
}

func newFixture(useDedup bool) *serviceFixture {
	cfg := &params.Config{
		UseDedup:      useDedup,
		DedupKeys:     []string{"correlation_id", "transaction_id"},
		ValidateChunk: 10000,
		XAddChunk:     5000,
		LookupChunk:   5000,
	}
	f := &serviceFixture{
		stream: &fakeStream{},
		dedup:  &fakeDedup{fields: cfg.DedupKeys, seen: map[string]bool{}},
		idem:   &fakeIdem{store: map[string][]byte{}},
		fpg:    &fakeFpg{seen: map[string]bool{}},
		lookup: &fakeLookup{existing: map[string]bool{}},
	}
	f.svc = NewService(cfg, f.stream, f.dedup, f.idem, f.fpg, f.lookup)
	return f
}

func item(tid, cid string) map[string]interface{} {
	return map[string]interface{}{
		"transaction_id":   tid,
		"correlation_id":   cid,
		"timestamp":        "2026-03-01 10:00:00",
		"sender_account":   "ACC1",
		"receiver_account": "ACC2",
		"amount":           100.0,
		"transaction_type": "transfer",
		"device_used":      "web",
	}
}

func TestFingerprintOrderIndependent(t *testing.T) {
	a := []map[string]interface{}{item("T1", "c1"), item("T2", "c2")}
	b := []map[string]interface{}{item("T2", "c2"), item("T1", "c1")}
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.NotEqual(t, Fingerprint(a), Fingerprint([]map[string]interface{}{item("T3", "c3")}))
}

func TestIngestNormalMode(t *testing.T) {
	f := newFixture(false)
	resp, status := f.svc.Ingest([]map[string]interface{}{item("T1", "c1"), item("T2", "c2")}, Options{})

	assert.Equal(t, 202, status)
	assert.Equal(t, 2, resp.Summary.Received)
	assert.Equal(t, 2, resp.Summary.Queued)
	assert.Equal(t, 0, resp.Summary.Invalid)
	assert.Equal(t, "normal", resp.Idempotency.Mode)
	assert.Len(t, f.stream.appended, 2)
	assert.Equal(t, 1, f.stream.trims)
}

func TestIngestCountsInvalid(t *testing.T) {
	f := newFixture(false)
	bad := item("T1", "c1")
	bad["amount"] = -1.0
	resp, _ := f.svc.Ingest([]map[string]interface{}{bad, item("T2", "c2")}, Options{})

	assert.Equal(t, 1, resp.Summary.Invalid)
	assert.Equal(t, 1, resp.Summary.Queued)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, 0, resp.Errors[0].Index)
	assert.Contains(t, resp.Errors[0].Error, "Сумма транзакции")
}

func TestIngestDedupDropsResubmission(t *testing.T) {
	f := newFixture(true)
	batch := []map[string]interface{}{item("T1", "c1")}

	resp, _ := f.svc.Ingest(batch, Options{})
	assert.Equal(t, 1, resp.Summary.Queued)
	assert.Equal(t, 0, resp.Summary.DedupDropped)

	// Same tokens, different batch fingerprint: stays in normal mode and the
	// dedup filter drops it.
	resp, _ = f.svc.Ingest([]map[string]interface{}{item("T1", "c1"), item("T9", "c9")}, Options{})
	assert.Equal(t, 1, resp.Summary.DedupDropped)
	assert.Equal(t, 1, resp.Summary.Queued)
}

func TestIngestReprocessMarksRecalc(t *testing.T) {
	f := newFixture(true)
	resp, status := f.svc.Ingest([]map[string]interface{}{item("T1", "c1")}, Options{ReprocessYes: true})

	assert.Equal(t, 202, status)
	assert.Equal(t, "reprocess", resp.Idempotency.Mode)
	assert.Equal(t, 1, resp.Summary.Queued)
	require.Len(t, f.stream.appended, 1)
	assert.Equal(t, "1", f.stream.appended[0]["recalc"])
}

func TestIngestFingerprintPromotesToAuto(t *testing.T) {
	f := newFixture(false)
	batch := []map[string]interface{}{item("T1", "c1")}

	resp, _ := f.svc.Ingest(batch, Options{})
	assert.Equal(t, "normal", resp.Idempotency.Mode)

	f.lookup.existing["T1"] = true
	resp, _ = f.svc.Ingest(batch, Options{})
	assert.Equal(t, "auto", resp.Idempotency.Mode)
	require.Len(t, f.stream.appended, 2)
	assert.Equal(t, "1", f.stream.appended[1]["recalc"])
}

func TestIngestAutoSplitsOldAndNew(t *testing.T) {
	f := newFixture(false)
	f.lookup.existing["T1"] = true
	resp, _ := f.svc.Ingest(
		[]map[string]interface{}{item("T1", "c1"), item("T2", "c2")},
		Options{ReprocessAuto: true})

	assert.Equal(t, "auto", resp.Idempotency.Mode)
	assert.Equal(t, 2, resp.Summary.Queued)

	recalcs := 0
	for _, values := range f.stream.appended {
		if values["recalc"] == "1" {
			recalcs++
		}
	}
	assert.Equal(t, 1, recalcs)
}

func TestIngestAutoPromotesDedupHits(t *testing.T) {
	f := newFixture(false)
	// Token known to the dedup set but id absent from storage: accepted
	// before, never persisted.
	f.dedup.seen["transaction_id:T1"] = true
	resp, _ := f.svc.Ingest([]map[string]interface{}{item("T1", "c1")}, Options{ReprocessAuto: true})

	assert.Equal(t, 1, resp.Summary.Queued)
	require.Len(t, f.stream.appended, 1)
	assert.Equal(t, "1", f.stream.appended[0]["recalc"])
}

func TestIngestIdempotencyCacheHit(t *testing.T) {
	f := newFixture(false)
	batch := []map[string]interface{}{item("T1", "c1")}
	opts := Options{ReprocessYes: true, IdempotencyKey: "k-1"}

	first, status := f.svc.Ingest(batch, opts)
	assert.Equal(t, 202, status)
	assert.True(t, first.Idempotency.KeyUsed)
	assert.False(t, first.Idempotency.Cached)

	second, status := f.svc.Ingest(batch, opts)
	assert.Equal(t, 200, status)
	assert.True(t, second.Idempotency.Cached)
	assert.Equal(t, "k-1", second.Idempotency.DuplicateOf)
	assert.Equal(t, first.Summary, second.Summary)
	// Nothing re-queued on a cache hit.
	assert.Len(t, f.stream.appended, 1)
}

func TestIngestIdempotencyKeyedByMode(t *testing.T) {
	f := newFixture(false)
	batch := []map[string]interface{}{item("T1", "c1")}

	_, status := f.svc.Ingest(batch, Options{IdempotencyKey: "k-1"})
	assert.Equal(t, 202, status)

	// Same key, different mode: no cache hit.
	_, status = f.svc.Ingest(batch, Options{ReprocessYes: true, IdempotencyKey: "k-1"})
	assert.Equal(t, 202, status)
}

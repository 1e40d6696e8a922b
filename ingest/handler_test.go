package ingest

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureListShapes(t *testing.T) {
	single := map[string]interface{}{"transaction_id": "T1"}
	assert.Len(t, ensureList(single), 1)

	wrapped := map[string]interface{}{"transactions": []interface{}{
		map[string]interface{}{"transaction_id": "T1"},
		map[string]interface{}{"transaction_id": "T2"},
	}}
	items := ensureList(wrapped)
	require.Len(t, items, 2)
	assert.Equal(t, "T2", items[1]["transaction_id"])

	bare := []interface{}{map[string]interface{}{"transaction_id": "T1"}}
	assert.Len(t, ensureList(bare), 1)

	assert.Empty(t, ensureList("scalar"))
	assert.Empty(t, ensureList(map[string]interface{}{"transactions": "oops"}))
}

func TestReprocessFlags(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/transactions/stream/?reprocess=1", nil)
	yes, auto := reprocessFlags(r)
	assert.True(t, yes)
	assert.False(t, auto)

	r = httptest.NewRequest("POST", "/api/transactions/stream/?reprocess=auto", nil)
	yes, auto = reprocessFlags(r)
	assert.False(t, yes)
	assert.True(t, auto)

	r = httptest.NewRequest("POST", "/api/transactions/stream/", nil)
	r.Header.Set("X-Reprocess", "TRUE")
	yes, auto = reprocessFlags(r)
	assert.True(t, yes)
	assert.False(t, auto)

	r = httptest.NewRequest("POST", "/api/transactions/stream/", nil)
	yes, auto = reprocessFlags(r)
	assert.False(t, yes)
	assert.False(t, auto)
}

func TestLooseRecordCoercesValues(t *testing.T) {
	rec := looseRecord(map[string]interface{}{
		"transaction_id": "T1",
		"amount":         1500.0,
		"custom_flag":    true,
	})
	assert.Equal(t, "T1", rec.TransactionID)
	assert.Equal(t, 1500.0, rec.Amount)
	assert.Equal(t, "True", rec.Extra["custom_flag"])
}

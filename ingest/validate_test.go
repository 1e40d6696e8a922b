package ingest

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func validItem() map[string]interface{} {
	return map[string]interface{}{
		"transaction_id":   "TX100",
		"correlation_id":   "corr-100",
		"timestamp":        "2026-03-01 10:00:00",
		"sender_account":   "ACC1",
		"receiver_account": "ACC2",
		"amount":           1500.0,
		"transaction_type": "transfer",
		"device_used":      "web",
	}
}

func TestValidateItemAccepts(t *testing.T) {
	rec, err := ValidateItem(validItem(), testNow)
	require.NoError(t, err)
	assert.Equal(t, "TX100", rec.TransactionID)
	assert.Equal(t, 1500.0, rec.Amount)
	assert.Equal(t, "transfer", rec.TransactionType)
	require.NotNil(t, rec.TimeSinceLastTransaction)
	assert.Equal(t, 0.0, *rec.TimeSinceLastTransaction)
	assert.Nil(t, rec.VelocityScore)
}

func TestValidateItemRejects(t *testing.T) {
	cases := []struct {
		mutate  func(map[string]interface{})
		message string
	}{
		{func(m map[string]interface{}) { delete(m, "transaction_id") }, "transaction_id"},
		{func(m map[string]interface{}) { m["transaction_id"] = strings.Repeat("X", 21) }, "transaction_id"},
		{func(m map[string]interface{}) { delete(m, "correlation_id") }, "correlation_id"},
		{func(m map[string]interface{}) { m["timestamp"] = "not-a-date" }, "не удалось распознать дату"},
		{func(m map[string]interface{}) { m["timestamp"] = "2026-03-01 13:00:00" }, "Дата транзакции не может быть в будущем."},
		{func(m map[string]interface{}) { m["sender_account"] = "acc1" }, "sender_account"},
		{func(m map[string]interface{}) { m["receiver_account"] = "BANK2" }, "receiver_account"},
		{func(m map[string]interface{}) { m["amount"] = 0.0 }, "Сумма транзакции должна быть положительной."},
		{func(m map[string]interface{}) { m["amount"] = -5.0 }, "Сумма транзакции должна быть положительной."},
		{func(m map[string]interface{}) { m["amount"] = "abc" }, "amount"},
		{func(m map[string]interface{}) { m["transaction_type"] = "loan" }, "transaction_type"},
		{func(m map[string]interface{}) { m["device_used"] = "fax" }, "device_used"},
		{func(m map[string]interface{}) { m["ip_address"] = "999.1.1.1" }, "IPv4"},
		{func(m map[string]interface{}) { m["ip_address"] = "::1" }, "IPv4"},
		{func(m map[string]interface{}) { m["ip_address"] = "0.0.0.0" }, "Недопустимый IPv4 (unspecified)."},
		{func(m map[string]interface{}) { m["ip_address"] = "255.255.255.255" }, "Недопустимый IPv4 (broadcast)."},
		{func(m map[string]interface{}) { m["velocity_score"] = "high" }, "velocity_score"},
	}
	for _, c := range cases {
		item := validItem()
		c.mutate(item)
		_, err := ValidateItem(item, testNow)
		require.Error(t, err, c.message)
		assert.Contains(t, err.Error(), c.message)
	}
}

func TestValidateItemOptionalScores(t *testing.T) {
	item := validItem()
	item["velocity_score"] = 0.42
	item["geo_anomaly_score"] = ""
	item["spending_deviation_score"] = nil

	rec, err := ValidateItem(item, testNow)
	require.NoError(t, err)
	require.NotNil(t, rec.VelocityScore)
	assert.Equal(t, 0.42, *rec.VelocityScore)
	assert.Nil(t, rec.GeoAnomalyScore)
	assert.Nil(t, rec.SpendingDeviationScore)
}

func TestValidateItemAcceptsValidIP(t *testing.T) {
	item := validItem()
	item["ip_address"] = "192.168.1.10"
	rec, err := ValidateItem(item, testNow)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.10", rec.IPAddress)
}

func TestSanitizeStripsControlChars(t *testing.T) {
	assert.Equal(t, "TX1", sanitizeString("  TX1\x00\x1f "))
}

func TestSanitizeFieldEscapesFreeText(t *testing.T) {
	out := sanitizeField("location", `Moscow <b>"center"</b>`)
	assert.NotContains(t, out, "<")
	assert.NotContains(t, out, ">")
	assert.Contains(t, out, "Moscow")
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "True", stringify(true))
	assert.Equal(t, "False", stringify(false))
	assert.Equal(t, "12.5", stringify(12.5))
	assert.Equal(t, "7", stringify(7.0))
	assert.Equal(t, "", stringify(nil))
	assert.Equal(t, "x", stringify("x"))
}

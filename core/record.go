// Package core defines the transaction payload exchanged between the
// ingestion service, the durable stream and the evaluation worker.
package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Statuses assigned by the evaluation worker. A row moves from processed to
// alerted at most once and never back.
const (
	StatusProcessed = "processed"
	StatusAlerted   = "alerted"
)

// TimestampLayouts are the accepted wire formats for transaction timestamps,
// tried in order.
var TimestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"02.01.2006 15:04",
}

// Record is one transaction as it travels through the stream. Typed fields
// cover the known schema; Extra keeps unknown attributes from foreign
// producers so they survive a round trip through the stream.
type Record struct {
	TransactionID   string
	CorrelationID   string
	Timestamp       *time.Time
	SenderAccount   string
	ReceiverAccount string
	Amount          float64

	TransactionType  string
	MerchantCategory string
	Location         string
	DeviceUsed       string
	PaymentChannel   string
	IPAddress        string
	DeviceHash       string

	TimeSinceLastTransaction *float64
	SpendingDeviationScore   *float64
	VelocityScore            *float64
	GeoAnomalyScore          *float64

	// Recalc marks a stream entry that re-evaluates an already persisted
	// transaction instead of inserting a new row.
	Recalc bool

	Extra map[string]string
}

// ParseTimestamp parses a wire timestamp. Naive values are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range TimestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("не удалось распознать дату: %s", s)
}

// Field resolves a rule column against the record. Known columns come from
// the typed fields; anything else falls through to Extra. The second return
// reports whether the column has a non-empty value.
func (r *Record) Field(name string) (string, bool) {
	switch name {
	case "transaction_id":
		return r.TransactionID, r.TransactionID != ""
	case "correlation_id":
		return r.CorrelationID, r.CorrelationID != ""
	case "timestamp":
		if r.Timestamp == nil {
			return "", false
		}
		return r.Timestamp.Format(time.RFC3339), true
	case "sender_account":
		return r.SenderAccount, r.SenderAccount != ""
	case "receiver_account":
		return r.ReceiverAccount, r.ReceiverAccount != ""
	case "amount":
		return formatFloat(r.Amount), true
	case "transaction_type":
		return r.TransactionType, r.TransactionType != ""
	case "merchant_category":
		return r.MerchantCategory, r.MerchantCategory != ""
	case "location":
		return r.Location, r.Location != ""
	case "device_used":
		return r.DeviceUsed, r.DeviceUsed != ""
	case "payment_channel":
		return r.PaymentChannel, r.PaymentChannel != ""
	case "ip_address":
		return r.IPAddress, r.IPAddress != ""
	case "device_hash":
		return r.DeviceHash, r.DeviceHash != ""
	case "time_since_last_transaction":
		return optFloat(r.TimeSinceLastTransaction)
	case "spending_deviation_score":
		return optFloat(r.SpendingDeviationScore)
	case "velocity_score":
		return optFloat(r.VelocityScore)
	case "geo_anomaly_score":
		return optFloat(r.GeoAnomalyScore)
	}
	v, ok := r.Extra[name]
	return v, ok && v != ""
}

// Float coerces a column to float64. A missing column reads as zero; a
// present but non-numeric value is an error.
func (r *Record) Float(name string) (float64, error) {
	v, ok := r.Field(name)
	if !ok {
		return 0, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное значение поля '%s': %s", name, v)
	}
	return f, nil
}

func optFloat(p *float64) (string, bool) {
	if p == nil {
		return "", false
	}
	return formatFloat(*p), true
}

// formatFloat renders a float the way the reason strings expect: integral
// values keep one decimal place ("1500.0"), others print minimally.
func formatFloat(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatFloat(f, 'f', 1, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// FormatFloat is the shared reason-string float rendering.
func FormatFloat(f float64) string { return formatFloat(f) }

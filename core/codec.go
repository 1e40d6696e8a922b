package core

import (
	"strconv"
	"time"
)

// Stream field names for the typed part of a Record.
var knownFields = map[string]struct{}{
	"transaction_id": {}, "correlation_id": {}, "timestamp": {},
	"sender_account": {}, "receiver_account": {}, "amount": {},
	"transaction_type": {}, "merchant_category": {}, "location": {},
	"device_used": {}, "payment_channel": {}, "ip_address": {},
	"device_hash": {}, "time_since_last_transaction": {},
	"spending_deviation_score": {}, "velocity_score": {},
	"geo_anomaly_score": {}, "recalc": {},
}

// StreamValues flattens the record into the stringified field map appended
// onto the stream. Timestamps are ISO-8601; recalc travels as "0"/"1".
func (r *Record) StreamValues() map[string]interface{} {
	out := map[string]interface{}{
		"transaction_id":   r.TransactionID,
		"correlation_id":   r.CorrelationID,
		"sender_account":   r.SenderAccount,
		"receiver_account": r.ReceiverAccount,
		"amount":           strconv.FormatFloat(r.Amount, 'f', -1, 64),
	}
	if r.Timestamp != nil {
		out["timestamp"] = r.Timestamp.Format(time.RFC3339Nano)
	}
	putStr := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	putStr("transaction_type", r.TransactionType)
	putStr("merchant_category", r.MerchantCategory)
	putStr("location", r.Location)
	putStr("device_used", r.DeviceUsed)
	putStr("payment_channel", r.PaymentChannel)
	putStr("ip_address", r.IPAddress)
	putStr("device_hash", r.DeviceHash)
	putFloat := func(k string, p *float64) {
		if p != nil {
			out[k] = strconv.FormatFloat(*p, 'f', -1, 64)
		}
	}
	putFloat("time_since_last_transaction", r.TimeSinceLastTransaction)
	putFloat("spending_deviation_score", r.SpendingDeviationScore)
	putFloat("velocity_score", r.VelocityScore)
	putFloat("geo_anomaly_score", r.GeoAnomalyScore)
	if r.Recalc {
		out["recalc"] = "1"
	}
	for k, v := range r.Extra {
		if _, known := knownFields[k]; !known {
			out[k] = v
		}
	}
	return out
}

// FromStreamValues rebuilds a Record from a stream entry. Unknown fields are
// preserved in Extra; review flags from foreign producers are dropped, they
// are operator-owned.
func FromStreamValues(values map[string]interface{}) *Record {
	get := func(k string) string {
		if v, ok := values[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return ""
	}
	r := &Record{
		TransactionID:    get("transaction_id"),
		CorrelationID:    get("correlation_id"),
		SenderAccount:    get("sender_account"),
		ReceiverAccount:  get("receiver_account"),
		TransactionType:  get("transaction_type"),
		MerchantCategory: get("merchant_category"),
		Location:         get("location"),
		DeviceUsed:       get("device_used"),
		PaymentChannel:   get("payment_channel"),
		IPAddress:        get("ip_address"),
		DeviceHash:       get("device_hash"),
		Recalc:           get("recalc") == "1",
	}
	if ts := get("timestamp"); ts != "" {
		if t, err := ParseTimestamp(ts); err == nil {
			r.Timestamp = &t
		}
	}
	if a := get("amount"); a != "" {
		if f, err := strconv.ParseFloat(a, 64); err == nil {
			r.Amount = f
		}
	}
	parseOpt := func(k string) *float64 {
		if s := get(k); s != "" {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return &f
			}
		}
		return nil
	}
	r.TimeSinceLastTransaction = parseOpt("time_since_last_transaction")
	r.SpendingDeviationScore = parseOpt("spending_deviation_score")
	r.VelocityScore = parseOpt("velocity_score")
	r.GeoAnomalyScore = parseOpt("geo_anomaly_score")

	for k, v := range values {
		if _, known := knownFields[k]; known {
			continue
		}
		if k == "is_fraud" || k == "is_reviewed" || k == "status" {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		if r.Extra == nil {
			r.Extra = map[string]string{}
		}
		r.Extra[k] = s
	}
	return r
}

package ingest

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/txguard/txguard/core"
)

var accountPattern = regexp.MustCompile(`^ACC\d+$`)

var transactionTypes = map[string]bool{
	"withdrawal": true, "deposit": true, "transfer": true, "payment": true,
}

var deviceChoices = map[string]bool{
	"mobile": true, "atm": true, "pos": true, "web": true,
}

// Field length caps of the persisted schema.
const (
	maxTransactionID  = 20
	maxCorrelationID  = 64
	maxShortText      = 50
	maxPaymentChannel = 20
	maxDeviceHash     = 64
)

// stringify renders a decoded JSON value the way the wire format expects.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "True"
		}
		return "False"
	default:
		return fmt.Sprintf("%v", t)
	}
}

func floatValue(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// ValidateItem checks one decoded batch item and converts it into a stream
// record. Strings are sanitised in place; a blank or absent
// time_since_last_transaction reads as 0.0. The error carries a
// client-facing message.
func ValidateItem(item map[string]interface{}, now time.Time) (*core.Record, error) {
	rec := &core.Record{}

	tid := sanitizeString(stringify(item["transaction_id"]))
	if tid == "" {
		return nil, fmt.Errorf("поле 'transaction_id' обязательно")
	}
	if len(tid) > maxTransactionID {
		return nil, fmt.Errorf("поле 'transaction_id' длиннее %d символов", maxTransactionID)
	}
	rec.TransactionID = tid

	cid := sanitizeString(stringify(item["correlation_id"]))
	if cid == "" {
		return nil, fmt.Errorf("поле 'correlation_id' обязательно")
	}
	if len(cid) > maxCorrelationID {
		return nil, fmt.Errorf("поле 'correlation_id' длиннее %d символов", maxCorrelationID)
	}
	rec.CorrelationID = cid

	rawTS := sanitizeString(stringify(item["timestamp"]))
	if rawTS == "" {
		return nil, fmt.Errorf("поле 'timestamp' обязательно")
	}
	ts, err := core.ParseTimestamp(rawTS)
	if err != nil {
		return nil, err
	}
	if ts.After(now) {
		return nil, fmt.Errorf("Дата транзакции не может быть в будущем.")
	}
	rec.Timestamp = &ts

	sender := sanitizeString(stringify(item["sender_account"]))
	if !accountPattern.MatchString(sender) {
		return nil, fmt.Errorf("поле 'sender_account' должно иметь вид ACC<цифры>")
	}
	rec.SenderAccount = sender

	receiver := sanitizeString(stringify(item["receiver_account"]))
	if !accountPattern.MatchString(receiver) {
		return nil, fmt.Errorf("поле 'receiver_account' должно иметь вид ACC<цифры>")
	}
	rec.ReceiverAccount = receiver

	amount, ok := floatValue(item["amount"])
	if !ok {
		return nil, fmt.Errorf("поле 'amount' должно быть числом")
	}
	if amount < 0.01 {
		return nil, fmt.Errorf("Сумма транзакции должна быть положительной.")
	}
	rec.Amount = amount

	txType := sanitizeString(stringify(item["transaction_type"]))
	if !transactionTypes[txType] {
		return nil, fmt.Errorf("недопустимый transaction_type '%s'", txType)
	}
	rec.TransactionType = txType

	device := sanitizeString(stringify(item["device_used"]))
	if !deviceChoices[device] {
		return nil, fmt.Errorf("недопустимый device_used '%s'", device)
	}
	rec.DeviceUsed = device

	rec.MerchantCategory = sanitizeField("merchant_category", stringify(item["merchant_category"]))
	if len(sanitizeString(stringify(item["merchant_category"]))) > maxShortText {
		return nil, fmt.Errorf("поле 'merchant_category' длиннее %d символов", maxShortText)
	}
	rec.Location = sanitizeField("location", stringify(item["location"]))
	if len(sanitizeString(stringify(item["location"]))) > maxShortText {
		return nil, fmt.Errorf("поле 'location' длиннее %d символов", maxShortText)
	}

	channel := sanitizeString(stringify(item["payment_channel"]))
	if len(channel) > maxPaymentChannel {
		return nil, fmt.Errorf("поле 'payment_channel' длиннее %d символов", maxPaymentChannel)
	}
	rec.PaymentChannel = channel

	hash := sanitizeString(stringify(item["device_hash"]))
	if len(hash) > maxDeviceHash {
		return nil, fmt.Errorf("поле 'device_hash' длиннее %d символов", maxDeviceHash)
	}
	rec.DeviceHash = hash

	ipStr := sanitizeString(stringify(item["ip_address"]))
	if ipStr != "" {
		ip := net.ParseIP(ipStr)
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("поле 'ip_address' должно быть корректным IPv4")
		}
		if ip.IsUnspecified() {
			return nil, fmt.Errorf("Недопустимый IPv4 (unspecified).")
		}
		if ipStr == "255.255.255.255" {
			return nil, fmt.Errorf("Недопустимый IPv4 (broadcast).")
		}
		rec.IPAddress = ipStr
	}

	tsl, err := scoreField(item, "time_since_last_transaction")
	if err != nil {
		return nil, err
	}
	if tsl == nil {
		zero := 0.0
		tsl = &zero
	}
	rec.TimeSinceLastTransaction = tsl

	if rec.SpendingDeviationScore, err = scoreField(item, "spending_deviation_score"); err != nil {
		return nil, err
	}
	if rec.VelocityScore, err = scoreField(item, "velocity_score"); err != nil {
		return nil, err
	}
	if rec.GeoAnomalyScore, err = scoreField(item, "geo_anomaly_score"); err != nil {
		return nil, err
	}
	return rec, nil
}

// scoreField reads an optional numeric risk score. Absent, null or blank
// values read as missing.
func scoreField(item map[string]interface{}, name string) (*float64, error) {
	v, present := item[name]
	if !present || v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return nil, nil
	}
	f, ok := floatValue(v)
	if !ok {
		return nil, fmt.Errorf("поле '%s' должно быть числом", name)
	}
	return &f, nil
}

// Package storage implements the relational stores for processed
// transactions and the four rule families, backed by MySQL through gorm.
package storage

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/txguard/txguard/core"
	"github.com/txguard/txguard/rules"
)

// Transaction is the persisted form of a processed transaction. Rows are
// immutable after insert except for status (processed → alerted, once) and
// the operator-owned review flags.
type Transaction struct {
	ID              uint       `gorm:"primary_key" json:"id"`
	TransactionID   string     `gorm:"type:varchar(64);unique_index" json:"transaction_id"`
	CorrelationID   string     `gorm:"type:varchar(64);index" json:"correlation_id"`
	Timestamp       *time.Time `gorm:"index" json:"timestamp"`
	SenderAccount   string     `gorm:"type:varchar(32);index" json:"sender_account"`
	ReceiverAccount string     `gorm:"type:varchar(32);index" json:"receiver_account"`
	Amount          float64    `gorm:"type:decimal(12,2)" json:"amount"`

	TransactionType  string `gorm:"type:varchar(30)" json:"transaction_type"`
	MerchantCategory string `gorm:"type:varchar(255)" json:"merchant_category"`
	Location         string `gorm:"type:varchar(255)" json:"location"`
	DeviceUsed       string `gorm:"type:varchar(20)" json:"device_used"`
	PaymentChannel   string `gorm:"type:varchar(20)" json:"payment_channel"`
	IPAddress        string `gorm:"type:varchar(45)" json:"ip_address"`
	DeviceHash       string `gorm:"type:varchar(64)" json:"device_hash"`

	TimeSinceLastTransaction *float64 `json:"time_since_last_transaction"`
	SpendingDeviationScore   *float64 `json:"spending_deviation_score"`
	VelocityScore            *float64 `json:"velocity_score"`
	GeoAnomalyScore          *float64 `json:"geo_anomaly_score"`

	IsFraud    bool `json:"is_fraud"`
	IsReviewed bool `json:"is_reviewed"`

	Status string `gorm:"type:varchar(16);index" json:"status"`
}

func (Transaction) TableName() string { return "transactions" }

// RowFromRecord converts a stream record into its persisted form.
func RowFromRecord(rec *core.Record, status string) *Transaction {
	return &Transaction{
		TransactionID:            rec.TransactionID,
		CorrelationID:            rec.CorrelationID,
		Timestamp:                rec.Timestamp,
		SenderAccount:            rec.SenderAccount,
		ReceiverAccount:          rec.ReceiverAccount,
		Amount:                   rec.Amount,
		TransactionType:          rec.TransactionType,
		MerchantCategory:         rec.MerchantCategory,
		Location:                 rec.Location,
		DeviceUsed:               rec.DeviceUsed,
		PaymentChannel:           rec.PaymentChannel,
		IPAddress:                rec.IPAddress,
		DeviceHash:               rec.DeviceHash,
		TimeSinceLastTransaction: rec.TimeSinceLastTransaction,
		SpendingDeviationScore:   rec.SpendingDeviationScore,
		VelocityScore:            rec.VelocityScore,
		GeoAnomalyScore:          rec.GeoAnomalyScore,
		Status:                   status,
	}
}

// ThresholdRule compares one transaction column against a constant.
type ThresholdRule struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	Title       string    `gorm:"type:varchar(100)" json:"title"`
	Description string    `gorm:"type:text" json:"description"`
	ColumnName  string    `gorm:"type:varchar(50)" json:"column_name"`
	Operator    string    `gorm:"type:varchar(5)" json:"operator"`
	Value       float64   `json:"value"`
	Username    string    `gorm:"type:varchar(150)" json:"username"`
	IsActive    bool      `gorm:"index" json:"is_active"`
	Criticality string    `gorm:"type:varchar(10);default:'low'" json:"criticality"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (ThresholdRule) TableName() string { return "threshold_rules" }

func (r *ThresholdRule) Validate() error {
	if strings.TrimSpace(r.ColumnName) == "" {
		return errors.New("поле 'column_name' не может быть пустым")
	}
	if _, ok := rules.Operators[r.Operator]; !ok {
		return errors.Errorf("недопустимый оператор '%s'", r.Operator)
	}
	if r.Criticality != "" && !rules.ValidCriticality(r.Criticality) {
		return errors.Errorf("недопустимая критичность '%s'", r.Criticality)
	}
	return nil
}

// CompositeRule holds a boolean rule tree as JSON.
type CompositeRule struct {
	ID          uint            `gorm:"primary_key" json:"id"`
	Title       string          `gorm:"type:varchar(100)" json:"title"`
	Description string          `gorm:"type:text" json:"description"`
	Rule        json.RawMessage `gorm:"type:json" json:"rule"`
	Username    string          `gorm:"type:varchar(150)" json:"username"`
	IsActive    bool            `gorm:"index" json:"is_active"`
	Criticality string          `gorm:"type:varchar(10);default:'low'" json:"criticality"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (CompositeRule) TableName() string { return "composite_rules" }

func (r *CompositeRule) Validate() error {
	tree, err := rules.ParseTree(r.Rule)
	if err != nil {
		return err
	}
	if err := rules.ValidateTree(tree); err != nil {
		return err
	}
	if r.Criticality != "" && !rules.ValidCriticality(r.Criticality) {
		return errors.Errorf("недопустимая критичность '%s'", r.Criticality)
	}
	return nil
}

// Tree parses the stored rule body.
func (r *CompositeRule) Tree() (*rules.Node, error) {
	return rules.ParseTree(r.Rule)
}

// PatternRule fires on windowed aggregation thresholds per account group.
type PatternRule struct {
	ID               uint      `gorm:"primary_key" json:"id"`
	Title            string    `gorm:"type:varchar(100)" json:"title"`
	Description      string    `gorm:"type:text" json:"description"`
	WindowSeconds    int       `gorm:"default:600" json:"window_seconds"`
	MinCount         int       `gorm:"default:3" json:"min_count"`
	TotalAmountLimit *float64  `json:"total_amount_limit"`
	MinAmountLimit   *float64  `json:"min_amount_limit"`
	GroupMode        string    `gorm:"type:varchar(20);default:'sender'" json:"group_mode"`
	Username         string    `gorm:"type:varchar(150)" json:"username"`
	IsActive         bool      `gorm:"index" json:"is_active"`
	Criticality      string    `gorm:"type:varchar(10);default:'low'" json:"criticality"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (PatternRule) TableName() string { return "pattern_rules" }

func (r *PatternRule) Validate() error {
	if r.WindowSeconds <= 0 {
		return errors.New("длительность окна должна быть больше 0 секунд")
	}
	if r.MinCount <= 0 {
		return errors.New("количество операций (min_count) должно быть > 0")
	}
	switch r.GroupMode {
	case rules.GroupSender, rules.GroupReceiver, rules.GroupPair:
	default:
		return errors.Errorf("недопустимый group_mode '%s'", r.GroupMode)
	}
	if r.Criticality != "" && !rules.ValidCriticality(r.Criticality) {
		return errors.Errorf("недопустимая критичность '%s'", r.Criticality)
	}
	return nil
}

func (r *PatternRule) Params() rules.PatternParams {
	return rules.PatternParams{
		WindowSeconds:    r.WindowSeconds,
		MinCount:         r.MinCount,
		TotalAmountLimit: r.TotalAmountLimit,
		MinAmountLimit:   r.MinAmountLimit,
		GroupMode:        r.GroupMode,
	}
}

// MLRule delegates scoring to an external model in advisory mode.
type MLRule struct {
	ID            uint      `gorm:"primary_key" json:"id"`
	Title         string    `gorm:"type:varchar(100)" json:"title"`
	Description   string    `gorm:"type:text" json:"description"`
	Threshold     float64   `gorm:"default:0.8" json:"threshold"`
	ModelName     string    `gorm:"type:varchar(200)" json:"model_name"`
	InputTemplate string    `gorm:"type:text" json:"input_template"`
	Username      string    `gorm:"type:varchar(150)" json:"username"`
	IsActive      bool      `gorm:"index" json:"is_active"`
	Criticality   string    `gorm:"type:varchar(10);default:'low'" json:"criticality"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (MLRule) TableName() string { return "ml_rules" }

func (r *MLRule) Validate() error {
	if r.Threshold < 0 || r.Threshold > 1 {
		return errors.New("порог должен быть между 0 и 1")
	}
	if strings.TrimSpace(r.ModelName) == "" {
		return errors.New("название модели обязательно")
	}
	if r.Criticality != "" && !rules.ValidCriticality(r.Criticality) {
		return errors.Errorf("недопустимая критичность '%s'", r.Criticality)
	}
	return nil
}

func (r *MLRule) Params() rules.MLParams {
	return rules.MLParams{
		ModelName:     r.ModelName,
		InputTemplate: r.InputTemplate,
		Threshold:     r.Threshold,
	}
}

// Rule kinds.
const (
	KindThreshold = "threshold"
	KindComposite = "composite"
	KindPattern   = "pattern"
	KindML        = "ml"
)

// RuleRecord is one entry of the merged active-rule snapshot. Exactly one of
// the variant pointers is set; Tree caches the parsed composite body.
type RuleRecord struct {
	Kind        string
	ID          uint
	Title       string
	Criticality string
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Threshold *ThresholdRule
	Composite *CompositeRule
	Pattern   *PatternRule
	ML        *MLRule
	Tree      *rules.Node
}

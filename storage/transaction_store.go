package storage

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jinzhu/gorm"
	"github.com/pkg/errors"

	"github.com/txguard/txguard/core"
	"github.com/txguard/txguard/log"
	"github.com/txguard/txguard/rules"
)

// ErrNotFound is returned for lookups of absent transactions.
var ErrNotFound = errors.New("transaction not found")

// TransactionStore wraps all persisted-transaction access.
type TransactionStore struct {
	db *gorm.DB
}

func NewTransactionStore(db *gorm.DB) *TransactionStore {
	return &TransactionStore{db: db}
}

var insertColumns = []string{
	"transaction_id", "correlation_id", "timestamp",
	"sender_account", "receiver_account", "amount",
	"transaction_type", "merchant_category", "location", "device_used",
	"payment_channel", "ip_address", "device_hash",
	"time_since_last_transaction", "spending_deviation_score",
	"velocity_score", "geo_anomaly_score",
	"is_fraud", "is_reviewed", "status",
}

// BulkInsertIgnoreDuplicates persists rows in ascending transaction_id order
// in chunks. Each chunk runs in a short-timeout transaction with
// keep-existing-row semantics on transaction_id conflicts. A failed chunk is
// logged and skipped; the remaining chunks still run. Returns the number of
// rows in chunks that committed.
func (s *TransactionStore) BulkInsertIgnoreDuplicates(rows []*Transaction, chunk int) int {
	logger := log.NewModuleLogger("storage")
	if chunk <= 0 {
		chunk = 5000
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].TransactionID < rows[j].TransactionID })

	inserted := 0
	for start := 0; start < len(rows); start += chunk {
		end := start + chunk
		if end > len(rows) {
			end = len(rows)
		}
		part := rows[start:end]
		if err := s.insertChunk(part); err != nil {
			logger.Errorw("bulk insert failed",
				"event", "bulk_insert_failed",
				"chunk_start", start,
				"chunk_size", len(part),
				"error", err.Error())
			continue
		}
		inserted += len(part)
	}
	return inserted
}

func (s *TransactionStore) insertChunk(part []*Transaction) error {
	if len(part) == 0 {
		return nil
	}
	tx := s.db.Begin()
	if tx.Error != nil {
		return errors.Wrap(tx.Error, "begin")
	}
	if err := tx.Exec("SET SESSION innodb_lock_wait_timeout = 5").Error; err != nil {
		tx.Rollback()
		return errors.Wrap(err, "lock timeout")
	}
	if err := tx.Exec("SET SESSION max_execution_time = 30000").Error; err != nil {
		tx.Rollback()
		return errors.Wrap(err, "statement timeout")
	}

	placeholders := make([]string, 0, len(part))
	args := make([]interface{}, 0, len(part)*len(insertColumns))
	one := "(" + strings.TrimSuffix(strings.Repeat("?,", len(insertColumns)), ",") + ")"
	for _, row := range part {
		placeholders = append(placeholders, one)
		args = append(args,
			row.TransactionID, row.CorrelationID, row.Timestamp,
			row.SenderAccount, row.ReceiverAccount, row.Amount,
			row.TransactionType, row.MerchantCategory, row.Location, row.DeviceUsed,
			row.PaymentChannel, row.IPAddress, row.DeviceHash,
			row.TimeSinceLastTransaction, row.SpendingDeviationScore,
			row.VelocityScore, row.GeoAnomalyScore,
			row.IsFraud, row.IsReviewed, row.Status,
		)
	}
	query := fmt.Sprintf("INSERT IGNORE INTO transactions (%s) VALUES %s",
		strings.Join(insertColumns, ", "), strings.Join(placeholders, ", "))
	if err := tx.Exec(query, args...).Error; err != nil {
		tx.Rollback()
		return errors.Wrap(err, "insert ignore")
	}
	return errors.Wrap(tx.Commit().Error, "commit")
}

// PromoteToAlerted upgrades status to alerted for the given ids. The update
// is monotonic: already-alerted rows are untouched and nothing ever moves
// back to processed.
func (s *TransactionStore) PromoteToAlerted(ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var total int64
	for _, part := range chunkStrings(ids, 5000) {
		res := s.db.Exec(
			"UPDATE transactions SET status = ? WHERE transaction_id IN (?) AND (status IS NULL OR status <> ?)",
			core.StatusAlerted, part, core.StatusAlerted)
		if res.Error != nil {
			return total, errors.Wrap(res.Error, "promote to alerted")
		}
		total += res.RowsAffected
	}
	return total, nil
}

// ExistingIDs returns which of the given transaction ids are already
// persisted, querying in chunks.
func (s *TransactionStore) ExistingIDs(ids []string, chunk int) (map[string]bool, error) {
	existing := make(map[string]bool, len(ids))
	if chunk <= 0 {
		chunk = 5000
	}
	for _, part := range chunkStrings(ids, chunk) {
		var found []string
		if err := s.db.Model(&Transaction{}).
			Where("transaction_id IN (?)", part).
			Pluck("transaction_id", &found).Error; err != nil {
			return nil, errors.Wrap(err, "existing ids")
		}
		for _, id := range found {
			existing[id] = true
		}
	}
	return existing, nil
}

func chunkStrings(in []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(in); start += size {
		end := start + size
		if end > len(in) {
			end = len(in)
		}
		out = append(out, in[start:end])
	}
	return out
}

// AggregateSenders returns windowed (count, total, max) per sender account.
func (s *TransactionStore) AggregateSenders(keys []string, since time.Time) (map[string]rules.GroupStats, error) {
	return s.aggregateSingle("sender_account", keys, since)
}

// AggregateReceivers returns windowed (count, total, max) per receiver
// account.
func (s *TransactionStore) AggregateReceivers(keys []string, since time.Time) (map[string]rules.GroupStats, error) {
	return s.aggregateSingle("receiver_account", keys, since)
}

func (s *TransactionStore) aggregateSingle(column string, keys []string, since time.Time) (map[string]rules.GroupStats, error) {
	out := map[string]rules.GroupStats{}
	if len(keys) == 0 {
		return out, nil
	}
	rows, err := s.db.Table("transactions").
		Select(column+" AS grp, COUNT(id) AS cnt, COALESCE(SUM(amount), 0) AS total, COALESCE(MAX(amount), 0) AS mx").
		Where(column+" IN (?) AND timestamp >= ?", keys, since).
		Group(column).Rows()
	if err != nil {
		return nil, errors.Wrapf(err, "aggregate %s", column)
	}
	defer rows.Close()
	for rows.Next() {
		var grp string
		var st rules.GroupStats
		if err := rows.Scan(&grp, &st.Count, &st.Total, &st.Max); err != nil {
			return nil, errors.Wrap(err, "scan aggregate")
		}
		out[grp] = st
	}
	return out, rows.Err()
}

// AggregatePairs returns windowed (count, total, max) per sender/receiver
// pair. The query over-selects the cross product of the batch's senders and
// receivers; results are keyed back by exact pair.
func (s *TransactionStore) AggregatePairs(pairs []rules.PairKey, since time.Time) (map[rules.PairKey]rules.GroupStats, error) {
	out := map[rules.PairKey]rules.GroupStats{}
	if len(pairs) == 0 {
		return out, nil
	}
	senderSet := map[string]bool{}
	receiverSet := map[string]bool{}
	var senders, receivers []string
	for _, p := range pairs {
		if !senderSet[p.Sender] {
			senderSet[p.Sender] = true
			senders = append(senders, p.Sender)
		}
		if !receiverSet[p.Receiver] {
			receiverSet[p.Receiver] = true
			receivers = append(receivers, p.Receiver)
		}
	}
	rows, err := s.db.Table("transactions").
		Select("sender_account, receiver_account, COUNT(id) AS cnt, COALESCE(SUM(amount), 0) AS total, COALESCE(MAX(amount), 0) AS mx").
		Where("timestamp >= ? AND sender_account IN (?) AND receiver_account IN (?)", since, senders, receivers).
		Group("sender_account, receiver_account").Rows()
	if err != nil {
		return nil, errors.Wrap(err, "aggregate pairs")
	}
	defer rows.Close()
	for rows.Next() {
		var key rules.PairKey
		var st rules.GroupStats
		if err := rows.Scan(&key.Sender, &key.Receiver, &st.Count, &st.Total, &st.Max); err != nil {
			return nil, errors.Wrap(err, "scan pair aggregate")
		}
		out[key] = st
	}
	return out, rows.Err()
}

// ListFilter narrows and orders the paginated transaction listing.
type ListFilter struct {
	Status   string
	Type     string
	Search   string // correlation_id substring
	Sort     string // date_asc | date_desc | amt_asc | amt_desc
	Page     int
	PageSize int
}

// List returns one page of transactions plus the unpaginated total.
func (s *TransactionStore) List(f ListFilter) ([]Transaction, int, error) {
	q := s.db.Model(&Transaction{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Type != "" {
		q = q.Where("transaction_type = ?", f.Type)
	}
	if f.Search != "" {
		q = q.Where("correlation_id LIKE ?", "%"+f.Search+"%")
	}
	var total int
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "count transactions")
	}
	switch f.Sort {
	case "date_asc":
		q = q.Order("timestamp ASC")
	case "date_desc":
		q = q.Order("timestamp DESC")
	case "amt_asc":
		q = q.Order("amount ASC")
	case "amt_desc":
		q = q.Order("amount DESC")
	default:
		q = q.Order("id DESC")
	}
	page, size := f.Page, f.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 50
	}
	var rows []Transaction
	if err := q.Offset((page - 1) * size).Limit(size).Find(&rows).Error; err != nil {
		return nil, 0, errors.Wrap(err, "list transactions")
	}
	return rows, total, nil
}

// GetByCorrelationID fetches one transaction by correlation id.
func (s *TransactionStore) GetByCorrelationID(cid string) (*Transaction, error) {
	var row Transaction
	err := s.db.Where("correlation_id = ?", cid).First(&row).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get by correlation id")
	}
	return &row, nil
}

// UpdateReviewFlags mutates the operator-owned review flags. Nil means
// leave unchanged.
func (s *TransactionStore) UpdateReviewFlags(cid string, isFraud, isReviewed *bool) (*Transaction, error) {
	row, err := s.GetByCorrelationID(cid)
	if err != nil {
		return nil, err
	}
	updates := map[string]interface{}{}
	if isFraud != nil {
		updates["is_fraud"] = *isFraud
		row.IsFraud = *isFraud
	}
	if isReviewed != nil {
		updates["is_reviewed"] = *isReviewed
		row.IsReviewed = *isReviewed
	}
	if len(updates) == 0 {
		return row, nil
	}
	if err := s.db.Model(&Transaction{}).Where("correlation_id = ?", cid).Updates(updates).Error; err != nil {
		return nil, errors.Wrap(err, "update review flags")
	}
	return row, nil
}

// ExportFilter narrows the CSV export.
type ExportFilter struct {
	StartDate *time.Time
	EndDate   *time.Time // exclusive
	Type      string
	Status    string
}

// ExportRows streams every matching transaction for CSV export.
func (s *TransactionStore) ExportRows(f ExportFilter, fn func(*Transaction) error) error {
	q := s.db.Model(&Transaction{})
	if f.StartDate != nil {
		q = q.Where("timestamp >= ?", *f.StartDate)
	}
	if f.EndDate != nil {
		q = q.Where("timestamp < ?", *f.EndDate)
	}
	if f.Type != "" {
		q = q.Where("transaction_type = ?", f.Type)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	rows, err := q.Order("id ASC").Rows()
	if err != nil {
		return errors.Wrap(err, "export rows")
	}
	defer rows.Close()
	for rows.Next() {
		var row Transaction
		if err := s.db.ScanRows(rows, &row); err != nil {
			return errors.Wrap(err, "scan export row")
		}
		if err := fn(&row); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Stats is the headline analytics summary.
type Stats struct {
	TotalTransactions     int     `json:"total_transactions"`
	ProcessedTransactions int     `json:"processed_transactions"`
	FraudTransactions     int     `json:"fraud_transactions"`
	ReviewedTransactions  int     `json:"reviewed_transactions"`
	FraudRate             float64 `json:"fraud_rate"`
}

func (s *TransactionStore) Stats() (*Stats, error) {
	var out Stats
	if err := s.db.Model(&Transaction{}).Count(&out.TotalTransactions).Error; err != nil {
		return nil, errors.Wrap(err, "stats total")
	}
	if err := s.db.Model(&Transaction{}).Where("status = ?", core.StatusAlerted).Count(&out.FraudTransactions).Error; err != nil {
		return nil, errors.Wrap(err, "stats alerted")
	}
	if err := s.db.Model(&Transaction{}).Where("status = ?", core.StatusProcessed).Count(&out.ProcessedTransactions).Error; err != nil {
		return nil, errors.Wrap(err, "stats processed")
	}
	if err := s.db.Model(&Transaction{}).Where("is_reviewed = ?", true).Count(&out.ReviewedTransactions).Error; err != nil {
		return nil, errors.Wrap(err, "stats reviewed")
	}
	if out.TotalTransactions > 0 {
		rate := float64(out.FraudTransactions) / float64(out.TotalTransactions) * 100
		out.FraudRate = float64(int(rate*10+0.5)) / 10
	}
	return &out, nil
}

// CountsBy aggregates row counts by one column, largest first, excluding
// empty values. Limit <= 0 means no limit.
func (s *TransactionStore) CountsBy(column string, limit int) (map[string]int, error) {
	q := s.db.Table("transactions").
		Select(column + " AS k, COUNT(id) AS cnt").
		Where(column + " IS NOT NULL AND " + column + " <> ''").
		Group(column).Order("cnt DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	rows, err := q.Rows()
	if err != nil {
		return nil, errors.Wrapf(err, "counts by %s", column)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var k string
		var cnt int
		if err := rows.Scan(&k, &cnt); err != nil {
			return nil, errors.Wrap(err, "scan count")
		}
		out[k] = cnt
	}
	return out, rows.Err()
}

// StatusDistribution is the per-status / per-review breakdown.
func (s *TransactionStore) StatusDistribution() (map[string]int, error) {
	out := map[string]int{}
	counts := []struct {
		key   string
		where string
		arg   interface{}
	}{
		{"alerted", "status = ?", core.StatusAlerted},
		{"processed", "status = ?", core.StatusProcessed},
		{"reviewed", "is_reviewed = ?", true},
		{"not_reviewed", "is_reviewed = ?", false},
	}
	for _, c := range counts {
		var n int
		if err := s.db.Model(&Transaction{}).Where(c.where, c.arg).Count(&n).Error; err != nil {
			return nil, errors.Wrapf(err, "status distribution %s", c.key)
		}
		out[c.key] = n
	}
	return out, nil
}

// DetailedStats is the extended analytics payload.
type DetailedStats struct {
	AmountStats struct {
		AvgAmount   float64 `json:"avg_amount"`
		MaxAmount   float64 `json:"max_amount"`
		MinAmount   float64 `json:"min_amount"`
		TotalAmount float64 `json:"total_amount"`
	} `json:"amount_stats"`
	ReviewStats struct {
		TotalReviewed int `json:"total_reviewed"`
		PendingReview int `json:"pending_review"`
		SuccessCount  int `json:"success_count"`
		FraudCount    int `json:"fraud_count"`
	} `json:"review_stats"`
	TopDevices map[string]int `json:"top_devices"`
}

func (s *TransactionStore) DetailedStats() (*DetailedStats, error) {
	var out DetailedStats
	row := s.db.Table("transactions").
		Select("COALESCE(AVG(amount), 0), COALESCE(MAX(amount), 0), COALESCE(MIN(amount), 0), COALESCE(SUM(amount), 0)").
		Row()
	if err := row.Scan(&out.AmountStats.AvgAmount, &out.AmountStats.MaxAmount,
		&out.AmountStats.MinAmount, &out.AmountStats.TotalAmount); err != nil {
		return nil, errors.Wrap(err, "amount stats")
	}
	dist, err := s.StatusDistribution()
	if err != nil {
		return nil, err
	}
	out.ReviewStats.TotalReviewed = dist["reviewed"]
	out.ReviewStats.PendingReview = dist["not_reviewed"]
	out.ReviewStats.SuccessCount = dist["processed"]
	out.ReviewStats.FraudCount = dist["alerted"]
	devices, err := s.CountsBy("device_used", 5)
	if err != nil {
		return nil, err
	}
	out.TopDevices = devices
	return &out, nil
}

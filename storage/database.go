package storage

import (
	"time"

	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/mysql"
	"github.com/pkg/errors"

	"github.com/txguard/txguard/params"
)

const maxConnAge = 60 * time.Second

// Open connects to MySQL with the pipeline's pooling policy.
func Open(cfg *params.Config) (*gorm.DB, error) {
	db, err := gorm.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	db.LogMode(false)
	db.DB().SetConnMaxLifetime(maxConnAge)
	db.DB().SetMaxOpenConns(16)
	db.DB().SetMaxIdleConns(8)
	return db, nil
}

// Migrate creates or updates the pipeline tables and the secondary indexes
// used by windowed aggregation and the review surface.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&Transaction{},
		&ThresholdRule{},
		&CompositeRule{},
		&PatternRule{},
		&MLRule{},
	).Error; err != nil {
		return errors.Wrap(err, "auto migrate")
	}
	type namedIndex struct {
		name    string
		columns []string
	}
	for _, idx := range []namedIndex{
		{"idx_tx_status_reviewed", []string{"status", "is_reviewed"}},
		{"idx_tx_sender_receiver", []string{"sender_account", "receiver_account"}},
		{"idx_tx_correlation_ts", []string{"correlation_id", "timestamp"}},
		{"idx_tx_sender_ts", []string{"sender_account", "timestamp"}},
		{"idx_tx_receiver_ts", []string{"receiver_account", "timestamp"}},
	} {
		if err := db.Model(&Transaction{}).AddIndex(idx.name, idx.columns...).Error; err != nil {
			return errors.Wrapf(err, "index %s", idx.name)
		}
	}
	return nil
}

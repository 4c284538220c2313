package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"crossloan/loan"
)

// dispatchRecord is the relational row for an Entry.
type dispatchRecord struct {
	Account   string `gorm:"primaryKey;size:42"`
	Counter   uint64 `gorm:"primaryKey;autoIncrement:false"`
	State     string `gorm:"size:16;not null;index"`
	Digest    string `gorm:"size:66"`
	MessageID string `gorm:"size:66"`
	TxHash    string `gorm:"size:66"`
	Expiry    time.Time
	UpdatedAt time.Time
}

func (dispatchRecord) TableName() string { return "dispatch_journal" }

// SQL stores entries through gorm in SQLite or Postgres.
type SQL struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) a SQLite journal at dsn.
func OpenSQLite(dsn string) (*SQL, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("journal: sqlite dsn required")
	}
	db, err := gorm.Open(sqlite.Open(trimmed), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("journal: open sqlite: %w", err)
	}
	return NewSQL(db)
}

// OpenPostgres connects to the Postgres database at dsn.
func OpenPostgres(dsn string) (*SQL, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("journal: postgres dsn required")
	}
	db, err := gorm.Open(postgres.Open(trimmed), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("journal: open postgres: %w", err)
	}
	return NewSQL(db)
}

// NewSQL migrates the journal table on db.
func NewSQL(db *gorm.DB) (*SQL, error) {
	if db == nil {
		return nil, errors.New("journal: database required")
	}
	if err := db.AutoMigrate(&dispatchRecord{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &SQL{db: db}, nil
}

func (s *SQL) Put(ctx context.Context, entry Entry) error {
	if err := entry.validate(); err != nil {
		return err
	}
	record := toRecord(entry)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account"}, {Name: "counter"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "digest", "message_id", "tx_hash", "expiry", "updated_at"}),
	}).Create(&record).Error
}

func (s *SQL) Delete(ctx context.Context, key loan.DispatchKey) error {
	return s.db.WithContext(ctx).
		Where("account = ? AND counter = ?", key.Account.Hex(), key.Counter).
		Delete(&dispatchRecord{}).Error
}

func (s *SQL) Load(ctx context.Context) ([]Entry, error) {
	var records []dispatchRecord
	if err := s.db.WithContext(ctx).Order("account, counter").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("journal: load: %w", err)
	}
	out := make([]Entry, 0, len(records))
	for _, record := range records {
		out = append(out, fromRecord(record))
	}
	sortEntries(out)
	return out, nil
}

// Close releases the underlying connection pool.
func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRecord(entry Entry) dispatchRecord {
	updated := entry.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return dispatchRecord{
		Account:   entry.Key.Account.Hex(),
		Counter:   entry.Key.Counter,
		State:     string(entry.State),
		Digest:    entry.Digest.Hex(),
		MessageID: entry.MessageID.Hex(),
		TxHash:    entry.TxHash.Hex(),
		Expiry:    entry.Expiry.UTC(),
		UpdatedAt: updated.UTC(),
	}
}

func fromRecord(record dispatchRecord) Entry {
	return Entry{
		Key: loan.DispatchKey{
			Account: common.HexToAddress(record.Account),
			Counter: record.Counter,
		},
		State:     State(record.State),
		Digest:    common.HexToHash(record.Digest),
		MessageID: common.HexToHash(record.MessageID),
		TxHash:    common.HexToHash(record.TxHash),
		Expiry:    record.Expiry.UTC(),
		UpdatedAt: record.UpdatedAt.UTC(),
	}
}

// Package store persists chat accounts and validates credentials.
//
// The users file named in the configuration is a SQLite database managed
// through GORM. Every mutating call writes through to disk before
// returning, so a subsequent Load always observes the mutation.
package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound indicates the named account does not exist
	ErrNotFound = errors.New("account not found")

	// ErrAuthFailed indicates the supplied credentials were rejected
	ErrAuthFailed = errors.New("authentication failed")
)

// Account is a durable identity record. Nick is the folded lookup key;
// Name preserves the case the user registered with.
type Account struct {
	Nick         string `gorm:"primaryKey"`
	Name         string
	PasswordHash string
	IsOperator   bool
}

// Fold normalizes a nickname for uniqueness comparisons. Nicknames are
// case-insensitive and case-preserving.
func Fold(nick string) string {
	return strings.ToLower(nick)
}

// AccountStore is the durable map from nickname to account. All calls
// are serialized under a single mutex (single-writer discipline).
type AccountStore struct {
	mu sync.Mutex
	db *gorm.DB
}

// Open opens or creates the users database at path. A file that cannot
// be opened or migrated is an unrecoverable startup error for callers.
func Open(path string) (*AccountStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open users file %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Account{}); err != nil {
		return nil, fmt.Errorf("failed to migrate users file %s: %w", path, err)
	}
	return &AccountStore{db: db}, nil
}

// Get returns the account for nick, or ErrNotFound
func (s *AccountStore) Get(nick string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var acct Account
	err := s.db.First(&acct, "nick = ?", Fold(nick)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("failed to read account %s: %w", nick, err)
	}
	return acct, nil
}

// Upsert inserts or replaces the account record
func (s *AccountStore) Upsert(acct Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct.Nick = Fold(acct.Nick)
	err := s.db.Clauses(clause.OnConflict{
		UpdateAll: true,
	}).Create(&acct).Error
	if err != nil {
		return fmt.Errorf("failed to save account %s: %w", acct.Nick, err)
	}
	return nil
}

// Load returns every persisted account
func (s *AccountStore) Load() ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var accounts []Account
	if err := s.db.Order("nick").Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	return accounts, nil
}

// Count returns the number of persisted accounts
func (s *AccountStore) Count() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	if err := s.db.Model(&Account{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count accounts: %w", err)
	}
	return n, nil
}

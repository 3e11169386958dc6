package settings

import (
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	keyFirstCrash  = "first_crash"
	keyCohortToken = "cohort_token"
)

type setting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

// Sqlite is a Store backed by a sqlite database.
type Sqlite struct {
	URL string

	db *gorm.DB
}

// NewSqlite creates a new Sqlite settings store.
func NewSqlite(path string) (*Sqlite, error) {
	if path == "" {
		return nil, fmt.Errorf("'path' is required")
	}
	return &Sqlite{URL: path}, nil
}

// Connect opens the database and migrates the schema.
func (s *Sqlite) Connect() (err error) {
	s.db, err = gorm.Open(sqlite.Open(s.URL), &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect sqlite database: %w", err)
	}
	return s.db.AutoMigrate(&setting{})
}

func (s *Sqlite) get(key string) (string, bool, error) {
	var row setting
	if err := s.db.First(&row, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return row.Value, true, nil
}

func (s *Sqlite) set(key, value string) error {
	return s.db.Save(&setting{Key: key, Value: value}).Error
}

func (s *Sqlite) FirstCrash() (bool, error) {
	v, ok, err := s.get(keyFirstCrash)
	if err != nil {
		return false, err
	}
	// Absent means the installation has never processed a crash session.
	return !ok || v == "true", nil
}

func (s *Sqlite) ClearFirstCrash() error {
	return s.set(keyFirstCrash, "false")
}

func (s *Sqlite) CohortToken() (string, error) {
	v, _, err := s.get(keyCohortToken)
	return v, err
}

func (s *Sqlite) SetCohortToken(token string) error {
	return s.set(keyCohortToken, token)
}

func (s *Sqlite) ClearCohortToken() error {
	return s.db.Delete(&setting{}, "key = ?", keyCohortToken).Error
}

func (s *Sqlite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

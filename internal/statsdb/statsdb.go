// Package statsdb persists periodic rconn status snapshots to a local
// SQLite file, the way this codebase's other daemons reach for
// glebarez/sqlite plus gorm for lightweight embedded persistence rather
// than hand-rolling SQL.
package statsdb

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Snapshot is one point-in-time recording of an rconn's status fields, the
// subset exposed by internal/rconn's getters that's worth trending over
// time.
type Snapshot struct {
	ID                     uint `gorm:"primarykey"`
	RecordedAt             time.Time
	Name                   string `gorm:"index"`
	State                  string
	Backoff                int64
	PacketsSent            uint64
	PacketsReceived        uint64
	AttemptedConnections   uint64
	SuccessfulConnections  uint64
	TotalTimeConnectedSecs int64
	ConnectionSeqno        uint32
	Admitted               bool
	ConnectivityQuestioned bool
}

// Store wraps the underlying database handle.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if necessary) a SQLite database at path and
// migrates the snapshot schema into it.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("statsdb: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Snapshot{}); err != nil {
		return nil, fmt.Errorf("statsdb: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Record inserts one snapshot row.
func (s *Store) Record(ctx context.Context, snap Snapshot) error {
	return s.db.WithContext(ctx).Create(&snap).Error
}

// Recent returns up to limit snapshots for name, most recent first.
func (s *Store) Recent(ctx context.Context, name string, limit int) ([]Snapshot, error) {
	var out []Snapshot
	err := s.db.WithContext(ctx).
		Where("name = ?", name).
		Order("recorded_at desc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

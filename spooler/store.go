package spooler

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenDB opens (creating if needed) the SQLite database at path and
// migrates the schema. The pool is limited to one connection: SQLite
// serialises writers anyway and a single connection keeps BeginIngest
// claims atomic across goroutines.
func OpenDB(path string, busyTimeout time.Duration) (*gorm.DB, error) {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	dsn := path + "?" + q.Encode()

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&FileManifestEntry{}, &IngestAttempt{}, &EventOccurrence{}, &Alert{}, &Annotation{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	// gorm tags cannot express partial indexes.
	err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS uniq_manifest_live_digest
		ON file_manifest(digest) WHERE status <> 'deleted'`).Error
	if err != nil {
		return fmt.Errorf("migrate: manifest digest index: %w", err)
	}
	return nil
}

// CloseDB closes the underlying connection pool.
func CloseDB(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks that the database answers.
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// StorageBytes reports the bytes held by live database pages. Pages on
// the freelist are excluded so the figure drops as soon as rows are
// deleted, without waiting for a vacuum.
func StorageBytes(ctx context.Context, db *gorm.DB) (int64, error) {
	var pageCount, freePages, pageSize int64
	if err := db.WithContext(ctx).Raw("PRAGMA page_count").Scan(&pageCount).Error; err != nil {
		return 0, fmt.Errorf("page_count: %w", err)
	}
	if err := db.WithContext(ctx).Raw("PRAGMA freelist_count").Scan(&freePages).Error; err != nil {
		return 0, fmt.Errorf("freelist_count: %w", err)
	}
	if err := db.WithContext(ctx).Raw("PRAGMA page_size").Scan(&pageSize).Error; err != nil {
		return 0, fmt.Errorf("page_size: %w", err)
	}
	return (pageCount - freePages) * pageSize, nil
}

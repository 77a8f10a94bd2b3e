package recon

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Run outcome labels persisted with every sweep record.
const (
	OutcomeClean     = "clean"
	OutcomeAnomalies = "anomalies"
	OutcomeError     = "error"
)

// RunRecord persists the metadata of one reconciliation sweep.
type RunRecord struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	StartedAt       time.Time `gorm:"index"`
	FinishedAt      time.Time
	SubLoansChecked int64
	AnomalyCount    int64
	Outcome         string `gorm:"size:16;index"`
	DryRun          bool
	SnapshotPath    string `gorm:"size:255"`
	ReportPath      string `gorm:"size:255"`
	Error           string `gorm:"type:text"`
}

// AnomalyRecord persists one invariant violation for operator review.
type AnomalyRecord struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunID     uuid.UUID `gorm:"type:uuid;index"`
	SubLoanID uint64    `gorm:"index"`
	Check     string    `gorm:"size:32;index"`
	Details   string    `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&RunRecord{}, &AnomalyRecord{})
}

// OpenDatabase dials the run-metadata store. The embedded sqlite driver is
// the default; a postgres DSN switches to a shared operational database.
func OpenDatabase(driver, dsn string) (*gorm.DB, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		return gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	case "postgres":
		return gorm.Open(postgres.Open(dsn), &gorm.Config{})
	default:
		return nil, fmt.Errorf("recon: unsupported database driver %q", driver)
	}
}

package database

import (
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationSeedTrialTicket = "2026-03-01_seed_trial_ticket"

	// TrialTicketCode is the exclusive ticket available on a fresh install.
	TrialTicketCode = "TRIAL-JKT48"

	ticketsNodePath       = "tickets"
	publicTicketsNodePath = "publicTickets"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationSeedTrialTicket, apply: seedTrialTicket},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// seedTrialTicket installs the trial ticket when no ticket pool exists yet.
func seedTrialTicket(db *gorm.DB) error {
	var existing int64
	if err := db.Model(&StoreNode{}).
		Where("path IN ?", []string{ticketsNodePath, publicTicketsNodePath}).
		Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}
	encoded, err := json.Marshal([]string{TrialTicketCode})
	if err != nil {
		return err
	}
	return db.Create(&StoreNode{
		Path:            ticketsNodePath,
		ValueJSON:       string(encoded),
		UpdatedAtMillis: time.Now().UTC().UnixMilli(),
	}).Error
}

package db

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lokalhq/lokal/internal/catalog"
	"github.com/lokalhq/lokal/internal/models"
)

// AllModels returns every GORM model managed by migrations.
func AllModels() []interface{} {
	return []interface{}{
		&models.Job{},
		&models.JobStatusEvent{},
		&models.PipelineResultRecord{},
		&models.Product{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedCatalog upserts products by id and returns the number written.
func SeedCatalog(db *gorm.DB, products []catalog.Product) (int, error) {
	for _, p := range products {
		row, err := catalog.ToModel(p)
		if err != nil {
			return 0, fmt.Errorf("db: seed product %q: %w", p.ID, err)
		}
		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "description", "category", "brand", "price", "rating", "url", "keywords"}),
		}).Create(&row)
		if result.Error != nil {
			return 0, fmt.Errorf("db: seed product %q: %w", p.ID, result.Error)
		}
	}
	return len(products), nil
}

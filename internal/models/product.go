package models

import "gorm.io/datatypes"

// Product is a catalog entry, loaded by the seed-catalog command and read by
// the matcher.
type Product struct {
	ID          string  `gorm:"primaryKey;size:64"`
	Title       string  `gorm:"not null"`
	Description string  `gorm:"type:text"`
	Category    string  `gorm:"size:64;index"`
	Brand       string  `gorm:"size:128;index"`
	Price       float64
	Rating      float64
	URL         string  `gorm:"type:text"`
	Keywords    datatypes.JSON
}

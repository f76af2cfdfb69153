package domain

import (
	"time"
)

// Instrument represents a tradable symbol in the catalog
type Instrument struct {
	Symbol    string    `gorm:"primaryKey" json:"symbol"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active" gorm:"index"` // Accepting orders
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

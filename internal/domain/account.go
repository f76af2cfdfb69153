package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is the trading account of a single owner (1:1).
// Balance is non-negative by policy; the store does not enforce it.
type Account struct {
	ID         string          `gorm:"primaryKey;size:36" json:"id"`
	OwnerID    string          `gorm:"uniqueIndex;not null" json:"owner_id"`
	Balance    decimal.Decimal `gorm:"type:decimal(36,18)" json:"balance"`
	Currency   string          `gorm:"size:8" json:"currency"`
	IsVerified bool            `json:"is_verified"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// HasFunds reports whether the balance is strictly positive.
func (a *Account) HasFunds() bool {
	return a.Balance.IsPositive()
}

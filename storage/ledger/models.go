package ledger

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Currency is a token symbol registered for settlement.
type Currency struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Symbol    string    `gorm:"size:16;uniqueIndex"`
	Name      string    `gorm:"size:64;uniqueIndex"`
	CreatedAt time.Time
}

// User links an internal user id to its single on-chain wallet.
type User struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Email         string    `gorm:"size:255;index"`
	WalletAddress string    `gorm:"size:42;uniqueIndex"`
	WalletLocked  bool      `gorm:"not null;default:false"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Balance is the cached on-chain balance of one token for one user. It is
// derived data and is always overwritten from a fresh chain read.
type Balance struct {
	UserID    uuid.UUID `gorm:"type:uuid;primaryKey"`
	Symbol    string    `gorm:"size:16;primaryKey"`
	Amount    string    `gorm:"size:80;not null"`
	UpdatedAt time.Time
}

// Transaction is the append-only record of a settled on-chain operation.
// Amounts are base-unit integers rendered in decimal.
type Transaction struct {
	ID                 uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Kind               string     `gorm:"size:16;index"`
	SpentAmount        string     `gorm:"size:80;not null"`
	SpentCurrencyID    uuid.UUID  `gorm:"type:uuid;index"`
	ReceivedAmount     *string    `gorm:"size:80"`
	ReceivedCurrencyID *uuid.UUID `gorm:"type:uuid"`
	TxHash             string     `gorm:"size:66;index"`
	SenderID           uuid.UUID  `gorm:"type:uuid;index"`
	ReceiverID         *uuid.UUID `gorm:"type:uuid;index"`
	Direction          *string    `gorm:"size:8"`
	IntentID           *string    `gorm:"size:128;uniqueIndex"`
	Reversal           bool
	CreatedAt          time.Time `gorm:"index"`
}

// PriceSample is one spot price observation in stable base units.
type PriceSample struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Symbol    string    `gorm:"size:16;index:idx_price_symbol_time,priority:1"`
	Price     string    `gorm:"size:80;not null"`
	CreatedAt time.Time `gorm:"index:idx_price_symbol_time,priority:2"`
}

// UnreconciledSettlement journals a settlement whose ledger side could not be
// completed, or whose reversal failed.
type UnreconciledSettlement struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Operation  string    `gorm:"size:32;index"`
	Class      string    `gorm:"size:32"`
	Stage      string    `gorm:"size:32"`
	Code       string    `gorm:"size:64"`
	Token      string    `gorm:"size:16"`
	Amount     string    `gorm:"size:80"`
	TxHash     string    `gorm:"size:66;index"`
	FundsAt    string    `gorm:"size:42"`
	IntentID   string    `gorm:"size:128;index"`
	Detail     string    `gorm:"type:text"`
	Resolved   bool      `gorm:"not null;default:false;index"`
	ResolvedAt *time.Time
	CreatedAt  time.Time
}

// AutoMigrate performs all schema migrations for the ledger.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Currency{},
		&User{},
		&Balance{},
		&Transaction{},
		&PriceSample{},
		&UnreconciledSettlement{},
	)
}

package migrations

import (
	"time"

	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// paymentIntent is frozen at the shape this migration creates; later model changes
// need their own migration.
type paymentIntent struct {
	ID                uuid.UUID  `gorm:"type:uuid;primary_key"`
	UserID            *uuid.UUID `gorm:"type:uuid;index"`
	CheckoutRequestID *string    `gorm:"type:varchar(100);uniqueIndex"`
	MerchantRequestID string     `gorm:"type:varchar(100)"`
	PhoneNumber       string     `gorm:"type:varchar(20);not null"`
	Amount            int64      `gorm:"not null"`
	Currency          string     `gorm:"type:varchar(3);not null;default:'KES'"`
	Status            string     `gorm:"type:varchar(20);not null;default:'pending';index"`
	AccountReference  string     `gorm:"type:varchar(100)"`
	Description       string     `gorm:"type:text"`
	ReceiptNumber     string     `gorm:"type:varchar(50)"`
	TransactionDate   *time.Time
	ResultCode        *int
	ResultDesc        string `gorm:"type:text"`
	ProviderResponse  string `gorm:"type:jsonb"`
	CallbackPayload   string `gorm:"type:jsonb"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

func (paymentIntent) TableName() string { return "payment_intents" }

func createPaymentIntentsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_payment_intents",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&paymentIntent{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable("payment_intents")
		},
	}
}

package migrations

import (
	"time"

	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type paymentEvent struct {
	ID                uuid.UUID  `gorm:"type:uuid;primary_key"`
	IntentID          *uuid.UUID `gorm:"type:uuid;index"`
	CheckoutRequestID string     `gorm:"type:varchar(100);index"`
	Event             string     `gorm:"type:varchar(40);not null;index"`
	Detail            string     `gorm:"type:jsonb"`
	CreatedAt         time.Time  `gorm:"index"`
}

func (paymentEvent) TableName() string { return "payment_events" }

func createPaymentEventsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_payment_events",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&paymentEvent{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable("payment_events")
		},
	}
}

package database

import (
	"gorm.io/gorm"

	"tutorbook/internal/domain/lesson"
	"tutorbook/internal/domain/payment"
)

func Migrate(db *gorm.DB) error {
	if err := lesson.Migrate(db); err != nil {
		return err
	}
	return payment.Migrate(db)
}

package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WebhookEvent records a gateway event that was fully processed.
type WebhookEvent struct {
	ID              string    `gorm:"type:varchar(255);primaryKey" json:"id"`
	Type            string    `gorm:"type:varchar(100);not null;index" json:"type"`
	LessonID        string    `gorm:"type:varchar(36);index" json:"lesson_id,omitempty"`
	PaymentIntentID string    `gorm:"type:varchar(255)" json:"payment_intent_id,omitempty"`
	Outcome         Outcome   `gorm:"type:varchar(50);not null" json:"outcome"`
	ProcessedAt     time.Time `gorm:"not null" json:"processed_at"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&WebhookEvent{}); err != nil {
		return fmt.Errorf("migrate webhook_events: %w", err)
	}
	return nil
}

type EventLedger interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Record(ctx context.Context, e *WebhookEvent) error
}

type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) Seen(ctx context.Context, eventID string) (bool, error) {
	var ev WebhookEvent
	err := l.db.WithContext(ctx).Select("id").Where("id = ?", eventID).Take(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Record is a no-op for an id that is already there.
func (l *Ledger) Record(ctx context.Context, e *WebhookEvent) error {
	return l.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(e).Error
}

// ForLesson lists processed events for a lesson, newest first.
func (l *Ledger) ForLesson(ctx context.Context, lessonID string) ([]WebhookEvent, error) {
	var out []WebhookEvent
	err := l.db.WithContext(ctx).
		Where("lesson_id = ?", lessonID).
		Order("processed_at desc").
		Find(&out).Error
	return out, err
}

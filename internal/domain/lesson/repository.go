package lesson

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// activeSlotIndex keeps one non-terminal lesson per tutor start instant.
// Partial indexes are supported by both PostgreSQL and SQLite.
const activeSlotIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_lessons_active_slot
ON lessons (tutor_id, date)
WHERE status IN ('pending_payment', 'scheduled', 'rescheduled')`

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Lesson{}); err != nil {
		return fmt.Errorf("migrate lessons: %w", err)
	}
	if err := db.Exec(activeSlotIndex).Error; err != nil {
		return fmt.Errorf("create slot index: %w", err)
	}
	return nil
}

// PaymentConfirmation is what a successful authorization records on a lesson.
type PaymentConfirmation struct {
	PaymentIntentID string
	PaymentID       string
	Amount          int64
	PaidAt          time.Time
}

// Repository is the reservation store. Every state-changing method is a
// conditional write: it only applies when the row is still in the expected
// prior state and reports whether it did.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// CreatePending inserts l in pending_payment after checking, inside the same
// transaction, that no active lesson of the tutor overlaps it. The partial
// unique index catches a concurrent insert for the same start instant.
func (r *Repository) CreatePending(ctx context.Context, l *Lesson) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	l.Date = NormalizeTime(l.Date)
	l.Status = StatusPendingPayment
	l.EndsAt = l.End()
	l.Version = 1

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		taken, err := overlaps(tx, l.TutorID, l.Date, l.EndsAt, "")
		if err != nil {
			return err
		}
		if taken {
			return ErrSlotTaken
		}
		return tx.Create(l).Error
	})
	if err != nil && isUniqueViolation(err) {
		return ErrSlotTaken
	}
	return err
}

func (r *Repository) GetByID(ctx context.Context, id string) (*Lesson, error) {
	var l Lesson
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&l).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &l, nil
}

func (r *Repository) ListForUser(ctx context.Context, userID string, limit int) ([]Lesson, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var out []Lesson
	err := r.db.WithContext(ctx).
		Where("tutor_id = ? OR student_id = ?", userID, userID).
		Order("date desc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// AttachPaymentIntent stores the authorization handle on a pending lesson
// that has none yet.
func (r *Repository) AttachPaymentIntent(ctx context.Context, id, intentID string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Lesson{}).
		Where("id = ? AND status = ? AND (payment_intent_id = '' OR payment_intent_id IS NULL)", id, StatusPendingPayment).
		Updates(map[string]interface{}{
			"payment_intent_id": intentID,
			"version":           gorm.Expr("version + 1"),
		})
	return res.RowsAffected == 1, res.Error
}

// ConfirmPayment moves a pending_payment lesson to scheduled. A hold
// smaller than the lesson price never confirms.
func (r *Repository) ConfirmPayment(ctx context.Context, id string, c PaymentConfirmation) (bool, error) {
	paidAt := c.PaidAt.UTC()
	res := r.db.WithContext(ctx).Model(&Lesson{}).
		Where("id = ? AND status = ? AND price <= ?", id, StatusPendingPayment, c.Amount).
		Updates(map[string]interface{}{
			"status":            StatusScheduled,
			"payment_status":    PaymentPaid,
			"payment_intent_id": c.PaymentIntentID,
			"payment_id":        c.PaymentID,
			"payment_amount":    c.Amount,
			"payment_date":      paidAt,
			"version":           gorm.Expr("version + 1"),
		})
	return res.RowsAffected == 1, res.Error
}

// DeleteIfPending frees the slot of a lesson whose payment never landed.
func (r *Repository) DeleteIfPending(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, StatusPendingPayment).
		Delete(&Lesson{})
	return res.RowsAffected == 1, res.Error
}

// MarkPaymentFailed records a failed payment of the lesson's own hold
// without touching the scheduling status. A charged lesson is left alone.
func (r *Repository) MarkPaymentFailed(ctx context.Context, id, intentID, message string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Lesson{}).
		Where("id = ? AND payment_intent_id = ? AND payment_status <> ?", id, intentID, PaymentCharged).
		Updates(map[string]interface{}{
			"payment_status":          PaymentFailed,
			"payment_failure_message": message,
			"version":                 gorm.Expr("version + 1"),
		})
	return res.RowsAffected == 1, res.Error
}

// MarkCharged records a capture on a completed lesson holding intentID.
func (r *Repository) MarkCharged(ctx context.Context, id, intentID, capturedBy string, capturedAt time.Time) (bool, error) {
	at := capturedAt.UTC()
	res := r.db.WithContext(ctx).Model(&Lesson{}).
		Where("id = ? AND status = ? AND payment_intent_id = ? AND payment_status <> ?",
			id, StatusCompleted, intentID, PaymentCharged).
		Updates(map[string]interface{}{
			"payment_status":      PaymentCharged,
			"payment_captured_at": at,
			"captured_by":         capturedBy,
			"version":             gorm.Expr("version + 1"),
		})
	return res.RowsAffected == 1, res.Error
}

// MarkRefunded records a released hold on a cancelled lesson.
func (r *Repository) MarkRefunded(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Lesson{}).
		Where("id = ? AND status = ? AND payment_status <> ?", id, StatusCancelled, PaymentCharged).
		Updates(map[string]interface{}{
			"payment_status": PaymentRefunded,
			"version":        gorm.Expr("version + 1"),
		})
	return res.RowsAffected == 1, res.Error
}

// Update applies updates only if the row still carries version.
func (r *Repository) Update(ctx context.Context, id string, version int64, updates map[string]interface{}) error {
	return r.update(r.db.WithContext(ctx), id, version, updates)
}

// Reschedule moves the lesson to newStart, re-checking the tutor's
// availability in the same transaction as the versioned write.
func (r *Repository) Reschedule(ctx context.Context, l *Lesson, newStart time.Time, updates map[string]interface{}) error {
	newStart = NormalizeTime(newStart)
	newEnd := newStart.Add(time.Duration(l.Duration) * time.Minute)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		taken, err := overlaps(tx, l.TutorID, newStart, newEnd, l.ID)
		if err != nil {
			return err
		}
		if taken {
			return ErrSlotTaken
		}
		updates["date"] = newStart
		updates["ends_at"] = newEnd
		return r.update(tx, l.ID, l.Version, updates)
	})
	if err != nil && isUniqueViolation(err) {
		return ErrSlotTaken
	}
	return err
}

func (r *Repository) update(db *gorm.DB, id string, version int64, updates map[string]interface{}) error {
	updates["version"] = gorm.Expr("version + 1")
	res := db.Model(&Lesson{}).Where("id = ? AND version = ?", id, version).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var n int64
	if err := db.Model(&Lesson{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrConcurrentUpdate
}

func overlaps(tx *gorm.DB, tutorID string, start, end time.Time, excludeID string) (bool, error) {
	statuses := make([]string, 0, len(ActiveStatuses))
	for _, s := range ActiveStatuses {
		statuses = append(statuses, string(s))
	}

	q := tx.Model(&Lesson{}).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tutor_id = ? AND status IN ?", tutorID, statuses).
		Where("date < ? AND ends_at > ?", end, start)
	if excludeID != "" {
		q = q.Where("id <> ?", excludeID)
	}

	var existing Lesson
	err := q.Take(&existing).Error
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return false, err
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

package lesson

import (
	"context"
	"time"
)

// Store is the reservation store. Repository is the gorm implementation.
type Store interface {
	CreatePending(ctx context.Context, l *Lesson) error
	GetByID(ctx context.Context, id string) (*Lesson, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]Lesson, error)
	AttachPaymentIntent(ctx context.Context, id, intentID string) (bool, error)
	ConfirmPayment(ctx context.Context, id string, c PaymentConfirmation) (bool, error)
	DeleteIfPending(ctx context.Context, id string) (bool, error)
	MarkPaymentFailed(ctx context.Context, id, intentID, message string) (bool, error)
	MarkCharged(ctx context.Context, id, intentID, capturedBy string, capturedAt time.Time) (bool, error)
	MarkRefunded(ctx context.Context, id string) (bool, error)
	Update(ctx context.Context, id string, version int64, updates map[string]interface{}) error
	Reschedule(ctx context.Context, l *Lesson, newStart time.Time, updates map[string]interface{}) error
}

// SlotLocker serialises slot-changing writes for one tutor.
type SlotLocker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// HoldReleaser gives an authorization hold back to the payer.
type HoldReleaser interface {
	Refund(ctx context.Context, paymentIntentID string) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

func TutorLockKey(tutorID string) string {
	return "tutor:" + tutorID
}

// Actor is the authenticated caller.
type Actor struct {
	UserID string
	Role   string
}

func (a Actor) IsAdmin() bool { return a.Role == "admin" }

package payment

import (
	"context"
	"time"
)

// Metadata keys attached to holds and checkout sessions.
const (
	MetaLessonID   = "lesson_id"
	MetaTutorID    = "tutor_id"
	MetaStudentID  = "student_id"
	MetaCourseCode = "course_code"
	MetaLessonDate = "lesson_date"
)

// Authorization is a manual-capture hold created at the gateway.
type Authorization struct {
	IntentID     string
	ClientSecret string
}

type CaptureResult struct {
	IntentID       string
	Status         string
	AmountCaptured int64
}

type CheckoutRequest struct {
	LessonID   string
	TutorID    string
	StudentID  string
	CourseCode string
	LessonDate time.Time
	Amount     int64
	SuccessURL string
	CancelURL  string
	ExpiresAt  time.Time
}

// Gateway is the payment provider as the booking workflow sees it.
type Gateway interface {
	// CreateAuthorization places a manual-capture hold for amount.
	CreateAuthorization(ctx context.Context, amount int64, metadata map[string]string, idempotencyKey string) (*Authorization, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (url string, err error)
	// Capture captures amount, or the whole hold when amount is 0.
	// A hold that is already captured or cancelled yields ErrAlreadyFinalized.
	Capture(ctx context.Context, intentID string, amount int64) (*CaptureResult, error)
	// Refund gives the money back whatever state the hold is in:
	// uncaptured holds are cancelled, captured ones refunded.
	Refund(ctx context.Context, intentID string) error
	// LessonIDForIntent finds the lesson through the checkout session that
	// created intentID. Empty when there is none.
	LessonIDForIntent(ctx context.Context, intentID string) (string, error)
	// ConstructEvent verifies signature over the raw payload and decodes it.
	ConstructEvent(payload []byte, signature string) (Event, error)
}

package notification

import (
	"context"
	"errors"
	"time"
)

// Event types
const (
	TypeLessonScheduled   = "lesson.scheduled"
	TypePaymentFailed     = "lesson.payment_failed"
	TypeLessonRescheduled = "lesson.rescheduled"
	TypeLessonCancelled   = "lesson.cancelled"
	TypeLessonCompleted   = "lesson.completed"
	TypePaymentCaptured   = "lesson.payment_captured"
)

// Event is what tutors and students are told about a lesson.
type Event struct {
	Type          string    `json:"type"`
	LessonID      string    `json:"lesson_id"`
	TutorID       string    `json:"tutor_id"`
	StudentID     string    `json:"student_id"`
	Status        string    `json:"status,omitempty"`
	PaymentStatus string    `json:"payment_status,omitempty"`
	Message       string    `json:"message,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Recipients returns the distinct non-empty parties of the lesson.
func (e Event) Recipients() []string {
	out := make([]string, 0, 2)
	if e.TutorID != "" {
		out = append(out, e.TutorID)
	}
	if e.StudentID != "" && e.StudentID != e.TutorID {
		out = append(out, e.StudentID)
	}
	return out
}

// Notifier delivers events. Callers treat delivery as best-effort.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Multi delivers to every notifier, even when some fail.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

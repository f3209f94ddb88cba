package lesson

import "time"

type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusScheduled      Status = "scheduled"
	StatusRescheduled    Status = "rescheduled"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

// ActiveStatuses hold a tutor's time slot.
var ActiveStatuses = []Status{StatusPendingPayment, StatusScheduled, StatusRescheduled}

func (s Status) Active() bool {
	for _, a := range ActiveStatuses {
		if s == a {
			return true
		}
	}
	return false
}

type PaymentStatus string

const (
	PaymentUnset    PaymentStatus = ""
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentCharged  PaymentStatus = "charged"
	PaymentRefunded PaymentStatus = "refunded"
)

type Lesson struct {
	ID         string `gorm:"type:varchar(36);primaryKey" json:"id"`
	TutorID    string `gorm:"type:varchar(64);not null;index" json:"tutor_id"`
	StudentID  string `gorm:"type:varchar(64);not null;index" json:"student_id"`
	CourseCode string `gorm:"type:varchar(64)" json:"course_code"`

	Date           time.Time  `gorm:"not null;index" json:"date"`
	EndsAt         time.Time  `gorm:"not null" json:"ends_at"`
	Duration       int        `gorm:"not null" json:"duration"`
	OriginalDate   *time.Time `json:"original_date,omitempty"`
	RescheduleDate *time.Time `json:"reschedule_date,omitempty"`

	Price                 int64         `gorm:"not null" json:"price"`
	PaymentAmount         int64         `json:"payment_amount"`
	PaymentIntentID       string        `gorm:"type:varchar(255);index" json:"payment_intent_id,omitempty"`
	PaymentStatus         PaymentStatus `gorm:"type:varchar(20)" json:"payment_status,omitempty"`
	PaymentID             string        `gorm:"type:varchar(255)" json:"payment_id,omitempty"`
	PaymentFailureMessage string        `gorm:"type:text" json:"payment_failure_message,omitempty"`

	Status  Status `gorm:"type:varchar(32);not null;index" json:"status"`
	Version int64  `gorm:"not null;default:1" json:"version"`

	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	PaymentDate        *time.Time `json:"payment_date,omitempty"`
	PaymentCapturedAt  *time.Time `json:"payment_captured_at,omitempty"`
	CapturedBy         string     `gorm:"type:varchar(64)" json:"captured_by,omitempty"`
	CancellationReason string     `gorm:"type:text" json:"cancellation_reason,omitempty"`
	CancellationDate   *time.Time `json:"cancellation_date,omitempty"`
	CancelledBy        string     `gorm:"type:varchar(64)" json:"cancelled_by,omitempty"`
	CompletionNotes    string     `gorm:"type:text" json:"completion_notes,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	Review             string     `gorm:"type:text" json:"review,omitempty"`
	Reviewed           bool       `json:"reviewed"`
}

func (Lesson) TableName() string { return "lessons" }

// IsParty reports whether userID is the tutor or the student of the lesson.
func (l *Lesson) IsParty(userID string) bool {
	return userID != "" && (userID == l.TutorID || userID == l.StudentID)
}

func (l *Lesson) End() time.Time {
	return l.Date.Add(time.Duration(l.Duration) * time.Minute)
}

// NormalizeTime is applied to every instant before it is stored or compared.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

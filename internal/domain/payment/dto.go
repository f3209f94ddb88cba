package payment

import "time"

// BookLessonRequest creates a lesson together with its authorization hold.
type BookLessonRequest struct {
	TutorID    string    `json:"tutor_id" binding:"required"`
	CourseCode string    `json:"course_code" binding:"required"`
	Date       time.Time `json:"date" binding:"required"`
	Duration   int       `json:"duration" binding:"required,min=15,max=480"`
	Price      int64     `json:"price" binding:"required"`
}

// CreateIntentRequest is the booking-create callable.
type CreateIntentRequest struct {
	Amount   int64             `json:"amount"`
	Metadata map[string]string `json:"metadata"`
}

type CheckoutSessionRequest struct {
	Amount     int64     `json:"amount" binding:"required"`
	LessonID   string    `json:"lesson_id" binding:"required"`
	TutorID    string    `json:"tutor_id" binding:"required"`
	StudentID  string    `json:"student_id" binding:"required"`
	CourseCode string    `json:"course_code" binding:"required"`
	LessonDate time.Time `json:"lesson_date" binding:"required"`
	SuccessURL string    `json:"success_url" binding:"omitempty,url"`
	CancelURL  string    `json:"cancel_url" binding:"omitempty,url"`
}

type CaptureRequest struct {
	LessonID        string `json:"lessonId" binding:"required"`
	PaymentIntentID string `json:"paymentIntentId" binding:"required"`
}

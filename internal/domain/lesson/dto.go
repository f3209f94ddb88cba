package lesson

import "time"

type RescheduleRequest struct {
	Date time.Time `json:"date" binding:"required"`
}

type CancelRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

type CompleteRequest struct {
	Notes string `json:"notes" binding:"max=2000"`
}

package lesson

import "errors"

var (
	ErrValidation                = errors.New("validation error")
	ErrNotFound                  = errors.New("lesson not found")
	ErrForbidden                 = errors.New("forbidden")
	ErrSlotTaken                 = errors.New("time slot already booked")
	ErrSlotBusy                  = errors.New("another booking for this tutor is in progress")
	ErrInvalidStatusTransition   = errors.New("invalid status transition")
	ErrOutsideModificationWindow = errors.New("lesson starts in less than 24 hours")
	ErrLessonNotStarted          = errors.New("lesson has not started yet")
	ErrConcurrentUpdate          = errors.New("lesson was modified concurrently")
)

package payment

import "errors"

var (
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrMissingSignature   = errors.New("missing webhook signature")
	ErrInvalidSignature   = errors.New("invalid webhook signature")
	ErrNotLessonTutor     = errors.New("caller is not the lesson's tutor")
	ErrNotLessonStudent   = errors.New("caller is not the lesson's student")
	ErrLessonNotPending   = errors.New("lesson is not awaiting payment")
	ErrLessonNotCompleted = errors.New("lesson is not completed")
	ErrIntentMismatch     = errors.New("payment intent does not match the lesson")
	ErrAlreadyFinalized   = errors.New("payment already captured or released")
	ErrGateway            = errors.New("payment gateway error")
)

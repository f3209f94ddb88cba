package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"tutorbook/internal/domain/lesson"
	"tutorbook/internal/domain/notification"
)

// CaptureHandler turns the hold of a completed lesson into a charge.
type CaptureHandler struct {
	store        lesson.Store
	gateway      Gateway
	notify       notification.Notifier
	clock        lesson.Clock
	allowPartial bool
	log          logrus.FieldLogger
}

func NewCaptureHandler(
	store lesson.Store,
	gateway Gateway,
	notify notification.Notifier,
	clock lesson.Clock,
	allowPartial bool,
	log logrus.FieldLogger,
) *CaptureHandler {
	if notify == nil {
		notify = notification.Nop{}
	}
	if clock == nil {
		clock = lesson.SystemClock{}
	}
	return &CaptureHandler{
		store:        store,
		gateway:      gateway,
		notify:       notify,
		clock:        clock,
		allowPartial: allowPartial,
		log:          log,
	}
}

// Capture checks, in order: caller identity, lesson existence, tutor
// ownership, completed status, intent match and that nothing was captured
// yet. Each failed check returns its own error and mutates nothing.
func (h *CaptureHandler) Capture(ctx context.Context, actor lesson.Actor, req CaptureRequest) (*CaptureResult, error) {
	if actor.UserID == "" {
		return nil, ErrUnauthenticated
	}

	l, err := h.store.GetByID(ctx, req.LessonID)
	if err != nil {
		return nil, err
	}
	if l.TutorID != actor.UserID {
		return nil, ErrNotLessonTutor
	}
	if _, err := lesson.Guard(l, lesson.ActionCapture, h.clock.Now()); err != nil {
		return nil, fmt.Errorf("%w: lesson is %s", ErrLessonNotCompleted, l.Status)
	}
	if l.PaymentIntentID == "" || l.PaymentIntentID != req.PaymentIntentID {
		return nil, ErrIntentMismatch
	}
	if l.PaymentStatus == lesson.PaymentCharged || l.PaymentStatus == lesson.PaymentRefunded {
		return nil, ErrAlreadyFinalized
	}

	entry := h.log.WithFields(logrus.Fields{
		"lesson_id":         l.ID,
		"payment_intent_id": l.PaymentIntentID,
		"tutor_id":          actor.UserID,
	})

	res, err := h.gateway.Capture(ctx, l.PaymentIntentID, h.captureAmount(l))
	if errors.Is(err, ErrAlreadyFinalized) {
		entry.WithError(err).Warn("capture on finalized hold")
		return nil, ErrAlreadyFinalized
	}
	if err != nil {
		entry.WithError(err).Error("capture failed")
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}

	now := h.clock.Now()
	ok, err := h.store.MarkCharged(ctx, l.ID, l.PaymentIntentID, actor.UserID, now)
	if err != nil {
		entry.WithError(err).Error("hold captured but lesson not updated")
		return nil, err
	}
	if !ok {
		entry.Warn("lesson changed while capturing")
	}

	entry.WithField("amount", res.AmountCaptured).Info("payment captured")
	l.PaymentStatus = lesson.PaymentCharged
	lesson.Publish(ctx, h.notify, h.log, lesson.NewEvent(l, notification.TypePaymentCaptured, "", now))
	return res, nil
}

// captureAmount is the lesson price, bounded by what was held. Zero means
// the whole hold.
func (h *CaptureHandler) captureAmount(l *lesson.Lesson) int64 {
	if !h.allowPartial {
		return 0
	}
	amount := l.Price
	if l.PaymentAmount > 0 && l.PaymentAmount < amount {
		amount = l.PaymentAmount
	}
	return amount
}

package lesson

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"tutorbook/internal/domain/notification"
	"tutorbook/internal/pkg/slotlock"
)

// Service holds the user-facing lesson mutations. Every write goes through
// Guard with server time taken just before the versioned update.
type Service struct {
	store  Store
	holds  HoldReleaser
	locker SlotLocker
	notify notification.Notifier
	clock  Clock
	log    logrus.FieldLogger
}

func NewService(
	store Store,
	holds HoldReleaser,
	locker SlotLocker,
	notify notification.Notifier,
	clock Clock,
	log logrus.FieldLogger,
) *Service {
	if locker == nil {
		locker = slotlock.Nop{}
	}
	if notify == nil {
		notify = notification.Nop{}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Service{
		store:  store,
		holds:  holds,
		locker: locker,
		notify: notify,
		clock:  clock,
		log:    log,
	}
}

func (s *Service) Get(ctx context.Context, actor Actor, id string) (*Lesson, error) {
	l, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !l.IsParty(actor.UserID) && !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	return l, nil
}

func (s *Service) List(ctx context.Context, actor Actor, limit int) ([]Lesson, error) {
	return s.store.ListForUser(ctx, actor.UserID, limit)
}

// Reschedule moves a scheduled lesson. Only the student may do it, and only
// while the current start is at least ModificationWindow away.
func (s *Service) Reschedule(ctx context.Context, actor Actor, id string, newDate time.Time) (*Lesson, error) {
	newDate = NormalizeTime(newDate)

	l, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.UserID != l.StudentID {
		return nil, ErrForbidden
	}
	if newDate.Equal(l.Date) {
		return nil, fmt.Errorf("%w: new date equals current date", ErrValidation)
	}

	release, err := s.lockTutor(ctx, l.TutorID)
	if err != nil {
		return nil, err
	}
	defer release()

	now := s.clock.Now()
	if !newDate.After(now) {
		return nil, fmt.Errorf("%w: new date must be in the future", ErrValidation)
	}
	if err := s.guard(l, ActionReschedule, now); err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"status":          StatusRescheduled,
		"reschedule_date": now,
	}
	if l.OriginalDate == nil {
		updates["original_date"] = l.Date
	}
	if err := s.store.Reschedule(ctx, l, newDate, updates); err != nil {
		return nil, err
	}

	updated, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"lesson_id": id,
		"from":      l.Date,
		"to":        updated.Date,
	}).Info("lesson rescheduled")
	s.publish(ctx, updated, notification.TypeLessonRescheduled, "")
	return updated, nil
}

// Cancel is open to both parties under the same window. An authorization
// hold still attached to the lesson is released afterwards; failing to
// release it does not undo the cancellation.
func (s *Service) Cancel(ctx context.Context, actor Actor, id, reason string) (*Lesson, error) {
	l, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !l.IsParty(actor.UserID) {
		return nil, ErrForbidden
	}

	now := s.clock.Now()
	if err := s.guard(l, ActionCancel, now); err != nil {
		return nil, err
	}

	err = s.store.Update(ctx, l.ID, l.Version, map[string]interface{}{
		"status":              StatusCancelled,
		"cancellation_reason": reason,
		"cancellation_date":   now,
		"cancelled_by":        actor.UserID,
	})
	if err != nil {
		return nil, err
	}

	entry := s.log.WithFields(logrus.Fields{
		"lesson_id":         id,
		"cancelled_by":      actor.UserID,
		"payment_intent_id": l.PaymentIntentID,
	})
	if l.PaymentIntentID != "" && l.PaymentStatus != PaymentCharged && s.holds != nil {
		if err := s.holds.Refund(ctx, l.PaymentIntentID); err != nil {
			entry.WithError(err).Error("release hold after cancellation failed")
		} else if _, err := s.store.MarkRefunded(ctx, l.ID); err != nil {
			entry.WithError(err).Error("record released hold failed")
		}
	}
	entry.Info("lesson cancelled")

	updated, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, updated, notification.TypeLessonCancelled, reason)
	return updated, nil
}

// Complete is the tutor's confirmation that the lesson took place. It is
// the precondition for capturing the hold.
func (s *Service) Complete(ctx context.Context, actor Actor, id, notes string) (*Lesson, error) {
	l, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.UserID != l.TutorID {
		return nil, ErrForbidden
	}

	now := s.clock.Now()
	if _, err := Guard(l, ActionComplete, now); err != nil {
		return nil, err
	}
	if now.Before(l.Date) {
		return nil, ErrLessonNotStarted
	}

	err = s.store.Update(ctx, l.ID, l.Version, map[string]interface{}{
		"status":           StatusCompleted,
		"completion_notes": notes,
		"completed_at":     now,
	})
	if err != nil {
		return nil, err
	}

	updated, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.log.WithField("lesson_id", id).Info("lesson completed")
	s.publish(ctx, updated, notification.TypeLessonCompleted, "")
	return updated, nil
}

func (s *Service) guard(l *Lesson, a Action, now time.Time) error {
	_, err := Guard(l, a, now)
	if errors.Is(err, ErrOutsideModificationWindow) {
		s.log.WithFields(logrus.Fields{
			"lesson_id":         l.ID,
			"action":            a,
			"hours_until_start": HoursUntilStart(l.Date, now),
		}).Info("modification refused inside window")
	}
	return err
}

func (s *Service) lockTutor(ctx context.Context, tutorID string) (func(), error) {
	release, err := s.locker.Acquire(ctx, TutorLockKey(tutorID))
	if errors.Is(err, slotlock.ErrLocked) {
		return nil, ErrSlotBusy
	}
	if err != nil {
		return nil, fmt.Errorf("lock tutor calendar: %w", err)
	}
	return release, nil
}

func (s *Service) publish(ctx context.Context, l *Lesson, typ, message string) {
	Publish(ctx, s.notify, s.log, NewEvent(l, typ, message, s.clock.Now()))
}

func NewEvent(l *Lesson, typ, message string, at time.Time) notification.Event {
	return notification.Event{
		Type:          typ,
		LessonID:      l.ID,
		TutorID:       l.TutorID,
		StudentID:     l.StudentID,
		Status:        string(l.Status),
		PaymentStatus: string(l.PaymentStatus),
		Message:       message,
		OccurredAt:    at,
	}
}

// Publish delivers e and only logs a failure.
func Publish(ctx context.Context, n notification.Notifier, log logrus.FieldLogger, e notification.Event) {
	if err := n.Notify(ctx, e); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"lesson_id": e.LessonID,
			"type":      e.Type,
		}).Warn("notification failed")
	}
}

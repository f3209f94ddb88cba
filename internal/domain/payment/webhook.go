package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"tutorbook/internal/domain/lesson"
	"tutorbook/internal/domain/notification"
)

// Outcome is what the reconciler did with an event.
type Outcome string

const (
	OutcomeScheduled             Outcome = "scheduled"
	OutcomeAlreadyProcessed      Outcome = "already_processed"
	OutcomeOrphanRefunded        Outcome = "orphan_refunded"
	OutcomeOrphanRefundFailed    Outcome = "orphan_refund_failed"
	OutcomeDuplicateHoldRefunded Outcome = "duplicate_hold_refunded"
	OutcomeDuplicateHoldFailed   Outcome = "duplicate_hold_refund_failed"
	OutcomeUnderpaidHoldRefunded Outcome = "underpaid_hold_refunded"
	OutcomeUnderpaidHoldFailed   Outcome = "underpaid_hold_refund_failed"
	OutcomeForeignIntent         Outcome = "foreign_intent"
	OutcomeSlotReleased          Outcome = "slot_released"
	OutcomeMarkedFailed          Outcome = "marked_failed"
	OutcomeLessonMissing         Outcome = "lesson_missing"
	OutcomeUncorrelated          Outcome = "uncorrelated"
	OutcomeIgnored               Outcome = "ignored"
	OutcomeDuplicateEvent        Outcome = "duplicate_event"
)

const defaultBatchWorkers = 8

// Reconciler applies gateway events to lessons. Every transition is a
// conditional write on the lesson's prior state, so redelivered or
// reordered events are no-ops. Compensating refunds and notifications are
// best-effort and never fail the event.
type Reconciler struct {
	store   lesson.Store
	gateway Gateway
	ledger  EventLedger
	notify  notification.Notifier
	clock   lesson.Clock
	log     logrus.FieldLogger
	workers int
}

func NewReconciler(
	store lesson.Store,
	gateway Gateway,
	ledger EventLedger,
	notify notification.Notifier,
	clock lesson.Clock,
	log logrus.FieldLogger,
) *Reconciler {
	if notify == nil {
		notify = notification.Nop{}
	}
	if clock == nil {
		clock = lesson.SystemClock{}
	}
	return &Reconciler{
		store:   store,
		gateway: gateway,
		ledger:  ledger,
		notify:  notify,
		clock:   clock,
		log:     log,
		workers: defaultBatchWorkers,
	}
}

// Handle processes a single event. An error means nothing conclusive
// happened and the gateway should redeliver.
func (r *Reconciler) Handle(ctx context.Context, ev Event) (Outcome, error) {
	meta := ev.Meta()
	entry := r.log.WithFields(logrus.Fields{
		"event_id":   meta.ID,
		"event_type": meta.Type,
	})

	if meta.ID != "" && r.ledger != nil {
		seen, err := r.ledger.Seen(ctx, meta.ID)
		if err != nil {
			entry.WithError(err).Error("webhook ledger lookup failed")
			return "", err
		}
		if seen {
			entry.WithField("outcome", OutcomeDuplicateEvent).Info("event already processed")
			return OutcomeDuplicateEvent, nil
		}
	}

	var (
		res result
		err error
	)
	switch e := ev.(type) {
	case AuthorizationSucceeded:
		res, err = r.authorized(ctx, e.PaymentIntentID, e.LessonID, e.PaymentID, e.Amount)
	case CheckoutCompleted:
		res, err = r.authorized(ctx, e.PaymentIntentID, e.LessonID, "", e.Amount)
	case AuthorizationFailed:
		res, err = r.failed(ctx, e)
	default:
		res = result{outcome: OutcomeIgnored}
	}

	entry = entry.WithFields(logrus.Fields{
		"lesson_id":         res.lessonID,
		"payment_intent_id": res.intentID,
	})
	if err != nil {
		entry.WithError(err).Error("webhook reconciliation failed")
		return "", err
	}
	entry.WithField("outcome", res.outcome).Info("webhook reconciled")

	if meta.ID != "" && r.ledger != nil {
		rec := &WebhookEvent{
			ID:              meta.ID,
			Type:            meta.Type,
			LessonID:        res.lessonID,
			PaymentIntentID: res.intentID,
			Outcome:         res.outcome,
			ProcessedAt:     r.clock.Now(),
		}
		if err := r.ledger.Record(ctx, rec); err != nil {
			// status guards still make a redelivery harmless
			entry.WithError(err).Warn("webhook ledger write failed")
		}
	}
	return res.outcome, nil
}

type result struct {
	outcome  Outcome
	lessonID string
	intentID string
}

func (r *Reconciler) authorized(ctx context.Context, intentID, lessonID, paymentID string, amount int64) (result, error) {
	res := result{lessonID: lessonID, intentID: intentID}

	if res.lessonID == "" && intentID != "" {
		id, err := r.gateway.LessonIDForIntent(ctx, intentID)
		if err != nil {
			return res, fmt.Errorf("find lesson for %s: %w", intentID, err)
		}
		res.lessonID = id
	}
	if res.lessonID == "" {
		// nothing local can own this hold
		res.outcome = r.refund(ctx, intentID, OutcomeOrphanRefunded, OutcomeOrphanRefundFailed)
		return res, nil
	}

	l, err := r.store.GetByID(ctx, res.lessonID)
	if errors.Is(err, lesson.ErrNotFound) {
		res.outcome = r.refund(ctx, intentID, OutcomeOrphanRefunded, OutcomeOrphanRefundFailed)
		return res, nil
	}
	if err != nil {
		return res, err
	}

	if l.Status == lesson.StatusPendingPayment {
		if amount < l.Price {
			r.log.WithFields(logrus.Fields{
				"lesson_id":         l.ID,
				"payment_intent_id": intentID,
				"amount":            amount,
				"price":             l.Price,
			}).Warn("hold below lesson price")
			res.outcome = r.refund(ctx, intentID, OutcomeUnderpaidHoldRefunded, OutcomeUnderpaidHoldFailed)
			return res, nil
		}
		ok, err := r.store.ConfirmPayment(ctx, l.ID, lesson.PaymentConfirmation{
			PaymentIntentID: intentID,
			PaymentID:       paymentID,
			Amount:          amount,
			PaidAt:          r.clock.Now(),
		})
		if err != nil {
			return res, err
		}
		if ok {
			l.Status = lesson.StatusScheduled
			l.PaymentStatus = lesson.PaymentPaid
			lesson.Publish(ctx, r.notify, r.log, lesson.NewEvent(l, notification.TypeLessonScheduled, "", r.clock.Now()))
			res.outcome = OutcomeScheduled
			return res, nil
		}

		// lost a race with another delivery or a cleanup
		l, err = r.store.GetByID(ctx, l.ID)
		if errors.Is(err, lesson.ErrNotFound) {
			res.outcome = r.refund(ctx, intentID, OutcomeOrphanRefunded, OutcomeOrphanRefundFailed)
			return res, nil
		}
		if err != nil {
			return res, err
		}
		if l.Status == lesson.StatusPendingPayment {
			// the price changed under us; this hold no longer covers it
			res.outcome = r.refund(ctx, intentID, OutcomeUnderpaidHoldRefunded, OutcomeUnderpaidHoldFailed)
			return res, nil
		}
	}

	if intentID != "" && l.PaymentIntentID != "" && l.PaymentIntentID != intentID {
		res.outcome = r.refund(ctx, intentID, OutcomeDuplicateHoldRefunded, OutcomeDuplicateHoldFailed)
		return res, nil
	}
	res.outcome = OutcomeAlreadyProcessed
	return res, nil
}

func (r *Reconciler) failed(ctx context.Context, e AuthorizationFailed) (result, error) {
	res := result{lessonID: e.LessonID, intentID: e.PaymentIntentID}

	if res.lessonID == "" && e.PaymentIntentID != "" {
		id, err := r.gateway.LessonIDForIntent(ctx, e.PaymentIntentID)
		if err != nil {
			return res, fmt.Errorf("find lesson for %s: %w", e.PaymentIntentID, err)
		}
		res.lessonID = id
	}
	if res.lessonID == "" {
		res.outcome = OutcomeUncorrelated
		return res, nil
	}

	l, err := r.store.GetByID(ctx, res.lessonID)
	if errors.Is(err, lesson.ErrNotFound) {
		res.outcome = OutcomeLessonMissing
		return res, nil
	}
	if err != nil {
		return res, err
	}

	// a failure of some other hold says nothing about this lesson's payment
	if l.PaymentIntentID != "" && l.PaymentIntentID != e.PaymentIntentID {
		res.outcome = OutcomeForeignIntent
		return res, nil
	}

	if l.Status == lesson.StatusPendingPayment {
		deleted, err := r.store.DeleteIfPending(ctx, l.ID)
		if err != nil {
			return res, err
		}
		if deleted {
			lesson.Publish(ctx, r.notify, r.log, lesson.NewEvent(l, notification.TypePaymentFailed, e.FailureMessage, r.clock.Now()))
			res.outcome = OutcomeSlotReleased
			return res, nil
		}
	}

	marked, err := r.store.MarkPaymentFailed(ctx, l.ID, e.PaymentIntentID, e.FailureMessage)
	if err != nil {
		return res, err
	}
	if !marked {
		// gone in the meantime, or already charged
		res.outcome = OutcomeAlreadyProcessed
		return res, nil
	}
	l.PaymentStatus = lesson.PaymentFailed
	lesson.Publish(ctx, r.notify, r.log, lesson.NewEvent(l, notification.TypePaymentFailed, e.FailureMessage, r.clock.Now()))
	res.outcome = OutcomeMarkedFailed
	return res, nil
}

// refund releases a hold nobody will capture. Failures are logged only.
func (r *Reconciler) refund(ctx context.Context, intentID string, ok, failed Outcome) Outcome {
	if intentID == "" {
		return OutcomeUncorrelated
	}
	if err := r.gateway.Refund(ctx, intentID); err != nil {
		r.log.WithError(err).WithField("payment_intent_id", intentID).Error("refund of unreconciled hold failed")
		return failed
	}
	return ok
}

type BatchResult struct {
	EventID string
	Outcome Outcome
	Err     error
}

// HandleBatch reconciles events concurrently. Results are in input order;
// one event's failure or panic does not affect the others.
func (r *Reconciler) HandleBatch(ctx context.Context, events []Event) []BatchResult {
	results := make([]BatchResult, len(events))
	sem := make(chan struct{}, r.workers)
	var wg sync.WaitGroup

	for i, ev := range events {
		wg.Add(1)
		go func(i int, ev Event) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			defer func() {
				if p := recover(); p != nil {
					results[i].Err = fmt.Errorf("panic: %v", p)
				}
			}()
			results[i].EventID = ev.Meta().ID
			results[i].Outcome, results[i].Err = r.Handle(ctx, ev)
		}(i, ev)
	}

	wg.Wait()
	return results
}

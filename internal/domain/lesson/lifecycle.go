package lesson

import (
	"fmt"
	"time"
)

// ModificationWindow is the minimum lead time for reschedule and cancel.
const ModificationWindow = 24 * time.Hour

// HoursUntilStart is negative once the lesson has started.
func HoursUntilStart(start, now time.Time) float64 {
	return start.Sub(now).Hours()
}

// CanModify is the cancellation/reschedule policy. It must be evaluated
// against server time at the moment of the write.
func CanModify(start, now time.Time) bool {
	return start.Sub(now) >= ModificationWindow
}

type Action string

const (
	ActionConfirmPayment Action = "confirm_payment"
	ActionFailPayment    Action = "fail_payment"
	ActionReschedule     Action = "reschedule"
	ActionCancel         Action = "cancel"
	ActionComplete       Action = "complete"
	ActionCapture        Action = "capture"
)

type transition struct {
	from []Status
	to   Status
	// windowed transitions are subject to CanModify
	windowed bool
}

var transitions = map[Action]transition{
	ActionConfirmPayment: {from: []Status{StatusPendingPayment}, to: StatusScheduled},
	// the lesson row is deleted; to is informational
	ActionFailPayment: {from: []Status{StatusPendingPayment}, to: StatusPendingPayment},
	ActionReschedule:  {from: []Status{StatusScheduled, StatusRescheduled}, to: StatusRescheduled, windowed: true},
	ActionCancel:      {from: []Status{StatusScheduled, StatusRescheduled}, to: StatusCancelled, windowed: true},
	ActionComplete:    {from: []Status{StatusScheduled, StatusRescheduled}, to: StatusCompleted},
	ActionCapture:     {from: []Status{StatusCompleted}, to: StatusCompleted},
}

// AllowedFrom lists the statuses an action may start from.
func AllowedFrom(a Action) []Status {
	t, ok := transitions[a]
	if !ok {
		return nil
	}
	out := make([]Status, len(t.from))
	copy(out, t.from)
	return out
}

// Guard validates action against the lesson's current status and, for
// windowed actions, against now. It returns the target status.
func Guard(l *Lesson, a Action, now time.Time) (Status, error) {
	t, ok := transitions[a]
	if !ok {
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidStatusTransition, a)
	}
	allowed := false
	for _, s := range t.from {
		if l.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", fmt.Errorf("%w: cannot %s a %s lesson (allowed from %v)", ErrInvalidStatusTransition, a, l.Status, AllowedFrom(a))
	}
	if t.windowed && !CanModify(l.Date, now) {
		return "", ErrOutsideModificationWindow
	}
	return t.to, nil
}

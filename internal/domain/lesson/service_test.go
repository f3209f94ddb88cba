package lesson

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tutorbook/internal/domain/notification"
	"tutorbook/internal/testfixtures"
)

type MockHoldReleaser struct {
	mock.Mock
}

func (m *MockHoldReleaser) Refund(ctx context.Context, paymentIntentID string) error {
	args := m.Called(ctx, paymentIntentID)
	return args.Error(0)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notification.Event
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, e notification.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingNotifier) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type serviceFixture struct {
	svc    *Service
	repo   *Repository
	holds  *MockHoldReleaser
	notes  *recordingNotifier
	clock  *testfixtures.Clock
	hook   *logtest.Hook
	lesson *Lesson
}

// newServiceFixture seeds one scheduled lesson of tutor-1/student-1 at slotStart.
func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	repo, _ := newTestRepo(t)
	holds := new(MockHoldReleaser)
	notes := &recordingNotifier{}
	clock := testfixtures.NewClock(slotStart.Add(-72 * time.Hour))
	log, hook := logtest.NewNullLogger()

	ctx := context.Background()
	l := newLesson("tutor-1", slotStart, 60)
	require.NoError(t, repo.CreatePending(ctx, l))
	ok, err := repo.ConfirmPayment(ctx, l.ID, PaymentConfirmation{
		PaymentIntentID: "pi_1", PaymentID: "ch_1", Amount: 6500, PaidAt: clock.Now(),
	})
	require.NoError(t, err)
	require.True(t, ok)

	return &serviceFixture{
		svc:    NewService(repo, holds, nil, notes, clock, log),
		repo:   repo,
		holds:  holds,
		notes:  notes,
		clock:  clock,
		hook:   hook,
		lesson: l,
	}
}

var (
	student = Actor{UserID: "student-1", Role: "student"}
	tutor   = Actor{UserID: "tutor-1", Role: "tutor"}
)

func TestService_Reschedule_AtExactWindow(t *testing.T) {
	f := newServiceFixture(t)
	f.clock.Set(slotStart.Add(-24 * time.Hour))

	newDate := slotStart.Add(48 * time.Hour)
	got, err := f.svc.Reschedule(context.Background(), student, f.lesson.ID, newDate)
	require.NoError(t, err)

	assert.Equal(t, StatusRescheduled, got.Status)
	assertSameInstant(t, newDate, got.Date)
	require.NotNil(t, got.OriginalDate)
	assertSameInstant(t, slotStart, *got.OriginalDate)
	require.NotNil(t, got.RescheduleDate)
	assert.Equal(t, []string{notification.TypeLessonRescheduled}, f.notes.types())

	// a second move keeps the first original date
	f.clock.Set(slotStart)
	got, err = f.svc.Reschedule(context.Background(), student, f.lesson.ID, newDate.Add(time.Hour))
	require.NoError(t, err)
	assertSameInstant(t, slotStart, *got.OriginalDate)
}

func TestService_Reschedule_InsideWindow(t *testing.T) {
	f := newServiceFixture(t)
	f.clock.Set(slotStart.Add(-(23*time.Hour + 59*time.Minute)))

	_, err := f.svc.Reschedule(context.Background(), student, f.lesson.ID, slotStart.Add(48*time.Hour))
	assert.ErrorIs(t, err, ErrOutsideModificationWindow)

	got, err := f.repo.GetByID(context.Background(), f.lesson.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, got.Status)
	assertSameInstant(t, slotStart, got.Date)
	assert.Empty(t, f.notes.types())

	entry := f.hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "modification refused inside window", entry.Message)
	assert.Equal(t, ActionReschedule, entry.Data["action"])
	assert.InDelta(t, 23.0+59.0/60.0, entry.Data["hours_until_start"], 1e-9)
}

func TestService_Reschedule_Rejections(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.svc.Reschedule(ctx, tutor, f.lesson.ID, slotStart.Add(48*time.Hour))
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.Reschedule(ctx, student, f.lesson.ID, f.clock.Now().Add(-time.Hour))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.Reschedule(ctx, student, f.lesson.ID, slotStart)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.Reschedule(ctx, student, "missing", slotStart.Add(48*time.Hour))
	assert.ErrorIs(t, err, ErrNotFound)

	other := newLesson("tutor-1", slotStart.Add(48*time.Hour), 60)
	other.StudentID = "student-2"
	require.NoError(t, f.repo.CreatePending(ctx, other))
	_, err = f.svc.Reschedule(ctx, student, f.lesson.ID, slotStart.Add(48*time.Hour+30*time.Minute))
	assert.ErrorIs(t, err, ErrSlotTaken)
}

type busyLocker struct{}

func (busyLocker) Acquire(context.Context, string) (func(), error) {
	return nil, errors.New("redis: connection refused")
}

func TestService_Reschedule_LockFailure(t *testing.T) {
	f := newServiceFixture(t)
	log, _ := logtest.NewNullLogger()
	svc := NewService(f.repo, f.holds, busyLocker{}, f.notes, f.clock, log)

	_, err := svc.Reschedule(context.Background(), student, f.lesson.ID, slotStart.Add(48*time.Hour))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock tutor calendar")
}

func TestService_Cancel_ReleasesHold(t *testing.T) {
	f := newServiceFixture(t)
	f.holds.On("Refund", mock.Anything, "pi_1").Return(nil).Once()

	got, err := f.svc.Cancel(context.Background(), tutor, f.lesson.ID, "tutor is ill")
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, PaymentRefunded, got.PaymentStatus)
	assert.Equal(t, "tutor is ill", got.CancellationReason)
	assert.Equal(t, "tutor-1", got.CancelledBy)
	require.NotNil(t, got.CancellationDate)
	assert.Equal(t, []string{notification.TypeLessonCancelled}, f.notes.types())
	f.holds.AssertExpectations(t)

	// cancelled is terminal
	_, err = f.svc.Cancel(context.Background(), student, f.lesson.ID, "")
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
}

func TestService_Cancel_RefundFailureDoesNotUndo(t *testing.T) {
	f := newServiceFixture(t)
	f.holds.On("Refund", mock.Anything, "pi_1").Return(errors.New("gateway timeout")).Once()

	got, err := f.svc.Cancel(context.Background(), student, f.lesson.ID, "")
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, PaymentPaid, got.PaymentStatus)

	var logged bool
	for _, e := range f.hook.AllEntries() {
		if e.Level == logrus.ErrorLevel && e.Message == "release hold after cancellation failed" {
			logged = true
		}
	}
	assert.True(t, logged)
	f.holds.AssertExpectations(t)
}

func TestService_Cancel_Rejections(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.svc.Cancel(ctx, Actor{UserID: "stranger"}, f.lesson.ID, "")
	assert.ErrorIs(t, err, ErrForbidden)

	// admins read but do not cancel on behalf of parties
	_, err = f.svc.Cancel(ctx, Actor{UserID: "root", Role: "admin"}, f.lesson.ID, "")
	assert.ErrorIs(t, err, ErrForbidden)

	f.clock.Set(slotStart.Add(-23 * time.Hour))
	_, err = f.svc.Cancel(ctx, student, f.lesson.ID, "")
	assert.ErrorIs(t, err, ErrOutsideModificationWindow)

	f.holds.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything)
}

func TestService_Cancel_NotificationFailureIsIgnored(t *testing.T) {
	f := newServiceFixture(t)
	f.notes.err = errors.New("broker down")
	f.holds.On("Refund", mock.Anything, "pi_1").Return(nil)

	got, err := f.svc.Cancel(context.Background(), student, f.lesson.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestService_Complete(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.svc.Complete(ctx, tutor, f.lesson.ID, "")
	assert.ErrorIs(t, err, ErrLessonNotStarted)

	f.clock.Set(slotStart.Add(time.Hour))

	_, err = f.svc.Complete(ctx, student, f.lesson.ID, "")
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := f.svc.Complete(ctx, tutor, f.lesson.ID, "covered chapter 3")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "covered chapter 3", got.CompletionNotes)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, []string{notification.TypeLessonCompleted}, f.notes.types())

	_, err = f.svc.Complete(ctx, tutor, f.lesson.ID, "")
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
}

func TestService_Get(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	got, err := f.svc.Get(ctx, student, f.lesson.ID)
	require.NoError(t, err)
	assert.Equal(t, f.lesson.ID, got.ID)

	_, err = f.svc.Get(ctx, Actor{UserID: "root", Role: "admin"}, f.lesson.ID)
	assert.NoError(t, err)

	_, err = f.svc.Get(ctx, Actor{UserID: "stranger", Role: "student"}, f.lesson.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

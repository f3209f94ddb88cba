package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"tutorbook/internal/domain/lesson"
	"tutorbook/internal/domain/notification"
	"tutorbook/internal/pkg/slotlock"
	"tutorbook/internal/testfixtures"
)

const testSignature = "t=1,v1=ok"

var (
	baseNow    = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	lessonDate = baseNow.Add(72 * time.Hour)

	studentActor = lesson.Actor{UserID: "student-1", Role: "student"}
	tutorActor   = lesson.Actor{UserID: "tutor-1", Role: "tutor"}
)

type authCall struct {
	Amount   int64
	Metadata map[string]string
	Key      string
}

type captureCall struct {
	IntentID string
	Amount   int64
}

// fakeGateway records every call. Signatures are accepted iff they equal testSignature.
type fakeGateway struct {
	mu sync.Mutex

	nextIntent     int
	lessonByIntent map[string]string

	authErr    error
	captureErr error
	refundErr  error
	lookupErr  error

	authorizations []authCall
	checkouts      []CheckoutRequest
	captures       []captureCall
	refunds        []string
	lookups        []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{lessonByIntent: map[string]string{}}
}

func (g *fakeGateway) CreateAuthorization(_ context.Context, amount int64, metadata map[string]string, key string) (*Authorization, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.authErr != nil {
		return nil, g.authErr
	}
	g.nextIntent++
	id := fmt.Sprintf("pi_%d", g.nextIntent)
	g.authorizations = append(g.authorizations, authCall{Amount: amount, Metadata: metadata, Key: key})
	return &Authorization{IntentID: id, ClientSecret: id + "_secret"}, nil
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, req CheckoutRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkouts = append(g.checkouts, req)
	return "https://checkout.test/" + req.LessonID, nil
}

func (g *fakeGateway) Capture(_ context.Context, intentID string, amount int64) (*CaptureResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captures = append(g.captures, captureCall{IntentID: intentID, Amount: amount})
	if g.captureErr != nil {
		return nil, g.captureErr
	}
	return &CaptureResult{IntentID: intentID, Status: "succeeded", AmountCaptured: amount}, nil
}

func (g *fakeGateway) Refund(_ context.Context, intentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, intentID)
	return g.refundErr
}

func (g *fakeGateway) LessonIDForIntent(_ context.Context, intentID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lookups = append(g.lookups, intentID)
	if g.lookupErr != nil {
		return "", g.lookupErr
	}
	return g.lessonByIntent[intentID], nil
}

func (g *fakeGateway) ConstructEvent(payload []byte, signature string) (Event, error) {
	if signature == "" {
		return nil, ErrMissingSignature
	}
	if signature != testSignature {
		return nil, ErrInvalidSignature
	}
	return ParseEventJSON(payload)
}

func (g *fakeGateway) refundCalls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.refunds...)
}

func (g *fakeGateway) captureCalls() []captureCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]captureCall(nil), g.captures...)
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

type testEnv struct {
	db         *gorm.DB
	repo       *lesson.Repository
	ledger     *Ledger
	gw         *fakeGateway
	clock      *testfixtures.Clock
	notes      *recordingNotifier
	log        *logrus.Logger
	hook       *logtest.Hook
	initiator  *Initiator
	reconciler *Reconciler
	capture    *CaptureHandler
	lessons    *lesson.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := testfixtures.NewDB(t, lesson.Migrate, Migrate)
	log, hook := logtest.NewNullLogger()

	env := &testEnv{
		db:     db,
		repo:   lesson.NewRepository(db),
		ledger: NewLedger(db),
		gw:     newFakeGateway(),
		clock:  testfixtures.NewClock(baseNow),
		notes:  &recordingNotifier{},
		log:    log,
		hook:   hook,
	}
	env.initiator = NewInitiator(env.repo, env.gw, nil, env.clock, InitiatorConfig{
		MinAmount:   100,
		SuccessURL:  "https://app.test/success",
		CancelURL:   "https://app.test/cancel",
		CheckoutTTL: 30 * time.Minute,
	}, log)
	env.reconciler = NewReconciler(env.repo, env.gw, env.ledger, env.notes, env.clock, log)
	env.capture = NewCaptureHandler(env.repo, env.gw, env.notes, env.clock, true, log)
	env.lessons = lesson.NewService(env.repo, env.gw, nil, env.notes, env.clock, log)
	return env
}

func (e *testEnv) book(t *testing.T, price int64) *lesson.Lesson {
	t.Helper()
	l, _, err := e.initiator.Book(context.Background(), studentActor, BookLessonRequest{
		TutorID:    "tutor-1",
		CourseCode: "MATH101",
		Date:       lessonDate,
		Duration:   60,
		Price:      price,
	})
	require.NoError(t, err)
	return l
}

// scheduled books a lesson and confirms its hold.
func (e *testEnv) scheduled(t *testing.T) *lesson.Lesson {
	t.Helper()
	l := e.book(t, 6500)
	out, err := e.reconciler.Handle(context.Background(), succeeded("evt_sched_"+l.ID, l.PaymentIntentID, l.ID, 6500))
	require.NoError(t, err)
	require.Equal(t, OutcomeScheduled, out)
	return e.reload(t, l.ID)
}

// completed drives a lesson through scheduled to completed.
func (e *testEnv) completed(t *testing.T) *lesson.Lesson {
	t.Helper()
	l := e.scheduled(t)
	e.clock.Set(lessonDate.Add(time.Hour))
	_, err := e.lessons.Complete(context.Background(), tutorActor, l.ID, "")
	require.NoError(t, err)
	return e.reload(t, l.ID)
}

func (e *testEnv) reload(t *testing.T, id string) *lesson.Lesson {
	t.Helper()
	l, err := e.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return l
}

func succeeded(eventID, intentID, lessonID string, amount int64) AuthorizationSucceeded {
	return AuthorizationSucceeded{
		EventMeta:       EventMeta{ID: eventID, Type: TypeIntentAmountCapturableUpdated},
		PaymentIntentID: intentID,
		LessonID:        lessonID,
		PaymentID:       "ch_" + intentID,
		Amount:          amount,
	}
}

func failed(eventID, intentID, lessonID, message string) AuthorizationFailed {
	return AuthorizationFailed{
		EventMeta:       EventMeta{ID: eventID, Type: TypeIntentPaymentFailed},
		PaymentIntentID: intentID,
		LessonID:        lessonID,
		FailureMessage:  message,
	}
}

// intentEventJSON renders a gateway payment_intent event.
func intentEventJSON(t *testing.T, eventID, typ, intentID, lessonID string, amount int64) []byte {
	t.Helper()
	metadata := map[string]string{}
	if lessonID != "" {
		metadata[MetaLessonID] = lessonID
	}
	b, err := json.Marshal(map[string]interface{}{
		"id":      eventID,
		"object":  "event",
		"type":    typ,
		"created": baseNow.Unix(),
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":                intentID,
				"object":            "payment_intent",
				"amount":            amount,
				"amount_capturable": amount,
				"status":            "requires_capture",
				"latest_charge":     "ch_" + intentID,
				"metadata":          metadata,
				"last_payment_error": map[string]interface{}{
					"code":    "card_declined",
					"message": "Your card was declined.",
				},
			},
		},
	})
	require.NoError(t, err)
	return b
}

var errStoreDown = errors.New("store unavailable")

// flakyStore fails or panics on GetByID for chosen lesson ids.
type flakyStore struct {
	lesson.Store
	failFor  map[string]bool
	panicFor map[string]bool
}

func (s *flakyStore) GetByID(ctx context.Context, id string) (*lesson.Lesson, error) {
	if s.panicFor[id] {
		panic("corrupt row " + id)
	}
	if s.failFor[id] {
		return nil, errStoreDown
	}
	return s.Store.GetByID(ctx, id)
}

type busyLocker struct{}

func (busyLocker) Acquire(context.Context, string) (func(), error) {
	return nil, slotlock.ErrLocked
}

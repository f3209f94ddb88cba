package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"tutorbook/internal/domain/lesson"
	"tutorbook/internal/pkg/slotlock"
)

type InitiatorConfig struct {
	MinAmount   int64
	SuccessURL  string
	CancelURL   string
	CheckoutTTL time.Duration
}

// Initiator reserves the slot and asks the gateway for a hold. A lesson
// whose hold cannot be created is removed again.
type Initiator struct {
	store   lesson.Store
	gateway Gateway
	locker  lesson.SlotLocker
	clock   lesson.Clock
	cfg     InitiatorConfig
	log     logrus.FieldLogger
}

func NewInitiator(
	store lesson.Store,
	gateway Gateway,
	locker lesson.SlotLocker,
	clock lesson.Clock,
	cfg InitiatorConfig,
	log logrus.FieldLogger,
) *Initiator {
	if locker == nil {
		locker = slotlock.Nop{}
	}
	if clock == nil {
		clock = lesson.SystemClock{}
	}
	if cfg.CheckoutTTL <= 0 {
		cfg.CheckoutTTL = 30 * time.Minute
	}
	return &Initiator{
		store:   store,
		gateway: gateway,
		locker:  locker,
		clock:   clock,
		cfg:     cfg,
		log:     log,
	}
}

// Book creates the pending lesson for the calling student and a manual
// capture hold for its exact price.
func (i *Initiator) Book(ctx context.Context, actor lesson.Actor, req BookLessonRequest) (*lesson.Lesson, *Authorization, error) {
	if actor.UserID == "" {
		return nil, nil, ErrUnauthenticated
	}
	if req.Price < i.cfg.MinAmount {
		return nil, nil, fmt.Errorf("%w: price must be at least %d", ErrInvalidArgument, i.cfg.MinAmount)
	}
	if req.Duration <= 0 {
		return nil, nil, fmt.Errorf("%w: duration must be positive", ErrInvalidArgument)
	}
	if req.TutorID == actor.UserID {
		return nil, nil, fmt.Errorf("%w: tutors cannot book themselves", ErrInvalidArgument)
	}
	if !req.Date.After(i.clock.Now()) {
		return nil, nil, fmt.Errorf("%w: lesson date must be in the future", ErrInvalidArgument)
	}

	release, err := i.locker.Acquire(ctx, lesson.TutorLockKey(req.TutorID))
	if errors.Is(err, slotlock.ErrLocked) {
		return nil, nil, lesson.ErrSlotBusy
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lock tutor calendar: %w", err)
	}
	defer release()

	l := &lesson.Lesson{
		TutorID:    req.TutorID,
		StudentID:  actor.UserID,
		CourseCode: req.CourseCode,
		Date:       req.Date,
		Duration:   req.Duration,
		Price:      req.Price,
	}
	if err := i.store.CreatePending(ctx, l); err != nil {
		return nil, nil, err
	}

	entry := i.log.WithFields(logrus.Fields{"lesson_id": l.ID, "tutor_id": l.TutorID})

	auth, err := i.gateway.CreateAuthorization(ctx, l.Price, holdMetadata(l), "lesson-hold-"+l.ID)
	if err != nil {
		entry.WithError(err).Error("authorization hold failed, releasing slot")
		if _, derr := i.store.DeleteIfPending(ctx, l.ID); derr != nil {
			entry.WithError(derr).Error("release slot after failed hold")
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}

	ok, err := i.store.AttachPaymentIntent(ctx, l.ID, auth.IntentID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		// the webhook got here first and recorded the intent itself
		entry.WithField("payment_intent_id", auth.IntentID).Info("lesson already confirmed before intent attach")
	}
	l.PaymentIntentID = auth.IntentID

	entry.WithField("payment_intent_id", auth.IntentID).Info("lesson booked, awaiting payment")
	return l, auth, nil
}

// CreateAuthorization is the standalone booking-create callable. When the
// metadata names a lesson, it must be the caller's pending lesson and the
// amount must be its price; the lesson record then supplies the metadata.
func (i *Initiator) CreateAuthorization(ctx context.Context, actor lesson.Actor, req CreateIntentRequest) (*Authorization, error) {
	if actor.UserID == "" {
		return nil, ErrUnauthenticated
	}
	if req.Amount < i.cfg.MinAmount {
		return nil, fmt.Errorf("%w: amount must be at least %d", ErrInvalidArgument, i.cfg.MinAmount)
	}

	metadata := make(map[string]string, len(req.Metadata)+5)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata[MetaStudentID] = actor.UserID

	var l *lesson.Lesson
	if id := metadata[MetaLessonID]; id != "" {
		var err error
		if l, err = i.lessonForHold(ctx, actor, id, req.Amount); err != nil {
			return nil, err
		}
		for k, v := range holdMetadata(l) {
			metadata[k] = v
		}
	}

	idem := ""
	if l != nil {
		idem = "lesson-hold-" + l.ID + "-" + strconv.FormatInt(req.Amount, 10)
	}
	auth, err := i.gateway.CreateAuthorization(ctx, req.Amount, metadata, idem)
	if err != nil {
		i.log.WithError(err).WithField("student_id", actor.UserID).Error("create authorization failed")
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}

	if l != nil {
		i.attach(ctx, l.ID, auth.IntentID)
	}
	return auth, nil
}

// CreateCheckout starts a hosted checkout for the caller's pending lesson.
// Tutor, course, date and amount are taken from the lesson record; a body
// that disagrees with it is rejected. The session expires after the
// configured TTL (30 minutes by default).
func (i *Initiator) CreateCheckout(ctx context.Context, actor lesson.Actor, req CheckoutSessionRequest) (string, error) {
	if actor.UserID == "" {
		return "", ErrUnauthenticated
	}
	if req.Amount < i.cfg.MinAmount {
		return "", fmt.Errorf("%w: amount must be at least %d", ErrInvalidArgument, i.cfg.MinAmount)
	}
	if req.StudentID != actor.UserID {
		return "", ErrNotLessonStudent
	}

	l, err := i.lessonForHold(ctx, actor, req.LessonID, req.Amount)
	if err != nil {
		return "", err
	}
	if req.TutorID != l.TutorID {
		return "", fmt.Errorf("%w: tutor_id does not match the lesson", ErrInvalidArgument)
	}

	successURL, cancelURL := req.SuccessURL, req.CancelURL
	if successURL == "" {
		successURL = i.cfg.SuccessURL
	}
	if cancelURL == "" {
		cancelURL = i.cfg.CancelURL
	}
	if successURL == "" || cancelURL == "" {
		return "", fmt.Errorf("%w: success_url and cancel_url are required", ErrInvalidArgument)
	}

	url, err := i.gateway.CreateCheckoutSession(ctx, CheckoutRequest{
		LessonID:   l.ID,
		TutorID:    l.TutorID,
		StudentID:  l.StudentID,
		CourseCode: l.CourseCode,
		LessonDate: l.Date,
		Amount:     l.Price,
		SuccessURL: successURL,
		CancelURL:  cancelURL,
		ExpiresAt:  i.clock.Now().Add(i.cfg.CheckoutTTL),
	})
	if err != nil {
		i.log.WithError(err).WithField("lesson_id", l.ID).Error("create checkout session failed")
		return "", fmt.Errorf("%w: %v", ErrGateway, err)
	}
	return url, nil
}

// lessonForHold loads the lesson a new hold is meant to pay for.
func (i *Initiator) lessonForHold(ctx context.Context, actor lesson.Actor, lessonID string, amount int64) (*lesson.Lesson, error) {
	l, err := i.store.GetByID(ctx, lessonID)
	if errors.Is(err, lesson.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown lesson %s", ErrInvalidArgument, lessonID)
	}
	if err != nil {
		return nil, err
	}
	if l.StudentID != actor.UserID {
		return nil, ErrNotLessonStudent
	}
	if l.Status != lesson.StatusPendingPayment {
		return nil, fmt.Errorf("%w: lesson is %s", ErrLessonNotPending, l.Status)
	}
	if amount != l.Price {
		return nil, fmt.Errorf("%w: amount must equal the lesson price %d", ErrInvalidArgument, l.Price)
	}
	return l, nil
}

func (i *Initiator) attach(ctx context.Context, lessonID, intentID string) {
	entry := i.log.WithFields(logrus.Fields{"lesson_id": lessonID, "payment_intent_id": intentID})
	ok, err := i.store.AttachPaymentIntent(ctx, lessonID, intentID)
	if err != nil {
		entry.WithError(err).Warn("attach payment intent failed")
		return
	}
	if !ok {
		entry.Info("lesson already holds a payment intent")
	}
}

func holdMetadata(l *lesson.Lesson) map[string]string {
	return map[string]string{
		MetaLessonID:   l.ID,
		MetaTutorID:    l.TutorID,
		MetaStudentID:  l.StudentID,
		MetaCourseCode: l.CourseCode,
		MetaLessonDate: l.Date.UTC().Format(time.RFC3339),
	}
}

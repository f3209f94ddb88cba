package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tutorbook/internal/domain/lesson"
	"tutorbook/internal/domain/notification"
)

func TestCapture_CompletedLesson(t *testing.T) {
	env := newTestEnv(t)
	l := env.completed(t)

	res, err := env.capture.Capture(context.Background(), tutorActor, CaptureRequest{LessonID: l.ID, PaymentIntentID: l.PaymentIntentID})
	require.NoError(t, err)
	assert.Equal(t, "succeeded", res.Status)
	assert.Equal(t, l.PaymentIntentID, res.IntentID)

	assert.Equal(t, []captureCall{{IntentID: l.PaymentIntentID, Amount: 6500}}, env.gw.captureCalls())

	got := env.reload(t, l.ID)
	assert.Equal(t, lesson.PaymentCharged, got.PaymentStatus)
	assert.Equal(t, lesson.StatusCompleted, got.Status)
	assert.Equal(t, "tutor-1", got.CapturedBy)
	require.NotNil(t, got.PaymentCapturedAt)
	assert.True(t, got.PaymentCapturedAt.Equal(env.clock.Now()))
	assert.Contains(t, env.notes.types(), notification.TypePaymentCaptured)
}

func TestCapture_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, env *testEnv) (lesson.Actor, CaptureRequest)
		wantErr error
	}{
		{
			name: "anonymous",
			setup: func(t *testing.T, env *testEnv) (lesson.Actor, CaptureRequest) {
				l := env.completed(t)
				return lesson.Actor{}, CaptureRequest{LessonID: l.ID, PaymentIntentID: l.PaymentIntentID}
			},
			wantErr: ErrUnauthenticated,
		},
		{
			name: "unknown lesson",
			setup: func(t *testing.T, env *testEnv) (lesson.Actor, CaptureRequest) {
				env.completed(t)
				return tutorActor, CaptureRequest{LessonID: "missing", PaymentIntentID: "pi_1"}
			},
			wantErr: lesson.ErrNotFound,
		},
		{
			name: "not the tutor",
			setup: func(t *testing.T, env *testEnv) (lesson.Actor, CaptureRequest) {
				l := env.completed(t)
				return lesson.Actor{UserID: "tutor-2", Role: "tutor"}, CaptureRequest{LessonID: l.ID, PaymentIntentID: l.PaymentIntentID}
			},
			wantErr: ErrNotLessonTutor,
		},
		{
			name: "student cannot capture",
			setup: func(t *testing.T, env *testEnv) (lesson.Actor, CaptureRequest) {
				l := env.completed(t)
				return studentActor, CaptureRequest{LessonID: l.ID, PaymentIntentID: l.PaymentIntentID}
			},
			wantErr: ErrNotLessonTutor,
		},
		{
			name: "not completed",
			setup: func(t *testing.T, env *testEnv) (lesson.Actor, CaptureRequest) {
				l := env.scheduled(t)
				return tutorActor, CaptureRequest{LessonID: l.ID, PaymentIntentID: l.PaymentIntentID}
			},
			wantErr: ErrLessonNotCompleted,
		},
		{
			name: "intent mismatch",
			setup: func(t *testing.T, env *testEnv) (lesson.Actor, CaptureRequest) {
				l := env.completed(t)
				return tutorActor, CaptureRequest{LessonID: l.ID, PaymentIntentID: "pi_other"}
			},
			wantErr: ErrIntentMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			actor, req := tt.setup(t, env)
			before, _ := env.repo.GetByID(context.Background(), req.LessonID)

			_, err := env.capture.Capture(context.Background(), actor, req)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, env.gw.captureCalls())

			if before != nil {
				after := env.reload(t, req.LessonID)
				assert.Equal(t, before.PaymentStatus, after.PaymentStatus)
				assert.Equal(t, before.Version, after.Version)
			}
		})
	}
}

func TestCapture_AlreadyCharged(t *testing.T) {
	env := newTestEnv(t)
	l := env.completed(t)
	req := CaptureRequest{LessonID: l.ID, PaymentIntentID: l.PaymentIntentID}

	_, err := env.capture.Capture(context.Background(), tutorActor, req)
	require.NoError(t, err)

	_, err = env.capture.Capture(context.Background(), tutorActor, req)
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
	assert.Len(t, env.gw.captureCalls(), 1)
}

func TestCapture_GatewayAlreadyFinalized(t *testing.T) {
	env := newTestEnv(t)
	l := env.completed(t)
	env.gw.captureErr = ErrAlreadyFinalized

	_, err := env.capture.Capture(context.Background(), tutorActor, CaptureRequest{LessonID: l.ID, PaymentIntentID: l.PaymentIntentID})
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
	assert.Equal(t, lesson.PaymentPaid, env.reload(t, l.ID).PaymentStatus)
}

func TestCapture_GatewayError(t *testing.T) {
	env := newTestEnv(t)
	l := env.completed(t)
	env.gw.captureErr = errors.New("connection reset")

	_, err := env.capture.Capture(context.Background(), tutorActor, CaptureRequest{LessonID: l.ID, PaymentIntentID: l.PaymentIntentID})
	assert.ErrorIs(t, err, ErrGateway)
	assert.Equal(t, lesson.PaymentPaid, env.reload(t, l.ID).PaymentStatus)
}

func TestCapture_FullHoldWhenPartialDisabled(t *testing.T) {
	env := newTestEnv(t)
	l := env.completed(t)
	h := NewCaptureHandler(env.repo, env.gw, nil, env.clock, false, env.log)

	_, err := h.Capture(context.Background(), tutorActor, CaptureRequest{LessonID: l.ID, PaymentIntentID: l.PaymentIntentID})
	require.NoError(t, err)
	assert.Equal(t, int64(0), env.gw.captureCalls()[0].Amount)
}

func TestCaptureAmount(t *testing.T) {
	h := &CaptureHandler{allowPartial: true}

	assert.Equal(t, int64(6500), h.captureAmount(&lesson.Lesson{Price: 6500, PaymentAmount: 6500}))
	assert.Equal(t, int64(5000), h.captureAmount(&lesson.Lesson{Price: 6500, PaymentAmount: 5000}))
	assert.Equal(t, int64(4000), h.captureAmount(&lesson.Lesson{Price: 4000, PaymentAmount: 6500}))
	assert.Equal(t, int64(6500), h.captureAmount(&lesson.Lesson{Price: 6500}))
}

func TestCapture_CancelledLessonHoldReleased(t *testing.T) {
	env := newTestEnv(t)
	l := env.scheduled(t)

	_, err := env.lessons.Cancel(context.Background(), studentActor, l.ID, "sick")
	require.NoError(t, err)
	assert.Equal(t, []string{l.PaymentIntentID}, env.gw.refundCalls())

	got := env.reload(t, l.ID)
	assert.Equal(t, lesson.StatusCancelled, got.Status)
	assert.Equal(t, lesson.PaymentRefunded, got.PaymentStatus)

	env.clock.Set(lessonDate.Add(time.Hour))
	_, err = env.capture.Capture(context.Background(), tutorActor, CaptureRequest{LessonID: l.ID, PaymentIntentID: l.PaymentIntentID})
	assert.ErrorIs(t, err, ErrLessonNotCompleted)
}

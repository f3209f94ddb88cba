package payment

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"tutorbook/internal/domain/lesson"
	"tutorbook/internal/middleware"
	"tutorbook/internal/pkg/response"
	"tutorbook/internal/pkg/validator"
)

// maxWebhookBody matches the gateway's documented upper bound for event payloads.
const maxWebhookBody = 64 * 1024

const signatureHeader = "Stripe-Signature"

type Handler struct {
	initiator  *Initiator
	reconciler *Reconciler
	capture    *CaptureHandler
	gateway    Gateway
	ledger     *Ledger
	log        logrus.FieldLogger
}

func NewHandler(
	initiator *Initiator,
	reconciler *Reconciler,
	capture *CaptureHandler,
	gateway Gateway,
	ledger *Ledger,
	log logrus.FieldLogger,
) *Handler {
	return &Handler{
		initiator:  initiator,
		reconciler: reconciler,
		capture:    capture,
		gateway:    gateway,
		ledger:     ledger,
		log:        log,
	}
}

// RegisterWebhook mounts the gateway callback. It must sit outside bearer auth.
func (h *Handler) RegisterWebhook(rg *gin.RouterGroup) {
	rg.Any("/payments/webhook", h.Webhook)
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/lessons", h.BookLesson)

	payments := rg.Group("/payments")
	{
		payments.POST("/intents", h.CreateIntent)
		payments.POST("/checkout-sessions", h.CreateCheckoutSession)
		payments.POST("/capture", middleware.RequireRole(middleware.RoleTutor), h.Capture)
		payments.GET("/events/:lessonId", middleware.AdminOnly(), h.ListEvents)
	}
}

func (h *Handler) Webhook(c *gin.Context) {
	if c.Request.Method != http.MethodPost {
		c.Header("Allow", http.MethodPost)
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method not allowed"})
		return
	}

	signature := c.GetHeader(signatureHeader)
	if signature == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + signatureHeader + " header"})
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if len(payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing body"})
		return
	}

	ev, err := h.gateway.ConstructEvent(payload, signature)
	if err != nil {
		h.log.WithError(err).WithField("client_ip", c.ClientIP()).Warn("webhook rejected")
		c.JSON(http.StatusBadRequest, gin.H{"error": "webhook verification failed"})
		return
	}

	if _, err := h.reconciler.Handle(c.Request.Context(), ev); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *Handler) BookLesson(c *gin.Context) {
	var req BookLessonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithDetails(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body", validator.Fields(err))
		return
	}

	l, auth, err := h.initiator.Book(c.Request.Context(), lesson.ActorFrom(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusCreated, gin.H{
		"lesson":       l,
		"clientSecret": auth.ClientSecret,
	})
}

func (h *Handler) CreateIntent(c *gin.Context) {
	var req CreateIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, ErrInvalidArgument)
		return
	}

	auth, err := h.initiator.CreateAuthorization(c.Request.Context(), lesson.ActorFrom(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"clientSecret": auth.ClientSecret})
}

func (h *Handler) CreateCheckoutSession(c *gin.Context) {
	var req CheckoutSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithDetails(c, http.StatusBadRequest, "invalid-argument", "Invalid request body", validator.Fields(err))
		return
	}

	url, err := h.initiator.CreateCheckout(c.Request.Context(), lesson.ActorFrom(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (h *Handler) Capture(c *gin.Context) {
	var req CaptureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithDetails(c, http.StatusBadRequest, "invalid-argument", "lessonId and paymentIntentId are required", validator.Fields(err))
		return
	}

	res, err := h.capture.Capture(c.Request.Context(), lesson.ActorFrom(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"paymentIntent": gin.H{
			"id":     res.IntentID,
			"status": res.Status,
		},
	})
}

func (h *Handler) ListEvents(c *gin.Context) {
	events, err := h.ledger.ForLesson(c.Request.Context(), c.Param("lessonId"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"events": events})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		response.Error(c, http.StatusUnauthorized, "unauthenticated", "Authentication required")
	case errors.Is(err, ErrInvalidArgument):
		response.Error(c, http.StatusBadRequest, "invalid-argument", err.Error())
	case errors.Is(err, ErrNotLessonTutor):
		response.Error(c, http.StatusForbidden, "permission-denied", "Only the lesson's tutor can capture payment")
	case errors.Is(err, ErrNotLessonStudent):
		response.Error(c, http.StatusForbidden, "permission-denied", "Only the lesson's student can pay for it")
	case errors.Is(err, ErrLessonNotPending):
		response.Error(c, http.StatusBadRequest, "failed-precondition", err.Error())
	case errors.Is(err, ErrLessonNotCompleted):
		response.Error(c, http.StatusBadRequest, "failed-precondition", err.Error())
	case errors.Is(err, ErrIntentMismatch):
		response.Error(c, http.StatusBadRequest, "invalid-argument", "Payment intent does not match the lesson")
	case errors.Is(err, ErrAlreadyFinalized):
		response.Error(c, http.StatusBadRequest, "already-finalized", "Payment was already captured or released")
	case errors.Is(err, lesson.ErrNotFound):
		response.Error(c, http.StatusNotFound, "not-found", "Lesson not found")
	case errors.Is(err, ErrGateway):
		_ = c.Error(err)
		response.Error(c, http.StatusInternalServerError, "internal", "Payment provider error")
	default:
		lesson.WriteError(c, err)
	}
}

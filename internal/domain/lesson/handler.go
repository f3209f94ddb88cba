package lesson

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"tutorbook/internal/middleware"
	"tutorbook/internal/pkg/response"
	"tutorbook/internal/pkg/validator"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/lessons", h.ListLessons)
	rg.GET("/lessons/:id", h.GetLesson)

	rg.PATCH("/lessons/:id/reschedule", h.RescheduleLesson)
	rg.PATCH("/lessons/:id/cancel", h.CancelLesson)
	rg.PATCH("/lessons/:id/complete", middleware.RequireRole(middleware.RoleTutor), h.CompleteLesson)
}

func ActorFrom(c *gin.Context) Actor {
	return Actor{
		UserID: c.GetString(middleware.ContextUserID),
		Role:   c.GetString(middleware.ContextRole),
	}
}

func (h *Handler) ListLessons(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	lessons, err := h.service.List(c.Request.Context(), ActorFrom(c), limit)
	if err != nil {
		WriteError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"lessons": lessons})
}

func (h *Handler) GetLesson(c *gin.Context) {
	l, err := h.service.Get(c.Request.Context(), ActorFrom(c), c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"lesson": l})
}

func (h *Handler) RescheduleLesson(c *gin.Context) {
	var req RescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithDetails(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body", validator.Fields(err))
		return
	}

	l, err := h.service.Reschedule(c.Request.Context(), ActorFrom(c), c.Param("id"), req.Date)
	if err != nil {
		WriteError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"lesson": l})
}

func (h *Handler) CancelLesson(c *gin.Context) {
	var req CancelRequest
	// body is optional
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ErrorWithDetails(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body", validator.Fields(err))
			return
		}
	}

	l, err := h.service.Cancel(c.Request.Context(), ActorFrom(c), c.Param("id"), req.Reason)
	if err != nil {
		WriteError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"lesson": l})
}

func (h *Handler) CompleteLesson(c *gin.Context) {
	var req CompleteRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ErrorWithDetails(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body", validator.Fields(err))
			return
		}
	}

	l, err := h.service.Complete(c.Request.Context(), ActorFrom(c), c.Param("id"), req.Notes)
	if err != nil {
		WriteError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"lesson": l})
}

// WriteError maps lesson errors onto the response envelope.
func WriteError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		response.Error(c, http.StatusNotFound, "NOT_FOUND", "Lesson not found")
	case errors.Is(err, ErrForbidden):
		response.Error(c, http.StatusForbidden, "FORBIDDEN", "You are not allowed to change this lesson")
	case errors.Is(err, ErrValidation):
		response.Error(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, ErrOutsideModificationWindow):
		response.Error(c, http.StatusBadRequest, "OUTSIDE_MODIFICATION_WINDOW", "Lessons can only be changed at least 24 hours before they start")
	case errors.Is(err, ErrLessonNotStarted):
		response.Error(c, http.StatusBadRequest, "LESSON_NOT_STARTED", "Lesson has not started yet")
	case errors.Is(err, ErrInvalidStatusTransition):
		response.Error(c, http.StatusConflict, "INVALID_STATUS_TRANSITION", err.Error())
	case errors.Is(err, ErrSlotTaken):
		response.Error(c, http.StatusConflict, "SLOT_TAKEN", "Tutor is not available at the selected time")
	case errors.Is(err, ErrSlotBusy):
		response.Error(c, http.StatusConflict, "SLOT_BUSY", "Another booking for this tutor is in progress, try again")
	case errors.Is(err, ErrConcurrentUpdate):
		response.Error(c, http.StatusConflict, "CONCURRENT_UPDATE", "Lesson was changed by someone else, reload and retry")
	default:
		_ = c.Error(err)
		response.Error(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}

package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/labqueue-io/lab-queue-api/internal/models"
	"github.com/labqueue-io/lab-queue-api/internal/service"
	appErrors "github.com/labqueue-io/lab-queue-api/pkg/errors"
	"github.com/labqueue-io/lab-queue-api/pkg/response"
)

type queueService interface {
	Join(ctx context.Context, actor *models.JWTClaims, req service.JoinQueueRequest) (*models.JoinResult, error)
	State(ctx context.Context, actor *models.JWTClaims, sessionID string) (*models.QueueState, error)
	Complete(ctx context.Context, actor *models.JWTClaims, entryID string) (*models.QueueEntry, error)
	Withdraw(ctx context.Context, actor *models.JWTClaims, sessionID string) error
}

// QueueHandler exposes the queue endpoints.
type QueueHandler struct {
	queue queueService
}

// NewQueueHandler constructs QueueHandler.
func NewQueueHandler(queue queueService) *QueueHandler {
	return &QueueHandler{queue: queue}
}

// Join godoc
// @Summary Join today's queue for a subject
// @Tags Queue
// @Security BearerAuth
// @Accept json
// @Produce json
// @Param payload body service.JoinQueueRequest true "Join payload"
// @Success 201 {object} response.Envelope
// @Router /queue/join [post]
func (h *QueueHandler) Join(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req service.JoinQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.queue.Join(c.Request.Context(), claims, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// State godoc
// @Summary Session queue state
// @Tags Queue
// @Security BearerAuth
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/queue [get]
func (h *QueueHandler) State(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	state, err := h.queue.State(c.Request.Context(), claims, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, state, nil)
}

// Complete godoc
// @Summary Finish the caller's defense
// @Tags Queue
// @Security BearerAuth
// @Produce json
// @Param id path string true "Queue entry ID"
// @Success 200 {object} response.Envelope
// @Router /queue/entries/{id}/complete [post]
func (h *QueueHandler) Complete(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	entry, err := h.queue.Complete(c.Request.Context(), claims, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entry, nil)
}

// Withdraw godoc
// @Summary Leave the session's queue
// @Tags Queue
// @Security BearerAuth
// @Param id path string true "Session ID"
// @Success 204
// @Router /sessions/{id}/withdraw [post]
func (h *QueueHandler) Withdraw(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := h.queue.Withdraw(c.Request.Context(), claims, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

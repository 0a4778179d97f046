package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/labqueue-io/lab-queue-api/internal/service"
	"github.com/labqueue-io/lab-queue-api/pkg/response"
)

// SessionHandler exposes session listing, materialization and export.
type SessionHandler struct {
	sessions *service.SessionService
	exports  *service.ExportService
}

// NewSessionHandler constructs SessionHandler.
func NewSessionHandler(sessions *service.SessionService, exports *service.ExportService) *SessionHandler {
	return &SessionHandler{sessions: sessions, exports: exports}
}

// List godoc
// @Summary Today's pending and active sessions
// @Tags Sessions
// @Security BearerAuth
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /sessions [get]
func (h *SessionHandler) List(c *gin.Context) {
	now := time.Now()
	h.sessions.EnsureForDate(c.Request.Context(), now)
	sessions, err := h.sessions.ListForDate(c.Request.Context(), now)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, sessions, nil)
}

// Get godoc
// @Summary Get one session
// @Tags Sessions
// @Security BearerAuth
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id} [get]
func (h *SessionHandler) Get(c *gin.Context) {
	detail, err := h.sessions.FindDetail(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// Materialize godoc
// @Summary Rebuild today's sessions from schedule rules
// @Description Destructive: existing sessions for matching rules are replaced together with their queues.
// @Tags Sessions
// @Security BearerAuth
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /sessions/materialize [post]
func (h *SessionHandler) Materialize(c *gin.Context) {
	result, err := h.sessions.Materialize(c.Request.Context(), time.Now())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Export godoc
// @Summary Export the session's queue sheet
// @Tags Sessions
// @Security BearerAuth
// @Produce text/csv
// @Produce application/pdf
// @Param id path string true "Session ID"
// @Param format query string false "csv or pdf" default(csv)
// @Success 200 {file} binary
// @Router /sessions/{id}/export [get]
func (h *SessionHandler) Export(c *gin.Context) {
	format := c.DefaultQuery("format", "csv")
	result, err := h.exports.Export(c.Request.Context(), c.Param("id"), format)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	c.Data(http.StatusOK, result.ContentType, result.Data)
}

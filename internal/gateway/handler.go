package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bizmatters/agent-builder/app-orchestrator/internal/conversation"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/logger"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/models"
	"github.com/bizmatters/agent-builder/app-orchestrator/internal/orchestration"
)

// ConversationService serves the REST view of conversations
type ConversationService interface {
	ClientState(ctx context.Context, conversationID string) (models.ClientState, error)
	ReleaseContainer(ctx context.Context, conversationID string) error
}

// ReadinessCheck reports whether a dependency can serve traffic
type ReadinessCheck func(ctx context.Context) error

// Handler handles HTTP requests for the gateway layer
type Handler struct {
	service ConversationService
	checks  map[string]ReadinessCheck
	log     *logger.Logger
}

// NewHandler creates a new gateway handler
func NewHandler(service ConversationService, checks map[string]ReadinessCheck, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		service: service,
		checks:  checks,
		log:     log.Component("gateway"),
	}
}

// ConversationStateResponse is the resumable state of a conversation
type ConversationStateResponse struct {
	ConversationID string             `json:"conversationId"`
	ClientState    models.ClientState `json:"clientState"`
}

// Health godoc
// @Summary Liveness probe
// @Tags health
// @Produce json
// @Success 200 {object} map[string]string
// @Router /health [get]
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Ready godoc
// @Summary Readiness probe
// @Description Checks the snapshot store and other configured dependencies
// @Tags health
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 503 {object} models.ErrorResponse
// @Router /ready [get]
func (h *Handler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.log.Warn().Err(err).Str("dependency", name).Msg("readiness check failed")
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{
			Error:   "not ready",
			Code:    models.ErrCodeNotReady,
			Details: failed,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// GetConversationState godoc
// @Summary Get conversation state
// @Description Returns the client state needed to resume a conversation
// @Tags conversations
// @Produce json
// @Param id path string true "Conversation ID"
// @Success 200 {object} ConversationStateResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /conversations/{id}/state [get]
func (h *Handler) GetConversationState(c *gin.Context) {
	id := c.Param("id")
	state, err := h.service.ClientState(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, ConversationStateResponse{ConversationID: id, ClientState: state})
}

// ReleaseContainer godoc
// @Summary Release conversation container
// @Description Cleans up the execution environment assigned to a conversation
// @Tags conversations
// @Param id path string true "Conversation ID"
// @Success 204
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Failure 502 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /conversations/{id}/container [delete]
func (h *Handler) ReleaseContainer(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.ReleaseContainer(c.Request.Context(), id); err != nil {
		h.respondError(c, id, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) respondError(c *gin.Context, id string, err error) {
	switch {
	case errors.Is(err, conversation.ErrInvalidConversationID):
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid conversation ID", Code: models.ErrCodeInvalidConversationID})
	case errors.Is(err, orchestration.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "Conversation not found", Code: models.ErrCodeNotFound})
	case errors.Is(err, orchestration.ErrConversationBusy):
		c.JSON(http.StatusConflict, models.ErrorResponse{Error: "Conversation has a turn in progress", Code: models.ErrCodeConversationBusy})
	default:
		h.log.Error().Err(err).Str("conversation_id", id).Str("path", c.FullPath()).Msg("request failed")
		_ = c.Error(err)
		c.JSON(http.StatusBadGateway, models.ErrorResponse{Error: "Upstream dependency failed", Code: models.ErrCodeContainerUnavailable})
	}
}

// RequestLogger emits one structured line per request
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	if log == nil {
		log = logger.Nop()
	}
	log = log.Component("http")

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := log.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = log.Error()
		}
		event = event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Int64("latency_ms", time.Since(start).Milliseconds()).
			Str("client_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent())
		if userID := c.GetString("user_id"); userID != "" {
			event = event.Str("user_id", userID)
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}
		event.Msg("request")
	}
}

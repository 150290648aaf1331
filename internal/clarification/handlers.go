// Package clarification provides types and services for agent clarification
// requests — the HTTP/store-backed mechanism underlying the Agent Session's
// waiting_for_input processing state and its pendingQuestion payload.
package clarification

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sessiond/core/internal/common/logger"
	wsmsg "github.com/sessiond/core/pkg/websocket"
	"go.uber.org/zap"
)

// Broadcaster sends WebSocket notifications to a session's subscribers.
type Broadcaster interface {
	BroadcastToSession(sessionID string, msg *wsmsg.Message)
}

// MessageCreator persists the clarification question/answer as part of the
// session's message history so a late-joining client reconstructs the
// pending question from history alone.
type MessageCreator interface {
	CreateClarificationRequestMessage(ctx context.Context, sessionID, pendingID string, question Question, clarificationContext string) (string, error)
	UpdateClarificationMessage(ctx context.Context, sessionID, pendingID, status string, answer *Answer) error
}

// Handlers provides HTTP handlers for clarification requests.
type Handlers struct {
	store          *Store
	hub            Broadcaster
	messageCreator MessageCreator
	logger         *logger.Logger
}

// NewHandlers creates new clarification handlers.
func NewHandlers(store *Store, hub Broadcaster, messageCreator MessageCreator, log *logger.Logger) *Handlers {
	return &Handlers{
		store:          store,
		hub:            hub,
		messageCreator: messageCreator,
		logger:         log.WithFields(zap.String("component", "clarification-handlers")),
	}
}

// RegisterRoutes registers clarification HTTP routes.
func RegisterRoutes(router *gin.Engine, store *Store, hub Broadcaster, messageCreator MessageCreator, log *logger.Logger) {
	h := NewHandlers(store, hub, messageCreator, log)
	api := router.Group("/api/v1/clarification")
	api.POST("/request", h.httpCreateRequest)
	api.GET("/:id", h.httpGetRequest)
	api.GET("/:id/wait", h.httpWaitForResponse)
	api.POST("/:id/respond", h.httpRespond)
}

// CreateRequestBody is the request body for creating a clarification request.
type CreateRequestBody struct {
	SessionID string   `json:"sessionId" binding:"required"`
	Question  Question `json:"question" binding:"required"`
	Context   string   `json:"context"`
}

// CreateRequestResponse is the response for creating a clarification request.
type CreateRequestResponse struct {
	PendingID string `json:"pendingId"`
}

func (h *Handlers) httpCreateRequest(c *gin.Context) {
	var body CreateRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}

	if body.Question.ID == "" {
		body.Question.ID = "q1"
	}
	for j := range body.Question.Options {
		if body.Question.Options[j].ID == "" {
			body.Question.Options[j].ID = generateOptionID(0, j)
		}
	}

	req := &Request{
		SessionID: body.SessionID,
		Question:  body.Question,
		Context:   body.Context,
	}

	pendingID := h.store.CreateRequest(req)

	if h.messageCreator != nil {
		_, err := h.messageCreator.CreateClarificationRequestMessage(
			c.Request.Context(),
			body.SessionID,
			pendingID,
			body.Question,
			body.Context,
		)
		if err != nil {
			h.logger.Error("failed to create clarification request message",
				zap.String("pending_id", pendingID),
				zap.String("session_id", body.SessionID),
				zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, CreateRequestResponse{PendingID: pendingID})
}

func (h *Handlers) httpGetRequest(c *gin.Context) {
	pendingID := c.Param("id")

	req, ok := h.store.GetRequest(pendingID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "clarification request not found"})
		return
	}

	c.JSON(http.StatusOK, req)
}

func (h *Handlers) httpWaitForResponse(c *gin.Context) {
	pendingID := c.Param("id")
	resp, err := h.store.WaitForResponse(c.Request.Context(), pendingID)
	if err != nil {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// RespondBody is the request body for responding to a clarification request.
type RespondBody struct {
	Answers      []Answer `json:"answers"` // array for client symmetry; only the first is used
	Rejected     bool     `json:"rejected"`
	RejectReason string   `json:"rejectReason"`
}

func (h *Handlers) httpRespond(c *gin.Context) {
	pendingID := c.Param("id")

	var body RespondBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}

	pending, ok := h.store.GetRequest(pendingID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "clarification request not found"})
		return
	}

	var answer *Answer
	if len(body.Answers) > 0 {
		answer = &body.Answers[0]
	}

	resp := &Response{
		PendingID:    pendingID,
		Answer:       answer,
		Rejected:     body.Rejected,
		RejectReason: body.RejectReason,
		RespondedAt:  time.Now(),
	}

	if err := h.store.Respond(pendingID, resp); err != nil {
		h.logger.Warn("failed to respond to clarification",
			zap.String("pending_id", pendingID),
			zap.Error(err))
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	status := "answered"
	if body.Rejected {
		status = "rejected"
	}
	if h.messageCreator != nil {
		if err := h.messageCreator.UpdateClarificationMessage(c.Request.Context(), pending.SessionID, pendingID, status, answer); err != nil {
			h.logger.Warn("failed to update clarification message",
				zap.String("pending_id", pendingID),
				zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func generateOptionID(questionIndex, optionIndex int) string {
	return fmt.Sprintf("q%d_opt%d", questionIndex+1, optionIndex+1)
}

package http

import (
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/finresearch/backend/internal/coordinator"
	"github.com/finresearch/backend/internal/domain"
)

// RunStartRequest is the body of the run endpoints.
type RunStartRequest struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	Question       string `json:"question"`
}

// StartRun accepts an async run request. It returns as soon as the
// publish/dedup decision is made; completion flows over the event stream.
// POST /api/agent/start
func (h *Handler) StartRun(c echo.Context) error {
	var req RunStartRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	res, err := h.svc.Coordinator().StartRun(c.Request().Context(), req.UserID, req.ConversationID, req.Question)
	if err != nil {
		return runError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]string{
		"status":         "ok",
		"id":             domain.RunID(req.UserID, req.ConversationID),
		"channel":        res.Topic,
		"checkpoint_key": res.CheckpointKey,
	})
}

// RunBlocking runs the workflow fully and returns the final state.
// POST /api/agent/run
func (h *Handler) RunBlocking(c echo.Context) error {
	var req RunStartRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	result, err := h.svc.Coordinator().RunBlocking(c.Request().Context(), req.UserID, req.ConversationID, req.Question)
	if err != nil {
		return runError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": "ok",
		"result": result,
	})
}

// Stream serves the persistent event stream for a conversation.
// GET /api/agent/stream?user_id=&conversation_id=&question=
func (h *Handler) Stream(c echo.Context) error {
	userID := c.QueryParam("user_id")
	conversationID := c.QueryParam("conversation_id")
	question := c.QueryParam("question")
	if userID == "" || conversationID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id and conversation_id are required"})
	}

	return h.relay.Stream(c, userID, conversationID, question)
}

// GetCheckpoint returns the stored checkpoint document, or an exists:false
// shape when the conversation has none.
// GET /api/agent/checkpoint?user_id=&conversation_id=
func (h *Handler) GetCheckpoint(c echo.Context) error {
	userID := c.QueryParam("user_id")
	conversationID := c.QueryParam("conversation_id")
	if userID == "" || conversationID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id and conversation_id are required"})
	}

	cp, err := h.svc.GetCheckpoint(c.Request().Context(), userID, conversationID)
	if err != nil {
		log.Printf("ERROR: failed to read checkpoint: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to read checkpoint"})
	}
	if cp == nil {
		return c.JSON(http.StatusOK, map[string]bool{"exists": false})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"exists":     true,
		"checkpoint": cp,
	})
}

func runError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, coordinator.ErrInvalidArgument):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, coordinator.ErrPolicyBlocked):
		return c.JSON(http.StatusForbidden, map[string]string{"error": err.Error()})
	default:
		log.Printf("ERROR: run request failed: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

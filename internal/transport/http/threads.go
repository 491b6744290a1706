package http

import (
	"log"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// AppendMessageRequest is the body for appending a conversation message.
type AppendMessageRequest struct {
	UserID  string `json:"user_id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AppendMessage appends a message to a thread. Persistence is best-effort:
// a storage failure is reported in the response body, not as an HTTP error,
// and the message is still mirrored into the checkpoint.
// POST /api/threads/:conversation_id/messages
func (h *Handler) AppendMessage(c echo.Context) error {
	conversationID := c.Param("conversation_id")

	var req AppendMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.UserID == "" || req.Content == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id and content are required"})
	}
	if req.Role == "" {
		req.Role = "user"
	}

	msg, persistErr := h.svc.AppendMessage(c.Request().Context(), req.UserID, conversationID, req.Role, req.Content)

	resp := map[string]interface{}{
		"status":    "ok",
		"message":   msg,
		"persisted": persistErr == nil,
	}
	if persistErr != nil {
		resp["error"] = persistErr.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

// GetMessages lists a thread's messages.
// GET /api/threads/:conversation_id/messages?user_id=&limit=
func (h *Handler) GetMessages(c echo.Context) error {
	conversationID := c.Param("conversation_id")
	userID := c.QueryParam("user_id")
	if userID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id is required"})
	}

	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}

	messages, err := h.svc.GetMessages(c.Request().Context(), userID, conversationID, limit)
	if err != nil {
		log.Printf("ERROR: failed to get messages: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get messages"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"messages": messages})
}

// DeleteThread deletes a conversation: thread rows, checkpoint, and a
// thread_deleted event on the topic so any open relay stops.
// DELETE /api/threads/:conversation_id?user_id=
func (h *Handler) DeleteThread(c echo.Context) error {
	conversationID := c.Param("conversation_id")
	userID := c.QueryParam("user_id")
	if userID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id is required"})
	}

	if err := h.svc.DeleteThread(c.Request().Context(), userID, conversationID); err != nil {
		log.Printf("ERROR: failed to delete thread: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to delete thread"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

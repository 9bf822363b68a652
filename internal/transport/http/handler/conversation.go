package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"botgpt/internal/app"
	"botgpt/internal/model"
	"botgpt/internal/transport/http/response"
)

type ConversationHandler struct {
	conversations *app.ConversationService
}

type CreateConversationRequest struct {
	FirstMessage string `json:"first_message" binding:"required"`
	Mode         string `json:"mode"`
	DocumentIDs  []uint `json:"document_ids"`
}

type AddMessageRequest struct {
	Message string `json:"message" binding:"required"`
}

func NewConversationHandler(conversations *app.ConversationService) *ConversationHandler {
	return &ConversationHandler{conversations: conversations}
}

func (h *ConversationHandler) Create(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	detail, err := h.conversations.Create(c.Request.Context(), app.CreateConversationInput{
		UserID:       userID,
		FirstMessage: req.FirstMessage,
		Mode:         model.Mode(req.Mode),
		DocumentIDs:  req.DocumentIDs,
	})
	if err != nil {
		writeError(c, err, "create conversation failed")
		return
	}
	response.Created(c, detail)
}

func (h *ConversationHandler) List(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	page, pageSize, ok := parsePage(c)
	if !ok {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid pagination parameters")
		return
	}

	result, err := h.conversations.List(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		writeError(c, err, "list conversations failed")
		return
	}
	response.OK(c, result)
}

func (h *ConversationHandler) Get(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid conversation id")
		return
	}

	detail, err := h.conversations.Get(c.Request.Context(), userID, id)
	if err != nil {
		writeError(c, err, "get conversation failed")
		return
	}
	response.OK(c, detail)
}

// AddMessage answers synchronously with the assistant message, which is the
// fallback notice when the model could not be reached.
func (h *ConversationHandler) AddMessage(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid conversation id")
		return
	}

	var req AddMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	msg, err := h.conversations.AddMessage(c.Request.Context(), userID, id, req.Message)
	if err != nil {
		writeError(c, err, "add message failed")
		return
	}
	response.OK(c, msg)
}

func (h *ConversationHandler) Delete(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid conversation id")
		return
	}

	if err := h.conversations.Delete(c.Request.Context(), userID, id); err != nil {
		writeError(c, err, "delete conversation failed")
		return
	}
	response.NoContent(c)
}

func (h *ConversationHandler) Usage(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid conversation id")
		return
	}

	report, err := h.conversations.Usage(c.Request.Context(), userID, id)
	if err != nil {
		writeError(c, err, "load usage failed")
		return
	}
	response.OK(c, report)
}

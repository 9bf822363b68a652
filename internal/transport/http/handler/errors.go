package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"botgpt/internal/app"
	"botgpt/internal/transport/http/middleware"
	"botgpt/internal/transport/http/response"
)

// writeError maps service errors onto the response envelope. Anything it
// does not recognise is logged and reported as fallback.
func writeError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, app.ErrInvalidInput):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	case errors.Is(err, app.ErrMessageEmpty), errors.Is(err, app.ErrMessageTooLong):
		response.Error(c, http.StatusBadRequest, response.CodeMessageInvalid, err.Error())
	case errors.Is(err, app.ErrInvalidMode):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	case errors.Is(err, app.ErrDocumentsRequired):
		response.Error(c, http.StatusBadRequest, response.CodeDocumentsRequired, err.Error())
	case errors.Is(err, app.ErrDocumentEmpty), errors.Is(err, app.ErrDocumentFilenameSize),
		errors.Is(err, app.ErrDocumentUnreadable):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	case errors.Is(err, app.ErrUnsupportedFileType):
		response.Error(c, http.StatusBadRequest, response.CodeUnsupportedFile, err.Error())
	case errors.Is(err, app.ErrDocumentTooLarge):
		response.Error(c, http.StatusRequestEntityTooLarge, response.CodeDocumentTooLarge, err.Error())
	case errors.Is(err, app.ErrConversationNotFound):
		response.Error(c, http.StatusNotFound, response.CodeConversationNotFound, err.Error())
	case errors.Is(err, app.ErrDocumentNotFound):
		response.Error(c, http.StatusNotFound, response.CodeDocumentNotFound, err.Error())
	case errors.Is(err, app.ErrConfiguration):
		slog.Default().Error("configuration error", "request_id", middleware.RequestIDFrom(c), "error", err)
		response.Error(c, http.StatusInternalServerError, response.CodeConfiguration, "service is misconfigured")
	default:
		slog.Default().Error(fallback, "request_id", middleware.RequestIDFrom(c), "error", err)
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, fallback)
	}
}

func getUserIDFromContext(c *gin.Context) (uint, bool) {
	userIDAny, exists := c.Get(middleware.ContextUserIDKey)
	if !exists {
		return 0, false
	}
	userID, ok := userIDAny.(uint)
	return userID, ok
}

func parseID(c *gin.Context, name string) (uint, bool) {
	id64, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id64 == 0 {
		return 0, false
	}
	return uint(id64), true
}

// parsePage reads page and page_size. Missing values take the defaults;
// present but out of range values are rejected.
func parsePage(c *gin.Context) (page, pageSize int, ok bool) {
	page, pageSize = 1, app.DefaultPageSize
	if raw := c.Query("page"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return 0, 0, false
		}
		page = v
	}
	if raw := c.Query("page_size"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > app.MaxPageSize {
			return 0, 0, false
		}
		pageSize = v
	}
	return page, pageSize, true
}

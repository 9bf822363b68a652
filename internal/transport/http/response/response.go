package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeOK                   = 0
	CodeBadRequest           = 40000
	CodeUsernameExists       = 40001
	CodeEmailExists          = 40002
	CodeMessageInvalid       = 40003
	CodeDocumentsRequired    = 40004
	CodeUnsupportedFile      = 40005
	CodeDocumentTooLarge     = 40006
	CodeUnauthorized         = 40100
	CodeInvalidCredentials   = 40101
	CodeConversationNotFound = 40401
	CodeDocumentNotFound     = 40402
	CodeInternalServer       = 50000
	CodeConfiguration        = 50001
)

type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Code:    CodeOK,
		Message: "ok",
		Data:    data,
	})
}

func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, APIResponse{
		Code:    CodeOK,
		Message: "created",
		Data:    data,
	})
}

func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

func Error(c *gin.Context, httpStatus, code int, message string) {
	c.JSON(httpStatus, APIResponse{
		Code:    code,
		Message: message,
	})
}

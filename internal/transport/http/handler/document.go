package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"botgpt/internal/app"
	"botgpt/internal/transport/http/response"
)

type DocumentHandler struct {
	documents *app.DocumentService
}

type CreateDocumentRequest struct {
	Filename string                 `json:"filename" binding:"max=255"`
	Content  string                 `json:"content" binding:"required"`
	Metadata map[string]interface{} `json:"metadata"`
}

func NewDocumentHandler(documents *app.DocumentService) *DocumentHandler {
	return &DocumentHandler{documents: documents}
}

func (h *DocumentHandler) Create(c *gin.Context) {
	var req CreateDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	doc, err := h.documents.Create(c.Request.Context(), app.CreateDocumentInput{
		Filename: req.Filename,
		Content:  req.Content,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeError(c, err, "create document failed")
		return
	}
	response.Created(c, doc)
}

// Upload accepts a multipart form whose "file" field holds a PDF.
func (h *DocumentHandler) Upload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "missing file")
		return
	}

	f, err := file.Open()
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "failed to read file")
		return
	}
	defer f.Close()

	doc, err := h.documents.UploadPDF(c.Request.Context(), file.Filename, f)
	if err != nil {
		writeError(c, err, "upload document failed")
		return
	}
	response.Created(c, doc)
}

func (h *DocumentHandler) List(c *gin.Context) {
	page, pageSize, ok := parsePage(c)
	if !ok {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid pagination parameters")
		return
	}
	result, err := h.documents.List(c.Request.Context(), page, pageSize)
	if err != nil {
		writeError(c, err, "list documents failed")
		return
	}
	response.OK(c, result)
}

func (h *DocumentHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid document id")
		return
	}
	doc, err := h.documents.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err, "get document failed")
		return
	}
	response.OK(c, doc)
}

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	nethttp "net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"botgpt/internal/ai"
	"botgpt/internal/app"
	"botgpt/internal/bootstrap"
	"botgpt/internal/config"
	"botgpt/internal/model"
	"botgpt/internal/pipeline"
	"botgpt/internal/transport/http/response"
)

type stubGateway struct {
	err error
}

func (g stubGateway) Complete(_ context.Context, assembled pipeline.AssembledContext, modelName string) (*ai.Reply, error) {
	if g.err != nil {
		return nil, g.err
	}
	return &ai.Reply{
		Content:          fmt.Sprintf("answer to %d messages", len(assembled.Messages)),
		Model:            modelName,
		PromptTokens:     assembled.Tokens,
		CompletionTokens: 4,
		TokensUsed:       assembled.Tokens + 4,
		Attempts:         1,
	}, nil
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestRouter(t *testing.T, gateway app.ModelGateway, env map[string]string, opts ...bootstrap.Option) *gin.Engine {
	t.Helper()
	t.Setenv("CONFIG_FILE", "testdata/missing.toml")
	t.Setenv("ENV_FILE", "testdata/missing.env")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", ":memory:")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("RABBITMQ_ENABLED", "false")
	t.Setenv("GIN_MODE", gin.TestMode)
	t.Setenv("LOG_LEVEL", "error")
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	opts = append([]bootstrap.Option{bootstrap.WithGateway(gateway)}, opts...)
	a, err := bootstrap.Build(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return NewRouter(a)
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}, header map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode %s %s response %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec, env
}

type conversationDetail struct {
	ID          uint   `json:"id"`
	Title       string `json:"title"`
	Mode        string `json:"mode"`
	DocumentIDs []uint `json:"document_ids"`
	Messages    []struct {
		Role       string  `json:"role"`
		Content    string  `json:"content"`
		TokensUsed int     `json:"tokens_used"`
		ModelUsed  *string `json:"model_used"`
	} `json:"messages"`
}

func TestHealthAndBanner(t *testing.T) {
	router := newTestRouter(t, stubGateway{}, nil)

	rec, _ := doJSON(t, router, nethttp.MethodGet, "/", nil, nil)
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("banner status = %d", rec.Code)
	}

	for _, path := range []string{"/health", "/healthz"} {
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(nethttp.MethodGet, path, nil))
		if rec.Code != nethttp.StatusOK {
			t.Fatalf("%s status = %d body=%s", path, rec.Code, rec.Body.String())
		}
		var body struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode health: %v", err)
		}
		if body.Status != "healthy" {
			t.Fatalf("%s status = %q", path, body.Status)
		}
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}
}

func TestConversationLifecycle(t *testing.T) {
	router := newTestRouter(t, stubGateway{}, nil)

	rec, env := doJSON(t, router, nethttp.MethodPost, "/api/v1/conversations", gin.H{
		"first_message": "Hello there, what can you do?",
	}, nil)
	if rec.Code != nethttp.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body.String())
	}
	var created conversationDetail
	if err := json.Unmarshal(env.Data, &created); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if created.Mode != "open" || created.Title != "Hello there, what can you do?" {
		t.Fatalf("unexpected conversation %+v", created)
	}
	if len(created.Messages) != 2 || created.Messages[0].Role != "user" || created.Messages[1].Role != "assistant" {
		t.Fatalf("messages = %+v", created.Messages)
	}
	if created.Messages[1].ModelUsed == nil || created.Messages[1].TokensUsed == 0 {
		t.Fatalf("assistant message lacks usage: %+v", created.Messages[1])
	}

	path := fmt.Sprintf("/api/v1/conversations/%d", created.ID)
	rec, env = doJSON(t, router, nethttp.MethodPut, path, gin.H{"message": "And one more thing"}, nil)
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("add message status = %d body=%s", rec.Code, rec.Body.String())
	}
	var reply struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(env.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	// first user message, first reply, new message; open mode has no preamble
	if reply.Role != "assistant" || reply.Content != "answer to 3 messages" {
		t.Fatalf("reply = %+v", reply)
	}

	rec, env = doJSON(t, router, nethttp.MethodGet, "/api/v1/conversations?page=1&page_size=10", nil, nil)
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var page struct {
		Total int64 `json:"total"`
	}
	if err := json.Unmarshal(env.Data, &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("total = %d", page.Total)
	}

	rec, env = doJSON(t, router, nethttp.MethodGet, path+"/usage", nil, nil)
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("usage status = %d body=%s", rec.Code, rec.Body.String())
	}
	var usage struct {
		Totals struct {
			Turns int64 `json:"turns"`
		} `json:"totals"`
	}
	if err := json.Unmarshal(env.Data, &usage); err != nil {
		t.Fatalf("decode usage: %v", err)
	}
	if usage.Totals.Turns != 2 {
		t.Fatalf("usage turns = %d", usage.Totals.Turns)
	}

	rec, _ = doJSON(t, router, nethttp.MethodDelete, path, nil, nil)
	if rec.Code != nethttp.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec, env = doJSON(t, router, nethttp.MethodGet, path, nil, nil)
	if rec.Code != nethttp.StatusNotFound || env.Code != response.CodeConversationNotFound {
		t.Fatalf("get after delete = %d/%d", rec.Code, env.Code)
	}
}

func TestConversationValidation(t *testing.T) {
	router := newTestRouter(t, stubGateway{}, nil)

	cases := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   int
	}{
		{"missing first message", nethttp.MethodPost, "/api/v1/conversations", gin.H{}, 400, response.CodeBadRequest},
		{"blank first message", nethttp.MethodPost, "/api/v1/conversations", gin.H{"first_message": "   "}, 400, response.CodeMessageInvalid},
		{"bad mode", nethttp.MethodPost, "/api/v1/conversations", gin.H{"first_message": "hi", "mode": "chat"}, 400, response.CodeBadRequest},
		{"rag without documents", nethttp.MethodPost, "/api/v1/conversations", gin.H{"first_message": "hi", "mode": "rag", "document_ids": []uint{99}}, 400, response.CodeDocumentsRequired},
		{"bad page size", nethttp.MethodGet, "/api/v1/conversations?page_size=0", nil, 400, response.CodeBadRequest},
		{"page size over limit", nethttp.MethodGet, "/api/v1/conversations?page_size=101", nil, 400, response.CodeBadRequest},
		{"bad id", nethttp.MethodGet, "/api/v1/conversations/abc", nil, 400, response.CodeBadRequest},
		{"unknown conversation", nethttp.MethodPut, "/api/v1/conversations/42", gin.H{"message": "hi"}, 404, response.CodeConversationNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, env := doJSON(t, router, tc.method, tc.path, tc.body, nil)
			if rec.Code != tc.status || env.Code != tc.code {
				t.Fatalf("got %d/%d want %d/%d body=%s", rec.Code, env.Code, tc.status, tc.code, rec.Body.String())
			}
		})
	}
}

func TestRAGConversationOverDocuments(t *testing.T) {
	router := newTestRouter(t, stubGateway{}, nil)

	rec, env := doJSON(t, router, nethttp.MethodPost, "/api/v1/documents", gin.H{
		"filename": "guide.txt",
		"content":  "The warranty lasts two years. Returns are accepted within thirty days.",
		"metadata": gin.H{"team": "support"},
	}, nil)
	if rec.Code != nethttp.StatusCreated {
		t.Fatalf("create document status = %d body=%s", rec.Code, rec.Body.String())
	}
	var doc struct {
		ID     uint `json:"id"`
		Chunks []struct {
			Text string `json:"text"`
		} `json:"chunks"`
	}
	if err := json.Unmarshal(env.Data, &doc); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	if doc.ID == 0 || len(doc.Chunks) == 0 {
		t.Fatalf("document = %+v", doc)
	}

	rec, env = doJSON(t, router, nethttp.MethodPost, "/api/v1/conversations", gin.H{
		"first_message": "How long is the warranty?",
		"mode":          "rag",
		"document_ids":  []uint{doc.ID, 1000},
	}, nil)
	if rec.Code != nethttp.StatusCreated {
		t.Fatalf("create rag status = %d body=%s", rec.Code, rec.Body.String())
	}
	var detail conversationDetail
	if err := json.Unmarshal(env.Data, &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Mode != "rag" || len(detail.DocumentIDs) != 1 || detail.DocumentIDs[0] != doc.ID {
		t.Fatalf("detail = %+v", detail)
	}

	rec, _ = doJSON(t, router, nethttp.MethodGet, fmt.Sprintf("/api/v1/documents/%d", doc.ID), nil, nil)
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("get document status = %d", rec.Code)
	}
	rec, env = doJSON(t, router, nethttp.MethodGet, "/api/v1/documents/999", nil, nil)
	if rec.Code != nethttp.StatusNotFound || env.Code != response.CodeDocumentNotFound {
		t.Fatalf("missing document = %d/%d", rec.Code, env.Code)
	}
	rec, _ = doJSON(t, router, nethttp.MethodGet, "/api/v1/documents", nil, nil)
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("list documents status = %d", rec.Code)
	}
}

func TestUploadRejectsNonPDF(t *testing.T) {
	router := newTestRouter(t, stubGateway{}, nil)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "notes.txt")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte("plain text"))
	_ = w.Close()

	req := httptest.NewRequest(nethttp.MethodPost, "/api/v1/documents/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var env envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	if rec.Code != nethttp.StatusBadRequest || env.Code != response.CodeUnsupportedFile {
		t.Fatalf("upload = %d/%d body=%s", rec.Code, env.Code, rec.Body.String())
	}
}

func TestGatewayFailureReturnsFallback(t *testing.T) {
	router := newTestRouter(t, stubGateway{err: &ai.UpstreamError{Kind: ai.KindUnavailable, Attempts: 3, Err: errors.New("boom")}}, nil)

	rec, env := doJSON(t, router, nethttp.MethodPost, "/api/v1/conversations", gin.H{"first_message": "Hi"}, nil)
	if rec.Code != nethttp.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body.String())
	}
	var detail conversationDetail
	if err := json.Unmarshal(env.Data, &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	last := detail.Messages[len(detail.Messages)-1]
	if last.Content != app.FallbackReply || last.ModelUsed != nil || last.TokensUsed != 0 {
		t.Fatalf("fallback message = %+v", last)
	}
}

func TestConfigurationErrorIsServerError(t *testing.T) {
	router := newTestRouter(t, stubGateway{}, map[string]string{
		"PIPELINE_MAX_CONTEXT_TOKENS":    "20",
		"PIPELINE_MAX_COMPLETION_TOKENS": "10",
		"PIPELINE_SYSTEM_PREAMBLE":       "This preamble is far too long for a ten token budget to hold.",
	})

	rec, env := doJSON(t, router, nethttp.MethodPost, "/api/v1/conversations", gin.H{"first_message": "Hi"}, nil)
	if rec.Code != nethttp.StatusInternalServerError || env.Code != response.CodeConfiguration {
		t.Fatalf("got %d/%d body=%s", rec.Code, env.Code, rec.Body.String())
	}
}

func TestAuthenticatedAccess(t *testing.T) {
	router := newTestRouter(t, stubGateway{}, map[string]string{"AUTH_ALLOW_ANONYMOUS": "false"})

	rec, env := doJSON(t, router, nethttp.MethodGet, "/api/v1/conversations", nil, nil)
	if rec.Code != nethttp.StatusUnauthorized || env.Code != response.CodeUnauthorized {
		t.Fatalf("anonymous list = %d/%d", rec.Code, env.Code)
	}

	rec, env = doJSON(t, router, nethttp.MethodPost, "/api/v1/auth/register", gin.H{
		"username": "alice",
		"email":    "alice@example.com",
		"password": "correct-horse",
	}, nil)
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("register status = %d body=%s", rec.Code, rec.Body.String())
	}
	var auth struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(env.Data, &auth); err != nil || auth.Token == "" {
		t.Fatalf("decode auth: %v %+v", err, auth)
	}
	bearer := map[string]string{"Authorization": "Bearer " + auth.Token}

	rec, _ = doJSON(t, router, nethttp.MethodGet, "/api/v1/auth/me", nil, bearer)
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("me status = %d", rec.Code)
	}
	rec, _ = doJSON(t, router, nethttp.MethodPost, "/api/v1/conversations", gin.H{"first_message": "Hi"}, bearer)
	if rec.Code != nethttp.StatusCreated {
		t.Fatalf("create with token = %d body=%s", rec.Code, rec.Body.String())
	}

	rec, _ = doJSON(t, router, nethttp.MethodGet, "/api/v1/conversations", nil, map[string]string{"Authorization": "Bearer nope"})
	if rec.Code != nethttp.StatusUnauthorized {
		t.Fatalf("bad token status = %d", rec.Code)
	}
}

// countingCache is an in-process history cache that counts hits.
type countingCache struct {
	mu    sync.Mutex
	data  map[uint][]model.Message
	dirty map[uint]bool
	hits  int
}

func (c *countingCache) GetHistory(_ context.Context, id uint) ([]model.Message, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.data[id]
	if ok {
		c.hits++
	}
	return m, ok, nil
}

func (c *countingCache) SetHistory(_ context.Context, id uint, messages []model.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[id] = messages
	return nil
}

func (c *countingCache) Invalidate(_ context.Context, id uint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, id)
	c.dirty[id] = true
	return nil
}

func (c *countingCache) IsDirty(_ context.Context, id uint) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty[id], nil
}

func (c *countingCache) hitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}

func TestRepeatedConversationGetHitsHistoryCache(t *testing.T) {
	cache := &countingCache{data: map[uint][]model.Message{}, dirty: map[uint]bool{}}
	router := newTestRouter(t, stubGateway{}, nil, bootstrap.WithHistoryCache(cache))

	rec, env := doJSON(t, router, nethttp.MethodPost, "/api/v1/conversations", gin.H{"first_message": "Hello"}, nil)
	if rec.Code != nethttp.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body.String())
	}
	var created conversationDetail
	if err := json.Unmarshal(env.Data, &created); err != nil {
		t.Fatalf("decode detail: %v", err)
	}

	path := fmt.Sprintf("/api/v1/conversations/%d", created.ID)
	before := cache.hitCount()
	for i := 0; i < 2; i++ {
		rec, env = doJSON(t, router, nethttp.MethodGet, path, nil, nil)
		if rec.Code != nethttp.StatusOK {
			t.Fatalf("get status = %d", rec.Code)
		}
		var detail conversationDetail
		if err := json.Unmarshal(env.Data, &detail); err != nil {
			t.Fatalf("decode detail: %v", err)
		}
		if len(detail.Messages) != 2 {
			t.Fatalf("messages = %d, want 2", len(detail.Messages))
		}
	}
	if hits := cache.hitCount() - before; hits != 2 {
		t.Fatalf("repeated gets hit the cache %d times, want 2", hits)
	}
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"botgpt/internal/ai"
	"botgpt/internal/model"
	"botgpt/internal/pipeline"
)

// ErrConfiguration marks failures no retry can fix, such as a preamble
// larger than the whole context budget.
var ErrConfiguration = errors.New("configuration error")

const (
	FallbackReply = "I'm sorry, but I couldn't generate a response right now. Please try again in a moment."
	EmptyReply    = "The model returned an empty response."

	DefaultRAGPreamble = "You are a helpful assistant that answers questions based on the provided context. " +
		"Use only the information from the context to answer. If the context doesn't contain the answer, say so."
	NoContextNote = "No relevant context was found in the linked documents."
)

type State string

const (
	StateReceived     State = "received"
	StateRetrieving   State = "retrieving"
	StateContextBuilt State = "context_built"
	StateCalling      State = "calling"
	StatePersisted    State = "persisted"
	StateFailed       State = "failed"
)

// Observer is told about every state a turn passes through.
type Observer func(conversationID uint, state State)

type ModelGateway interface {
	Complete(ctx context.Context, assembled pipeline.AssembledContext, model string) (*ai.Reply, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, event model.TurnEvent) error
}

// Serializer runs fn exclusively per conversation.
type Serializer interface {
	Do(ctx context.Context, id uint, fn func(context.Context) error) error
}

type OrchestratorConfig struct {
	// ContextBudget is the prompt budget: the model window minus the room
	// kept for the completion.
	ContextBudget  int
	TopK           int
	SystemPreamble string
	RAGPreamble    string
	Model          string
}

type OrchestratorOption func(*Orchestrator)

func WithObserver(fn Observer) OrchestratorOption {
	return func(o *Orchestrator) { o.observer = fn }
}

func WithEvents(p EventPublisher) OrchestratorOption {
	return func(o *Orchestrator) { o.events = p }
}

func WithSerializer(s Serializer) OrchestratorOption {
	return func(o *Orchestrator) { o.lanes = s }
}

func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

type Orchestrator struct {
	store     Store
	gateway   ModelGateway
	assembler *pipeline.Assembler
	retriever *pipeline.Retriever
	cfg       OrchestratorConfig
	logger    *slog.Logger

	observer Observer
	events   EventPublisher
	lanes    Serializer
	now      func() time.Time
}

func NewOrchestrator(
	store Store,
	gateway ModelGateway,
	assembler *pipeline.Assembler,
	retriever *pipeline.Retriever,
	cfg OrchestratorConfig,
	logger *slog.Logger,
	opts ...OrchestratorOption,
) *Orchestrator {
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	if strings.TrimSpace(cfg.RAGPreamble) == "" {
		cfg.RAGPreamble = DefaultRAGPreamble
	}
	if assembler == nil {
		assembler = pipeline.NewAssembler(nil)
	}
	if retriever == nil {
		retriever = pipeline.NewRetriever(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store:     store,
		gateway:   gateway,
		assembler: assembler,
		retriever: retriever,
		cfg:       cfg,
		logger:    logger.With("component", "orchestrator"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// turn carries what one HandleUserMessage call learned along the way.
type turn struct {
	conversationID uint
	userMessage    *model.Message
	assembled      pipeline.AssembledContext
	retrieved      int
	reply          *ai.Reply
	callErr        error
}

// HandleUserMessage appends text as a user message, asks the model for a
// reply and appends that reply. It returns the assistant message, which is
// a fallback notice when the model could not be reached. Only configuration
// errors and storage failures are returned as errors.
func (o *Orchestrator) HandleUserMessage(ctx context.Context, conversationID uint, text string) (*model.Message, error) {
	if o.lanes == nil {
		return o.handle(ctx, conversationID, text)
	}
	var out *model.Message
	err := o.lanes.Do(ctx, conversationID, func(ctx context.Context) error {
		var err error
		out, err = o.handle(ctx, conversationID, text)
		return err
	})
	return out, err
}

func (o *Orchestrator) handle(ctx context.Context, conversationID uint, text string) (*model.Message, error) {
	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	log := o.logger.With("conversation_id", conversationID, "mode", conv.Mode)
	t := &turn{conversationID: conversationID}

	// The user message must land even if the client goes away mid-turn.
	persistCtx := context.WithoutCancel(ctx)
	t.userMessage = &model.Message{ConversationID: conversationID, Role: model.RoleUser, Content: text}
	if err := o.store.AppendMessage(persistCtx, t.userMessage); err != nil {
		return nil, fmt.Errorf("append user message failed: %w", err)
	}
	o.transition(log, conversationID, StateReceived)

	var history []model.Message
	var docs []model.Document
	g, gctx := errgroup.WithContext(persistCtx)
	g.Go(func() error {
		var err error
		history, err = o.store.LoadHistory(gctx, conversationID)
		return err
	})
	if conv.Mode == model.ModeRAG {
		g.Go(func() error {
			var err error
			docs, err = o.store.LoadLinkedDocuments(gctx, conversationID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		o.transition(log, conversationID, StateFailed)
		return nil, fmt.Errorf("load conversation context failed: %w", err)
	}

	preamble := strings.TrimSpace(o.cfg.SystemPreamble)
	var chunks []pipeline.Chunk
	if conv.Mode == model.ModeRAG {
		o.transition(log, conversationID, StateRetrieving)
		chunks = o.retriever.Retrieve(text, candidateChunks(docs), o.cfg.TopK)
		t.retrieved = len(chunks)
		preamble = o.cfg.RAGPreamble
		if len(chunks) == 0 {
			preamble += "\n\n" + NoContextNote
		}
		log.Debug("retrieval finished", "documents", len(docs), "chunks", len(chunks))
	}

	assembled, err := o.assembler.Assemble(pipeline.Input{
		Preamble:   preamble,
		Chunks:     chunks,
		History:    promptHistory(history, t.userMessage.ID),
		NewMessage: text,
		MaxTokens:  o.cfg.ContextBudget,
	})
	if err != nil {
		o.transition(log, conversationID, StateFailed)
		log.Error("context assembly failed", "budget", o.cfg.ContextBudget, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	t.assembled = assembled
	o.transition(log, conversationID, StateContextBuilt)
	if assembled.Truncated {
		log.Info("context truncated",
			"tokens", assembled.Tokens,
			"dropped_history", assembled.DroppedHistory,
			"dropped_chunks", assembled.DroppedChunks,
		)
	}

	o.transition(log, conversationID, StateCalling)
	t.reply, t.callErr = o.gateway.Complete(ctx, assembled, o.cfg.Model)

	assistant := o.assistantMessage(log, t)
	if err := o.store.AppendMessage(persistCtx, assistant); err != nil {
		o.transition(log, conversationID, StateFailed)
		return nil, fmt.Errorf("append assistant message failed: %w", err)
	}
	if err := o.store.TouchConversation(persistCtx, conversationID, o.now()); err != nil {
		log.Warn("touch conversation failed", "error", err)
	}
	if err := o.store.WarmHistory(persistCtx, conversationID); err != nil {
		log.Warn("warm history cache failed", "error", err)
	}
	if t.callErr != nil {
		o.transition(log, conversationID, StateFailed)
	} else {
		o.transition(log, conversationID, StatePersisted)
	}

	o.publish(persistCtx, log, t, assistant)
	return assistant, nil
}

// assistantMessage turns the gateway result into the message to persist,
// logging rejected calls louder than outages.
func (o *Orchestrator) assistantMessage(log *slog.Logger, t *turn) *model.Message {
	msg := &model.Message{ConversationID: t.conversationID, Role: model.RoleAssistant}
	if t.callErr == nil {
		modelName := t.reply.Model
		msg.Content = strings.TrimSpace(t.reply.Content)
		if msg.Content == "" {
			msg.Content = EmptyReply
		}
		msg.TokensUsed = t.reply.TokensUsed
		msg.ModelUsed = &modelName
		msg.UsageEstimated = t.reply.UsageEstimated
		return msg
	}

	msg.Content = FallbackReply
	var upstream *ai.UpstreamError
	errors.As(t.callErr, &upstream)
	switch {
	case errors.Is(t.callErr, ai.ErrUpstreamRejected):
		log.Error("model rejected request", "status", upstreamStatus(upstream), "error", t.callErr)
	default:
		log.Warn("model unavailable", "attempts", upstreamAttempts(upstream), "error", t.callErr)
	}
	return msg
}

func (o *Orchestrator) publish(ctx context.Context, log *slog.Logger, t *turn, assistant *model.Message) {
	if o.events == nil {
		return
	}
	event := model.TurnEvent{
		ConversationID:  t.conversationID,
		MessageID:       assistant.ID,
		Outcome:         model.OutcomeCompleted,
		ContextTokens:   t.assembled.Tokens,
		Truncated:       t.assembled.Truncated,
		RetrievedChunks: t.retrieved,
		OccurredAt:      o.now().UTC(),
	}
	if t.callErr == nil {
		event.Model = t.reply.Model
		event.PromptTokens = t.reply.PromptTokens
		event.CompletionTokens = t.reply.CompletionTokens
		event.TotalTokens = t.reply.TokensUsed
		event.UsageEstimated = t.reply.UsageEstimated
		event.Attempts = t.reply.Attempts
	} else {
		event.Outcome = model.OutcomeUpstreamUnavailable
		if errors.Is(t.callErr, ai.ErrUpstreamRejected) {
			event.Outcome = model.OutcomeUpstreamRejected
		}
		var upstream *ai.UpstreamError
		if errors.As(t.callErr, &upstream) {
			event.Attempts = upstream.Attempts
		}
	}
	if err := o.events.Publish(ctx, event); err != nil {
		log.Warn("publish turn event failed", "error", err)
	}
}

func (o *Orchestrator) transition(log *slog.Logger, conversationID uint, state State) {
	log.Debug("turn state", "state", state)
	if o.observer != nil {
		o.observer(conversationID, state)
	}
}

// promptHistory drops the message being answered, synthesized fallback
// notices, which are not model output, and user messages whose turn ended
// without a model reply, so roles keep alternating.
func promptHistory(history []model.Message, currentID uint) []pipeline.Message {
	out := make([]pipeline.Message, 0, len(history))
	for i := range history {
		m := &history[i]
		if m.ID == currentID || m.IsFallback() || m.Role == model.RoleSystem {
			continue
		}
		if m.Role == model.RoleUser && i+1 < len(history) {
			if next := &history[i+1]; next.Role == model.RoleUser || next.IsFallback() {
				continue
			}
		}
		out = append(out, pipeline.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// candidateChunks flattens linked documents into one pool, in link order
// and chunk order.
func candidateChunks(docs []model.Document) []pipeline.Chunk {
	var out []pipeline.Chunk
	for _, d := range docs {
		for _, c := range d.Chunks {
			out = append(out, pipeline.Chunk{DocumentID: d.ID, Index: c.Index, Offset: c.Offset, Text: c.Text})
		}
	}
	return out
}

func upstreamStatus(e *ai.UpstreamError) int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

func upstreamAttempts(e *ai.UpstreamError) int {
	if e == nil {
		return 0
	}
	return e.Attempts
}

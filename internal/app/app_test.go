package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"gorm.io/gorm"

	"botgpt/internal/ai"
	"botgpt/internal/model"
	"botgpt/internal/pipeline"
	"botgpt/internal/platform/sqlite"
	"botgpt/internal/repository"
	"botgpt/internal/worker"
)

type fakeGateway struct {
	mu    sync.Mutex
	calls []pipeline.AssembledContext
	reply func(call int, assembled pipeline.AssembledContext) (*ai.Reply, error)
}

func (g *fakeGateway) Complete(_ context.Context, assembled pipeline.AssembledContext, modelName string) (*ai.Reply, error) {
	g.mu.Lock()
	g.calls = append(g.calls, assembled)
	n := len(g.calls)
	g.mu.Unlock()
	if g.reply != nil {
		return g.reply(n, assembled)
	}
	return &ai.Reply{Content: "reply", Model: "test-model", PromptTokens: 8, CompletionTokens: 2, TokensUsed: 10, Attempts: 1}, nil
}

func (g *fakeGateway) last() pipeline.AssembledContext {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[len(g.calls)-1]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.TurnEvent
	usage  *repository.UsageRepository
}

func (p *recordingPublisher) Publish(ctx context.Context, event model.TurnEvent) error {
	p.mu.Lock()
	event.EventID = string(rune('a' + len(p.events)))
	p.events = append(p.events, event)
	p.mu.Unlock()
	if p.usage != nil {
		rec := model.NewUsageRecord(event)
		return p.usage.Record(ctx, &rec)
	}
	return nil
}

type testEnv struct {
	db        *gorm.DB
	gateway   *fakeGateway
	events    *recordingPublisher
	states    []State
	convs     *ConversationService
	docs      *DocumentService
	auth      *AuthService
	orch      *Orchestrator
	user      *model.User
	messages  *repository.MessageRepository
	statesMux sync.Mutex
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, cfg OrchestratorConfig) *testEnv {
	t.Helper()
	return newCachedTestEnv(t, cfg, nil)
}

// newCachedTestEnv is newTestEnv with cache in front of the message history.
func newCachedTestEnv(t *testing.T, cfg OrchestratorConfig, cache HistoryCache) *testEnv {
	t.Helper()
	db, err := sqlite.New(context.Background(), sqlite.Memory)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(model.All()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	if cfg.ContextBudget == 0 {
		cfg.ContextBudget = 1000
	}
	convRepo := repository.NewConversationRepository(db)
	msgRepo := repository.NewMessageRepository(db)
	docRepo := repository.NewDocumentRepository(db)
	usageRepo := repository.NewUsageRepository(db)
	userRepo := repository.NewUserRepository(db)

	env := &testEnv{db: db, gateway: &fakeGateway{}, messages: msgRepo}
	env.events = &recordingPublisher{usage: usageRepo}
	lanes := worker.NewLanes()
	t.Cleanup(lanes.Close)

	store := NewStore(convRepo, msgRepo, docRepo, cache, quietLogger())
	env.orch = NewOrchestrator(store, env.gateway, nil, nil, cfg, quietLogger(),
		WithEvents(env.events),
		WithSerializer(lanes),
		WithObserver(func(_ uint, s State) {
			env.statesMux.Lock()
			env.states = append(env.states, s)
			env.statesMux.Unlock()
		}),
	)
	env.convs = NewConversationService(convRepo, docRepo, usageRepo, store, env.orch, 0)
	env.docs = NewDocumentService(docRepo, 0, 0)
	env.auth = NewAuthService(userRepo, "test-secret", 0)

	env.user, err = env.auth.DefaultUser(context.Background())
	if err != nil {
		t.Fatalf("default user: %v", err)
	}
	return env
}

func (e *testEnv) resetStates() {
	e.statesMux.Lock()
	e.states = nil
	e.statesMux.Unlock()
}

func (e *testEnv) seenStates() []State {
	e.statesMux.Lock()
	defer e.statesMux.Unlock()
	return append([]State(nil), e.states...)
}

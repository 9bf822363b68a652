package repository

import (
	"context"
	"testing"
	"time"

	"gorm.io/gorm"

	"botgpt/internal/model"
	"botgpt/internal/platform/sqlite"
)

func newTestDB(t *testing.T) *gorm.DB {
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
	return db
}

func mustUser(t *testing.T, db *gorm.DB, name string) *model.User {
	t.Helper()
	u, err := NewUserRepository(db).FirstOrCreateByUsername(context.Background(), name)
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	return u
}

func TestUserFirstOrCreateIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	a := mustUser(t, db, model.DefaultUsername)
	b := mustUser(t, db, model.DefaultUsername)
	if a.ID == 0 || a.ID != b.ID {
		t.Fatalf("ids %d and %d, want the same non-zero id", a.ID, b.ID)
	}
	missing, err := NewUserRepository(db).GetByUsername(context.Background(), "nobody")
	if err != nil || missing != nil {
		t.Fatalf("missing user: %v %v", missing, err)
	}
}

func TestConversationCreateWithLinksAndFirstMessage(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	user := mustUser(t, db, "alice")
	docs := NewDocumentRepository(db)
	d1 := &model.Document{Filename: "a.txt", Content: "alpha"}
	d2 := &model.Document{Filename: "b.txt", Content: "beta"}
	for _, d := range []*model.Document{d1, d2} {
		if err := docs.Create(ctx, d); err != nil {
			t.Fatalf("create doc: %v", err)
		}
	}

	convs := NewConversationRepository(db)
	conv := &model.Conversation{UserID: user.ID, Title: "hello", Mode: model.ModeRAG}
	if err := convs.Create(ctx, conv, []uint{d2.ID, d1.ID}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if conv.ID == 0 || conv.Mode != model.ModeRAG {
		t.Fatalf("conversation not stored: %+v", conv)
	}

	ids, err := convs.LinkedDocumentIDs(ctx, conv.ID)
	if err != nil {
		t.Fatalf("linked: %v", err)
	}
	if len(ids) != 2 || ids[0] != d2.ID || ids[1] != d1.ID {
		t.Fatalf("linked ids = %v, want link order [%d %d]", ids, d2.ID, d1.ID)
	}

	other := mustUser(t, db, "bob")
	if got, err := convs.GetByIDAndUserID(ctx, conv.ID, other.ID); err != nil || got != nil {
		t.Fatalf("other user should not see conversation: %v %v", got, err)
	}
}

func TestConversationListOrdersByActivity(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	user := mustUser(t, db, "alice")
	convs := NewConversationRepository(db)

	var created []*model.Conversation
	for i := 0; i < 3; i++ {
		c := &model.Conversation{UserID: user.ID, Title: "c", Mode: model.ModeOpen}
		if err := convs.Create(ctx, c, nil); err != nil {
			t.Fatalf("create: %v", err)
		}
		created = append(created, c)
	}
	if err := convs.Touch(ctx, created[0].ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("touch: %v", err)
	}

	page, total, err := convs.ListByUserID(ctx, user.ID, 1, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(page) != 2 {
		t.Fatalf("total=%d len=%d, want 3 2", total, len(page))
	}
	if page[0].ID != created[0].ID {
		t.Fatalf("most recently touched conversation should come first, got %d", page[0].ID)
	}
	rest, _, err := convs.ListByUserID(ctx, user.ID, 2, 2)
	if err != nil || len(rest) != 1 {
		t.Fatalf("second page: %v %v", rest, err)
	}
}

func TestConversationDeleteCascadesButKeepsDocuments(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	user := mustUser(t, db, "alice")
	doc := &model.Document{Filename: "a.txt", Content: "alpha"}
	if err := NewDocumentRepository(db).Create(ctx, doc); err != nil {
		t.Fatalf("create doc: %v", err)
	}
	convs := NewConversationRepository(db)
	conv := &model.Conversation{UserID: user.ID, Mode: model.ModeRAG}
	if err := convs.Create(ctx, conv, []uint{doc.ID}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := NewMessageRepository(db).Create(ctx, &model.Message{ConversationID: conv.ID, Role: model.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("create message: %v", err)
	}
	usage := NewUsageRepository(db)
	if err := usage.Record(ctx, &model.UsageRecord{EventID: "e1", ConversationID: conv.ID, Outcome: model.OutcomeCompleted}); err != nil {
		t.Fatalf("record: %v", err)
	}

	if ok, err := convs.DeleteByIDAndUserID(ctx, conv.ID, user.ID+100); err != nil || ok {
		t.Fatalf("delete by other user: ok=%v err=%v", ok, err)
	}
	ok, err := convs.DeleteByIDAndUserID(ctx, conv.ID, user.ID)
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}

	n, err := NewMessageRepository(db).CountByConversationID(ctx, conv.ID)
	if err != nil || n != 0 {
		t.Fatalf("messages left: %d %v", n, err)
	}
	if ids, _ := convs.LinkedDocumentIDs(ctx, conv.ID); len(ids) != 0 {
		t.Fatalf("links left: %v", ids)
	}
	if recs, _ := usage.ListByConversationID(ctx, conv.ID); len(recs) != 0 {
		t.Fatalf("usage left: %v", recs)
	}
	if got, err := NewDocumentRepository(db).GetByID(ctx, doc.ID); err != nil || got == nil {
		t.Fatalf("document should survive: %v %v", got, err)
	}
}

func TestMessagesListOldestFirst(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	user := mustUser(t, db, "alice")
	conv := &model.Conversation{UserID: user.ID, Mode: model.ModeOpen}
	if err := NewConversationRepository(db).Create(ctx, conv, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	msgs := NewMessageRepository(db)
	for _, content := range []string{"one", "two", "three"} {
		if err := msgs.Create(ctx, &model.Message{ConversationID: conv.ID, Role: model.RoleUser, Content: content}); err != nil {
			t.Fatalf("create message: %v", err)
		}
	}
	list, err := msgs.ListByConversationID(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].Content != "one" || list[2].Content != "three" {
		t.Fatalf("unexpected order: %+v", list)
	}
}

func TestDocumentsByIDsKeepOrderAndSkipMissing(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	docs := NewDocumentRepository(db)
	a := &model.Document{Filename: "a", Content: "a", Chunks: []model.DocumentChunk{{Index: 0, Text: "a"}}}
	b := &model.Document{Filename: "b", Content: "b", Metadata: map[string]interface{}{"source": "test"}}
	for _, d := range []*model.Document{a, b} {
		if err := docs.Create(ctx, d); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	ids, err := docs.ExistingIDs(ctx, []uint{b.ID, 999, a.ID, b.ID})
	if err != nil {
		t.Fatalf("existing: %v", err)
	}
	if len(ids) != 2 || ids[0] != b.ID || ids[1] != a.ID {
		t.Fatalf("existing ids = %v", ids)
	}

	list, err := docs.ListByIDs(ctx, []uint{b.ID, a.ID})
	if err != nil {
		t.Fatalf("list by ids: %v", err)
	}
	if len(list) != 2 || list[0].ID != b.ID || len(list[1].Chunks) != 1 {
		t.Fatalf("unexpected docs: %+v", list)
	}
	if list[0].Metadata["source"] != "test" {
		t.Fatalf("metadata lost: %v", list[0].Metadata)
	}

	page, total, err := docs.List(ctx, 1, 10)
	if err != nil || total != 2 || len(page) != 2 {
		t.Fatalf("list: %v total=%d len=%d", err, total, len(page))
	}
	if page[0].Content != "" {
		t.Fatalf("list should not load content")
	}
}

func TestUsageRecordIgnoresDuplicatesAndSums(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	usage := NewUsageRepository(db)
	recs := []model.UsageRecord{
		{EventID: "e1", ConversationID: 7, Outcome: model.OutcomeCompleted, PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		{EventID: "e1", ConversationID: 7, Outcome: model.OutcomeCompleted, PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		{EventID: "e2", ConversationID: 7, Outcome: model.OutcomeCompleted, TotalTokens: 4, UsageEstimated: true},
		{EventID: "e3", ConversationID: 7, Outcome: model.OutcomeUpstreamUnavailable},
	}
	for i := range recs {
		if err := usage.Record(ctx, &recs[i]); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	totals, err := usage.TotalsByConversationID(ctx, 7)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	want := UsageTotals{Turns: 3, PromptTokens: 10, CompletionTokens: 5, TotalTokens: 19, EstimatedTurns: 1, FailedTurns: 1}
	if totals != want {
		t.Fatalf("totals = %+v, want %+v", totals, want)
	}
}

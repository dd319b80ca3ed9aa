package convstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/murmurcast/murmur-core/internal/chat"
	"github.com/murmurcast/murmur-core/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T, maxConversations int) *Store {
	t.Helper()
	cfg := config.ConversationsConfig{
		Path:             filepath.Join(t.TempDir(), "conversations.db"),
		MaxConversations: maxConversations,
	}
	store, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenWithoutPathDisablesPersistence(t *testing.T) {
	store, err := Open(context.Background(), config.ConversationsConfig{}, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	conv := chat.NewConversation(time.Now())
	if err := store.Save(context.Background(), conv); err != nil {
		t.Fatalf("save on disabled store: %v", err)
	}
	loaded, err := store.Load(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("load on disabled store: %v", err)
	}
	if loaded != nil {
		t.Fatal("disabled store returned a conversation")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := openTestStore(t, 0)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	conv := chat.NewConversation(base)
	conv.Append(chat.NewMessage(chat.RoleUser, "what did they say about the launch", chat.SourceManual, base))
	conv.Append(chat.NewMessage(chat.RoleAssistant, "they moved it to thursday", chat.SourceManual, base.Add(2*time.Second)))
	conv.Append(chat.NewMessage(chat.RoleUser, "we should update the notes", chat.SourceMicrophone, base.Add(5*time.Second)))

	if err := store.Save(context.Background(), conv); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.Load(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded == nil {
		t.Fatal("conversation not found after save")
	}
	if loaded.Title != conv.Title {
		t.Errorf("title = %q, want %q", loaded.Title, conv.Title)
	}
	ordered := loaded.Ordered()
	if len(ordered) != 3 {
		t.Fatalf("got %d messages, want 3", len(ordered))
	}
	if ordered[0].Content != "what did they say about the launch" {
		t.Errorf("first message = %q", ordered[0].Content)
	}
	if ordered[2].Source != chat.SourceMicrophone {
		t.Errorf("last message source = %q", ordered[2].Source)
	}
	if !ordered[1].Timestamp.Equal(base.Add(2 * time.Second)) {
		t.Errorf("timestamp not preserved: %v", ordered[1].Timestamp)
	}
}

func TestSaveReplacesTranscript(t *testing.T) {
	store := openTestStore(t, 0)

	base := time.Now().UTC().Truncate(time.Second)
	conv := chat.NewConversation(base)
	conv.Append(chat.NewMessage(chat.RoleUser, "first pass", chat.SourceSystemAudio, base))
	if err := store.Save(context.Background(), conv); err != nil {
		t.Fatalf("save: %v", err)
	}

	conv.Append(chat.NewMessage(chat.RoleUser, "second pass", chat.SourceSystemAudio, base.Add(time.Second)))
	if err := store.Save(context.Background(), conv); err != nil {
		t.Fatalf("second save: %v", err)
	}

	loaded, err := store.Load(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := len(loaded.Ordered()); got != 2 {
		t.Fatalf("got %d messages after resave, want 2", got)
	}
}

func TestPruneKeepsMostRecentlyUpdated(t *testing.T) {
	store := openTestStore(t, 2)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 4; i++ {
		conv := chat.NewConversation(base.Add(time.Duration(i) * time.Hour))
		conv.Append(chat.NewMessage(chat.RoleUser, "hello there", chat.SourceManual, conv.CreatedAt))
		if err := store.Save(context.Background(), conv); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
		ids = append(ids, conv.ID)
	}

	if err := store.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	list, err := store.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d conversations after prune, want 2", len(list))
	}
	if list[0].ID != ids[3] || list[1].ID != ids[2] {
		t.Errorf("prune kept wrong conversations: %v", []string{list[0].ID, list[1].ID})
	}

	// Messages cascade with their conversation.
	old, err := store.Load(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("load pruned: %v", err)
	}
	if old != nil {
		t.Error("pruned conversation still loadable")
	}
}

type countingPersister struct {
	mu    sync.Mutex
	saves []*chat.Conversation
	block chan struct{}
}

func (p *countingPersister) Save(ctx context.Context, conv *chat.Conversation) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves = append(p.saves, conv)
	return nil
}

func (p *countingPersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.saves)
}

func TestSaverCoalescesRapidUpdates(t *testing.T) {
	store := &countingPersister{}
	saver := NewSaver(store, 50*time.Millisecond, newLogger())
	defer saver.Close()

	base := time.Now()
	conv := chat.NewConversation(base)
	for i := 0; i < 5; i++ {
		conv.Append(chat.NewMessage(chat.RoleUser, "update", chat.SourceSystemAudio, base.Add(time.Duration(i)*time.Millisecond)))
		saver.Request(conv)
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := store.count(); got != 1 {
		t.Fatalf("got %d saves for 5 rapid updates, want 1", got)
	}
	if got := len(store.saves[0].Messages); got != 5 {
		t.Errorf("saved snapshot has %d messages, want 5", got)
	}
}

func TestSaverDoesNotOverlapInFlightSave(t *testing.T) {
	store := &countingPersister{block: make(chan struct{})}
	saver := NewSaver(store, 20*time.Millisecond, newLogger())

	conv := chat.NewConversation(time.Now())
	saver.Request(conv)

	// Wait for the first flush to start and block inside Save.
	time.Sleep(60 * time.Millisecond)

	// New snapshot while the first save is stuck; must not spawn a
	// concurrent write.
	saver.Request(conv)
	time.Sleep(60 * time.Millisecond)
	if got := store.count(); got != 0 {
		t.Fatalf("save completed while blocked, count=%d", got)
	}

	close(store.block)
	deadline := time.Now().Add(2 * time.Second)
	for store.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := store.count(); got != 2 {
		t.Fatalf("got %d saves, want 2 (initial plus follow-up)", got)
	}
	saver.Close()
}

func TestSaverCloseFlushesPending(t *testing.T) {
	store := &countingPersister{}
	saver := NewSaver(store, time.Hour, newLogger())

	conv := chat.NewConversation(time.Now())
	conv.Append(chat.NewMessage(chat.RoleUser, "last words", chat.SourceManual, time.Now()))
	saver.Request(conv)
	saver.Close()

	if got := store.count(); got != 1 {
		t.Fatalf("got %d saves after close, want 1", got)
	}
}

func TestSaverSnapshotsAreIsolated(t *testing.T) {
	store := &countingPersister{}
	saver := NewSaver(store, 20*time.Millisecond, newLogger())
	defer saver.Close()

	base := time.Now()
	conv := chat.NewConversation(base)
	conv.Append(chat.NewMessage(chat.RoleUser, "original", chat.SourceManual, base))
	saver.Request(conv)

	// Mutation after Request must not leak into the saved snapshot.
	conv.Append(chat.NewMessage(chat.RoleUser, "later", chat.SourceManual, base.Add(time.Second)))

	deadline := time.Now().Add(2 * time.Second)
	for store.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if store.count() == 0 {
		t.Fatal("save never ran")
	}
	if got := len(store.saves[0].Messages); got != 1 {
		t.Errorf("snapshot has %d messages, want 1", got)
	}
}

package convstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/murmurcast/murmur-core/internal/chat"
)

type persister interface {
	Save(ctx context.Context, conv *chat.Conversation) error
}

// Saver coalesces rapid transcript updates into periodic writes. Each
// Request replaces the pending snapshot; a timer flushes it after the
// debounce window. While a write is in flight new snapshots accumulate
// and trigger a follow-up flush instead of overlapping writes.
type Saver struct {
	store    persister
	debounce time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	pending  *chat.Conversation
	timer    *time.Timer
	inFlight bool
	closed   bool
	wg       sync.WaitGroup
}

func NewSaver(store persister, debounce time.Duration, log *slog.Logger) *Saver {
	if debounce <= 0 {
		debounce = 750 * time.Millisecond
	}
	return &Saver{
		store:    store,
		debounce: debounce,
		log:      log.With(slog.String("component", "convstore.saver")),
	}
}

// Request schedules a save of the given snapshot. The conversation is
// cloned; the caller may keep mutating its copy.
func (s *Saver) Request(conv *chat.Conversation) {
	if conv == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = conv.Clone()
	if s.timer == nil && !s.inFlight {
		s.timer = time.AfterFunc(s.debounce, s.flush)
	}
}

func (s *Saver) flush() {
	s.mu.Lock()
	s.timer = nil
	if s.pending == nil || s.inFlight || s.closed {
		s.mu.Unlock()
		return
	}
	conv := s.pending
	s.pending = nil
	s.inFlight = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.store.Save(ctx, conv); err != nil {
			s.log.Warn("conversation save failed",
				slog.String("conversation_id", conv.ID),
				slog.String("error", err.Error()))
		}

		s.mu.Lock()
		s.inFlight = false
		if s.pending != nil && s.timer == nil && !s.closed {
			s.timer = time.AfterFunc(s.debounce, s.flush)
		}
		s.mu.Unlock()
	}()
}

// Close flushes any pending snapshot synchronously and stops the saver.
func (s *Saver) Close() {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	conv := s.pending
	s.pending = nil
	s.mu.Unlock()

	s.wg.Wait()

	if conv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.store.Save(ctx, conv); err != nil {
			s.log.Warn("final conversation save failed",
				slog.String("conversation_id", conv.ID),
				slog.String("error", err.Error()))
		}
	}
}

package stt

import (
	"context"
	"sync"
)

// MockRecognizer returns canned transcripts for development and tests.
type MockRecognizer struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func NewMockRecognizer(replies ...string) *MockRecognizer {
	if len(replies) == 0 {
		replies = []string{"mock transcript"}
	}
	return &MockRecognizer{replies: replies}
}

func (m *MockRecognizer) Transcribe(ctx context.Context, wavAudio []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	reply := m.replies[m.calls%len(m.replies)]
	m.calls++
	return reply, nil
}

// Calls reports how many transcriptions were requested.
func (m *MockRecognizer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

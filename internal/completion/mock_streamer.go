package completion

import (
	"context"
	"strings"
)

// MockStreamer streams a canned reply word by word for development and
// tests.
type MockStreamer struct {
	reply string
}

func NewMockStreamer(reply string) *MockStreamer {
	return &MockStreamer{reply: reply}
}

func (m *MockStreamer) Stream(ctx context.Context, req Request, consumer func(Chunk) error) error {
	for i, word := range strings.Fields(m.reply) {
		if err := ctx.Err(); err != nil {
			return err
		}
		content := word
		if i > 0 {
			content = " " + word
		}
		if err := consumer(Chunk{Content: content}); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return consumer(Chunk{Done: true})
}

// Package completion streams model responses from a configured provider.
// Chunks are pushed to a consumer callback as they arrive so surfaces can
// render partial output.
package completion

import (
	"context"
	"log/slog"

	"github.com/murmurcast/murmur-core/internal/config"
	"github.com/murmurcast/murmur-core/internal/fault"
)

// Message is one turn of provider-facing chat context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries the prompt plus the history window already trimmed to
// the configured character budget.
type Request struct {
	Prompt  string
	History []Message
	System  string
}

// Chunk is one streamed fragment of the model response.
type Chunk struct {
	Content string
	Done    bool
}

// Streamer generates a completion, invoking consumer for every chunk. A
// consumer error or context cancellation stops the stream; no further
// chunks are delivered after either.
type Streamer interface {
	Stream(ctx context.Context, req Request, consumer func(Chunk) error) error
}

func NewStreamer(cfg config.CompletionConfig, logger *slog.Logger) (Streamer, error) {
	log := logger.With(slog.String("component", "completion"))
	switch cfg.Mode {
	case "template":
		return newTemplateStreamer(cfg, log), nil
	case "mock":
		return NewMockStreamer("mock completion"), nil
	default:
		return nil, fault.ProviderConfig("unknown completion mode %q", cfg.Mode)
	}
}

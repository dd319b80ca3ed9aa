package completion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/murmurcast/murmur-core/internal/config"
	"github.com/murmurcast/murmur-core/internal/fault"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseConfig(url string) config.CompletionConfig {
	return config.CompletionConfig{
		Mode:         "template",
		URL:          url,
		BodyTemplate: `{"model":"{{model}}","messages":{{messages_json}},"stream":true}`,
		StreamFormat: "ndjson",
		ResponsePath: "response",
		Model:        "test-model",
		TimeoutSecs:  5,
	}
}

func TestStreamAccumulatesNDJSONChunks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Model    string    `json:"model"`
			Messages []Message `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if payload.Model != "test-model" {
			t.Errorf("model = %q, want test-model", payload.Model)
		}
		if len(payload.Messages) != 3 {
			t.Errorf("got %d messages, want 3", len(payload.Messages))
		}

		w.Write([]byte(`{"response":"Hello"}` + "\n"))
		w.Write([]byte(`{"response":" world"}` + "\n"))
		w.Write([]byte(`{"done":true}` + "\n"))
	}))
	defer server.Close()

	streamer := newTemplateStreamer(baseConfig(server.URL), testLogger())

	var got strings.Builder
	doneSeen := false
	err := streamer.Stream(context.Background(), Request{
		Prompt:  "hi",
		History: []Message{{Role: "user", Content: "earlier"}},
		System:  "be brief",
	}, func(c Chunk) error {
		got.WriteString(c.Content)
		if c.Done {
			doneSeen = true
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got.String() != "Hello world" {
		t.Errorf("accumulated = %q, want Hello world", got.String())
	}
	if !doneSeen {
		t.Error("final done chunk not delivered")
	}
}

func TestStreamParsesSSEFrames(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"delta\":{\"content\":\"Hel\"}}\n\n")
		io.WriteString(w, "data: {\"delta\":{\"content\":\"lo\"}}\n\n")
		io.WriteString(w, ": keepalive comment\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	cfg := baseConfig(server.URL)
	cfg.StreamFormat = "sse"
	cfg.ResponsePath = "delta.content"
	streamer := newTemplateStreamer(cfg, testLogger())

	var got strings.Builder
	err := streamer.Stream(context.Background(), Request{Prompt: "hi"}, func(c Chunk) error {
		got.WriteString(c.Content)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got.String() != "Hello" {
		t.Errorf("accumulated = %q, want Hello", got.String())
	}
}

func TestStreamStopsAfterCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":"first"}` + "\n"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
		w.Write([]byte(`{"response":"second"}` + "\n"))
	}))
	defer server.Close()
	defer close(release)

	streamer := newTemplateStreamer(baseConfig(server.URL), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	chunks := 0
	err := streamer.Stream(ctx, Request{Prompt: "hi"}, func(c Chunk) error {
		chunks++
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Stream error = %v, want context.Canceled", err)
	}
	if chunks != 1 {
		t.Errorf("delivered %d chunks after cancellation, want 1", chunks)
	}
}

func TestStreamConsumerErrorAbortsStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":"first"}` + "\n"))
		w.Write([]byte(`{"response":"second"}` + "\n"))
	}))
	defer server.Close()

	streamer := newTemplateStreamer(baseConfig(server.URL), testLogger())

	boom := errors.New("surface went away")
	chunks := 0
	err := streamer.Stream(context.Background(), Request{Prompt: "hi"}, func(c Chunk) error {
		chunks++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Stream error = %v, want consumer error", err)
	}
	if chunks != 1 {
		t.Errorf("delivered %d chunks after consumer error, want 1", chunks)
	}
}

func TestStreamSurfacesProviderStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer server.Close()

	streamer := newTemplateStreamer(baseConfig(server.URL), testLogger())

	err := streamer.Stream(context.Background(), Request{Prompt: "hi"}, func(c Chunk) error { return nil })
	if !errors.Is(err, fault.ErrHTTP) {
		t.Fatalf("error = %v, want ErrHTTP", err)
	}
	var httpErr *fault.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusUnauthorized {
		t.Fatalf("error %v does not carry 401 status", err)
	}
}

func TestMockStreamerRespectsContext(t *testing.T) {
	streamer := NewMockStreamer("one two three")

	var got strings.Builder
	if err := streamer.Stream(context.Background(), Request{}, func(c Chunk) error {
		got.WriteString(c.Content)
		return nil
	}); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got.String() != "one two three" {
		t.Errorf("accumulated = %q", got.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := streamer.Stream(ctx, Request{}, func(c Chunk) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled stream error = %v, want context.Canceled", err)
	}
}

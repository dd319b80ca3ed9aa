package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/murmurcast/murmur-core/internal/audio"
	"github.com/murmurcast/murmur-core/internal/config"
	"github.com/murmurcast/murmur-core/internal/fault"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBuffer(seconds float64, rate int) *audio.Buffer {
	frames := int(seconds * float64(rate))
	samples := make([]float64, frames)
	for i := range samples {
		samples[i] = 0.25
	}
	return &audio.Buffer{SampleRate: rate, Channels: [][]float64{samples}}
}

func TestNormalizeTranscriptFiltersArtifacts(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"[Music]", ""},
		{"(applause)", ""},
		{"♪♪", ""},
		{"   ", ""},
		{".", ""},
		{"a", ""},
		{"", ""},
		{"...", ""},
		{"hello there", "hello there"},
		{"  hello there  ", "hello there"},
		{"ok", "ok"},
	}
	for _, tc := range cases {
		if got := NormalizeTranscript(tc.in); got != tc.want {
			t.Errorf("NormalizeTranscript(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTranscribeRejectsOutOfBoundsDurations(t *testing.T) {
	cfg := config.STTConfig{
		Mode:            "mock",
		TimeoutSecs:     5,
		MinDurationSecs: 0.3,
		MaxDurationSecs: 1.0,
	}
	tr, err := NewTranscriber(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewTranscriber: %v", err)
	}

	for _, seconds := range []float64{0.1, 2.0} {
		text, err := tr.Transcribe(context.Background(), testBuffer(seconds, 16000))
		if err != nil {
			t.Fatalf("Transcribe(%.1fs): %v", seconds, err)
		}
		if text != "" {
			t.Errorf("Transcribe(%.1fs) = %q, want empty", seconds, text)
		}
	}

	text, err := tr.Transcribe(context.Background(), testBuffer(0.5, 16000))
	if err != nil {
		t.Fatalf("Transcribe(0.5s): %v", err)
	}
	if text != "mock transcript" {
		t.Errorf("Transcribe(0.5s) = %q, want mock transcript", text)
	}
}

func TestTranscribeTimeoutIsDistinctFromNetworkFailure(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(3 * time.Second)
	}))
	defer slow.Close()

	cfg := config.STTConfig{
		Mode:            "template",
		URL:             slow.URL,
		Transport:       "binary",
		ResponsePath:    "text",
		TimeoutSecs:     1,
		MinDurationSecs: 0.1,
		MaxDurationSecs: 10,
	}
	tr, err := NewTranscriber(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewTranscriber: %v", err)
	}

	if _, err := tr.Transcribe(context.Background(), testBuffer(0.5, 16000)); !errors.Is(err, fault.ErrTimeout) {
		t.Fatalf("slow backend error = %v, want ErrTimeout", err)
	}

	// A refused connection is a transport failure, not a timeout.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := listener.Addr().String()
	listener.Close()

	cfg.URL = "http://" + deadAddr
	tr, err = NewTranscriber(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewTranscriber: %v", err)
	}
	if _, err := tr.Transcribe(context.Background(), testBuffer(0.5, 16000)); !errors.Is(err, fault.ErrNetwork) {
		t.Fatalf("refused connection error = %v, want ErrNetwork", err)
	}
}

func TestTranscribeSurfacesProviderStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"quota exceeded"}}`))
	}))
	defer server.Close()

	cfg := config.STTConfig{
		Mode:            "template",
		URL:             server.URL,
		Transport:       "binary",
		ResponsePath:    "text",
		TimeoutSecs:     5,
		MinDurationSecs: 0.1,
		MaxDurationSecs: 10,
	}
	tr, err := NewTranscriber(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewTranscriber: %v", err)
	}

	_, err = tr.Transcribe(context.Background(), testBuffer(0.5, 16000))
	if !errors.Is(err, fault.ErrHTTP) {
		t.Fatalf("error = %v, want ErrHTTP", err)
	}
	var httpErr *fault.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("error %v does not carry HTTPError", err)
	}
	if httpErr.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", httpErr.Status)
	}
	if httpErr.Message != "quota exceeded" {
		t.Errorf("message = %q, want quota exceeded", httpErr.Message)
	}
}

func TestTranscribeExtractsConfiguredField(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "audio/wav" {
			t.Errorf("content type = %q, want audio/wav", ct)
		}
		w.Write([]byte(`{"result":{"text":"hello there"}}`))
	}))
	defer server.Close()

	cfg := config.STTConfig{
		Mode:            "template",
		URL:             server.URL,
		Transport:       "binary",
		ResponsePath:    "result.text",
		TimeoutSecs:     5,
		MinDurationSecs: 0.1,
		MaxDurationSecs: 10,
	}
	tr, err := NewTranscriber(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewTranscriber: %v", err)
	}

	text, err := tr.Transcribe(context.Background(), testBuffer(0.5, 16000))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hello there" {
		t.Errorf("text = %q, want hello there", text)
	}
}

func TestHostedBackendPreferredWhenEntitled(t *testing.T) {
	hosted := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer hosted-key" {
			t.Errorf("authorization = %q, want Bearer hosted-key", auth)
		}
		if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/form-data") {
			t.Errorf("content type = %q, want multipart", ct)
		}
		w.Write([]byte(`{"text":"from hosted"}`))
	}))
	defer hosted.Close()

	cfg := config.STTConfig{
		Mode:            "mock",
		ResponsePath:    "text",
		HostedURL:       hosted.URL,
		HostedAPIKey:    "hosted-key",
		HostedEntitled:  true,
		TimeoutSecs:     5,
		MinDurationSecs: 0.1,
		MaxDurationSecs: 10,
	}
	tr, err := NewTranscriber(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewTranscriber: %v", err)
	}

	text, err := tr.Transcribe(context.Background(), testBuffer(0.5, 16000))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "from hosted" {
		t.Errorf("text = %q, want from hosted", text)
	}
}

func TestExecRecognizerRejectsBadCommand(t *testing.T) {
	if _, err := newExecRecognizer(config.STTConfig{Mode: "exec", Command: ""}); !errors.Is(err, fault.ErrProviderConfig) {
		t.Fatalf("empty command error = %v, want ErrProviderConfig", err)
	}
}

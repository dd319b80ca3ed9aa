package completion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/murmurcast/murmur-core/internal/config"
	"github.com/murmurcast/murmur-core/internal/fault"
	"github.com/murmurcast/murmur-core/internal/provider"
)

// templateStreamer drives any streaming chat provider from a request
// template. The body template references {{messages_json}} for the chat
// turns, which is substituted as raw JSON before the remaining variables
// are interpolated.
type templateStreamer struct {
	cfg    config.CompletionConfig
	client *http.Client
	log    *slog.Logger
}

func newTemplateStreamer(cfg config.CompletionConfig, log *slog.Logger) *templateStreamer {
	return &templateStreamer{cfg: cfg, client: http.DefaultClient, log: log}
}

func (s *templateStreamer) Stream(ctx context.Context, req Request, consumer func(Chunk) error) error {
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutSecs)*time.Second)
	defer cancel()

	httpReq, err := s.buildRequest(callCtx, req)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fault.Timeout("completion")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fault.Network(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		message := ""
		if text, extractErr := provider.ExtractField(body, "error.message"); extractErr == nil {
			message = text
		}
		return fault.HTTP(resp.StatusCode, message)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	chars := 0
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		if s.cfg.StreamFormat == "sse" {
			payload, ok := bytes.CutPrefix(line, []byte("data:"))
			if !ok {
				continue
			}
			line = bytes.TrimSpace(payload)
			if string(line) == "[DONE]" {
				break
			}
		}

		delta, err := provider.ExtractField(line, s.cfg.ResponsePath)
		if err != nil {
			// Metadata lines without the content field are expected in
			// most streaming formats.
			if errors.Is(err, fault.ErrDecode) {
				continue
			}
			return err
		}
		if delta == "" {
			continue
		}
		chars += len(delta)
		if err := consumer(Chunk{Content: delta}); err != nil {
			return err
		}
	}
	s.log.Debug("completion stream finished", slog.Int("chars", chars))
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fault.Timeout("completion")
		}
		return fault.Network(err)
	}

	return consumer(Chunk{Done: true})
}

func (s *templateStreamer) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	system := req.System
	if system == "" {
		system = s.cfg.SystemPrompt
	}

	turns := make([]Message, 0, len(req.History)+2)
	if system != "" {
		turns = append(turns, Message{Role: "system", Content: system})
	}
	turns = append(turns, req.History...)
	turns = append(turns, Message{Role: "user", Content: req.Prompt})

	messagesJSON, err := json.Marshal(turns)
	if err != nil {
		return nil, fault.Validation("marshal chat turns: %v", err)
	}

	tmpl := provider.RequestTemplate{
		URL:     s.cfg.URL,
		Headers: s.cfg.Headers,
		Body:    strings.ReplaceAll(s.cfg.BodyTemplate, "{{messages_json}}", string(messagesJSON)),
	}
	vars := provider.Vars{
		"api_key":     s.cfg.APIKey,
		"model":       s.cfg.Model,
		"max_tokens":  strconv.Itoa(s.cfg.MaxTokens),
		"temperature": strconv.FormatFloat(s.cfg.Temperature, 'f', -1, 64),
	}
	return provider.BuildJSONRequest(ctx, tmpl, vars)
}

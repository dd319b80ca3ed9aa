package stt

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/murmurcast/murmur-core/internal/audio"
	"github.com/murmurcast/murmur-core/internal/config"
	"github.com/murmurcast/murmur-core/internal/fault"
	"github.com/murmurcast/murmur-core/internal/provider"
)

// Transcriber turns a finished-utterance buffer into validated text. The
// post-processing contract is identical across backends: duration guards
// reject pathological inputs by returning empty text, a hard timeout is
// distinct from transport errors, and the hallucination filter runs on
// every transcript regardless of origin.
type Transcriber struct {
	cfg     config.STTConfig
	primary Recognizer
	hosted  Recognizer
	logger  *slog.Logger
}

func NewTranscriber(cfg config.STTConfig, logger *slog.Logger) (*Transcriber, error) {
	t := &Transcriber{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "stt")),
	}

	switch cfg.Mode {
	case "template":
		t.primary = newTemplateRecognizer(templateFromConfig(cfg), baseVars(cfg))
	case "hosted":
		t.primary = newTemplateRecognizer(hostedTemplateFromConfig(cfg), hostedVars(cfg))
	case "exec":
		rec, err := newExecRecognizer(cfg)
		if err != nil {
			return nil, err
		}
		t.primary = rec
	case "mock":
		t.primary = NewMockRecognizer()
	default:
		return nil, fault.ProviderConfig("unknown stt mode %q", cfg.Mode)
	}

	// Hosted path used alongside a primary backend when entitled.
	if cfg.Mode != "hosted" && cfg.HostedEntitled && cfg.HostedURL != "" {
		t.hosted = newTemplateRecognizer(hostedTemplateFromConfig(cfg), hostedVars(cfg))
	}

	return t, nil
}

// Transcribe runs the full pipeline on an utterance buffer. An empty
// string with a nil error means the audio was rejected or filtered; that
// is expected noise, not a failure.
func (t *Transcriber) Transcribe(ctx context.Context, buf *audio.Buffer) (string, error) {
	if buf == nil || buf.FrameLen() == 0 {
		return "", nil
	}
	duration := buf.Duration()
	if duration < t.cfg.MinDurationSecs || duration > t.cfg.MaxDurationSecs {
		t.logger.Debug("utterance outside duration bounds",
			slog.Float64("duration_secs", duration))
		return "", nil
	}

	wavBytes, err := audio.EncodeWav(buf)
	if err != nil {
		return "", err
	}

	backend := t.primary
	if t.hosted != nil {
		backend = t.hosted
	}

	timeout := time.Duration(t.cfg.TimeoutSecs) * time.Second
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	text, err := backend.Transcribe(callCtx, wavBytes)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", fault.Timeout("transcription")
		}
		return "", err
	}

	return NormalizeTranscript(text), nil
}

func templateFromConfig(cfg config.STTConfig) provider.RequestTemplate {
	return provider.RequestTemplate{
		URL:          cfg.URL,
		Headers:      cfg.Headers,
		Body:         cfg.BodyTemplate,
		Transport:    provider.TransportKind(cfg.Transport),
		ResponsePath: cfg.ResponsePath,
	}
}

func hostedTemplateFromConfig(cfg config.STTConfig) provider.RequestTemplate {
	return provider.RequestTemplate{
		URL:          cfg.HostedURL,
		Headers:      map[string]string{"Authorization": "Bearer {{api_key}}"},
		Body:         cfg.BodyTemplate,
		Transport:    provider.TransportMultipart,
		ResponsePath: cfg.ResponsePath,
	}
}

func baseVars(cfg config.STTConfig) provider.Vars {
	return provider.Vars{
		"api_key":  cfg.APIKey,
		"model":    cfg.Model,
		"language": cfg.Language,
	}
}

func hostedVars(cfg config.STTConfig) provider.Vars {
	vars := baseVars(cfg)
	vars["api_key"] = cfg.HostedAPIKey
	return vars
}

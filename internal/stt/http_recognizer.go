package stt

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/murmurcast/murmur-core/internal/fault"
	"github.com/murmurcast/murmur-core/internal/provider"
)

// templateRecognizer drives any HTTP STT provider from a request
// template; provider differences stay in configuration.
type templateRecognizer struct {
	tmpl   provider.RequestTemplate
	vars   provider.Vars
	client *http.Client
}

func newTemplateRecognizer(tmpl provider.RequestTemplate, vars provider.Vars) *templateRecognizer {
	return &templateRecognizer{tmpl: tmpl, vars: vars, client: http.DefaultClient}
}

func (r *templateRecognizer) Transcribe(ctx context.Context, wavAudio []byte) (string, error) {
	req, err := provider.BuildAudioRequest(ctx, r.tmpl, r.vars, wavAudio, "utterance.wav")
	if err != nil {
		return "", err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", context.DeadlineExceeded
		}
		return "", fault.Network(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fault.Network(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := ""
		if text, extractErr := provider.ExtractField(body, "error.message"); extractErr == nil {
			message = text
		}
		return "", fault.HTTP(resp.StatusCode, message)
	}

	return provider.ExtractField(body, r.tmpl.ResponsePath)
}

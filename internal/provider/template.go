// Package provider interprets data-driven request templates so that
// provider-specific behavior lives in configuration rather than code.
package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/murmurcast/murmur-core/internal/fault"
)

// TransportKind selects how audio payloads are attached to a request.
type TransportKind string

const (
	TransportBinary     TransportKind = "binary"
	TransportMultipart  TransportKind = "multipart"
	TransportJSONBase64 TransportKind = "json_base64"
)

// RequestTemplate describes one provider endpoint. URL, headers and body
// are interpolated against a variable set before each call.
type RequestTemplate struct {
	URL          string
	Headers      map[string]string
	Body         string
	Transport    TransportKind
	ResponsePath string
}

// Vars holds interpolation values for {{name}} placeholders.
type Vars map[string]string

// Interpolate substitutes {{name}} placeholders. When jsonEscape is set,
// values are escaped for embedding inside JSON string literals.
func Interpolate(template string, vars Vars, jsonEscape bool) string {
	out := template
	for key, value := range vars {
		if jsonEscape {
			escaped, _ := json.Marshal(value)
			value = string(escaped[1 : len(escaped)-1])
		}
		out = strings.ReplaceAll(out, "{{"+key+"}}", value)
	}
	return out
}

// BuildAudioRequest constructs an HTTP request carrying an audio payload
// using the template's declared transport.
func BuildAudioRequest(ctx context.Context, tmpl RequestTemplate, vars Vars, audio []byte, filename string) (*http.Request, error) {
	if tmpl.URL == "" {
		return nil, fault.ProviderConfig("request template has no url")
	}
	url := Interpolate(tmpl.URL, vars, false)

	var body *bytes.Buffer
	contentType := ""

	switch tmpl.Transport {
	case TransportBinary:
		body = bytes.NewBuffer(audio)
		contentType = "audio/wav"

	case TransportMultipart:
		body = &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		part, err := writer.CreateFormFile("file", filename)
		if err != nil {
			return nil, fault.Validation("create multipart part: %v", err)
		}
		if _, err := part.Write(audio); err != nil {
			return nil, fault.Validation("write multipart audio: %v", err)
		}
		for key, value := range formFields(tmpl.Body, vars) {
			if err := writer.WriteField(key, value); err != nil {
				return nil, fault.Validation("write multipart field: %v", err)
			}
		}
		if err := writer.Close(); err != nil {
			return nil, fault.Validation("close multipart writer: %v", err)
		}
		contentType = writer.FormDataContentType()

	case TransportJSONBase64:
		withAudio := Vars{}
		for k, v := range vars {
			withAudio[k] = v
		}
		withAudio["audio_base64"] = base64.StdEncoding.EncodeToString(audio)
		rendered := Interpolate(tmpl.Body, withAudio, true)
		body = bytes.NewBufferString(rendered)
		contentType = "application/json"

	default:
		return nil, fault.ProviderConfig("unknown transport %q", tmpl.Transport)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fault.Validation("build request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	for key, value := range tmpl.Headers {
		req.Header.Set(key, Interpolate(value, vars, false))
	}
	return req, nil
}

// BuildJSONRequest constructs a plain JSON request (completion calls).
func BuildJSONRequest(ctx context.Context, tmpl RequestTemplate, vars Vars) (*http.Request, error) {
	if tmpl.URL == "" {
		return nil, fault.ProviderConfig("request template has no url")
	}
	url := Interpolate(tmpl.URL, vars, false)
	rendered := Interpolate(tmpl.Body, vars, true)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(rendered))
	if err != nil {
		return nil, fault.Validation("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range tmpl.Headers {
		req.Header.Set(key, Interpolate(value, vars, false))
	}
	return req, nil
}

// formFields parses a body template of "key=value" lines into multipart
// form fields, interpolating values.
func formFields(body string, vars Vars) map[string]string {
	fields := map[string]string{}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		fields[strings.TrimSpace(key)] = Interpolate(strings.TrimSpace(value), vars, false)
	}
	return fields
}

// ExtractField walks a dot-separated path ("results.0.text") through a
// JSON document. A resolvable path with an empty value returns ("", nil);
// an unresolvable path is a decode failure, distinct from transport
// errors upstream.
func ExtractField(raw []byte, path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fault.ProviderConfig("response path is empty")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fault.Decode("parse provider response: %v", err)
	}

	current := doc
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return "", fault.Decode("response field %q not found", path)
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return "", fault.Decode("response field %q not found", path)
			}
			current = node[idx]
		default:
			return "", fault.Decode("response field %q not found", path)
		}
	}

	switch value := current.(type) {
	case string:
		return value, nil
	case nil:
		return "", nil
	default:
		rendered, err := json.Marshal(value)
		if err != nil {
			return "", fault.Decode("render response field: %v", err)
		}
		return string(rendered), nil
	}
}

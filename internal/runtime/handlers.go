package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/murmurcast/murmur-core/internal/config"
	"github.com/murmurcast/murmur-core/internal/fault"
	"github.com/murmurcast/murmur-core/internal/protocol"
)

// registerControlRoutes exposes the control surface: capture lifecycle,
// manual prompts, settings changes (rebroadcast on the bus so other
// surfaces stay in sync), and conversation access.
func (r *Runtime) registerControlRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/capture/start", r.handleCaptureStart)
	mux.HandleFunc("POST /v1/capture/stop", r.handleCaptureStop)
	mux.HandleFunc("POST /v1/capture/stop_continuous", r.handleStopContinuous)
	mux.HandleFunc("POST /v1/capture/request_access", r.handleRequestAccess)
	mux.HandleFunc("GET /v1/state", r.handleState)
	mux.HandleFunc("POST /v1/prompt", r.handlePrompt)
	mux.HandleFunc("POST /v1/conversation", r.handleNewConversation)
	mux.HandleFunc("GET /v1/conversation", r.handleActiveConversation)
	mux.HandleFunc("GET /v1/conversations", r.handleListConversations)
	mux.HandleFunc("GET /v1/conversations/{id}", r.handleGetConversation)
	mux.HandleFunc("DELETE /v1/conversations/{id}", r.handleDeleteConversation)
	mux.HandleFunc("PUT /v1/settings/vad", r.handleVadSettings)
	mux.HandleFunc("PUT /v1/settings/microphone", r.handleMicrophoneSetting)
}

func (r *Runtime) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeError maps the fault taxonomy onto HTTP statuses while keeping the
// single human-readable message contract.
func (r *Runtime) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, fault.ErrValidation), errors.Is(err, fault.ErrProviderConfig):
		status = http.StatusBadRequest
	case errors.Is(err, fault.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, fault.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, fault.ErrNetwork), errors.Is(err, fault.ErrHTTP):
		status = http.StatusBadGateway
	}
	r.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (r *Runtime) handleCaptureStart(w http.ResponseWriter, req *http.Request) {
	if err := r.orch.StartCapture(req.Context()); err != nil {
		r.writeError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, r.orch.Snapshot())
}

func (r *Runtime) handleCaptureStop(w http.ResponseWriter, req *http.Request) {
	if err := r.orch.StopCapture(req.Context()); err != nil {
		r.writeError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, r.orch.Snapshot())
}

func (r *Runtime) handleStopContinuous(w http.ResponseWriter, req *http.Request) {
	if err := r.orch.ManualStopContinuous(req.Context()); err != nil {
		r.writeError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, r.orch.Snapshot())
}

func (r *Runtime) handleRequestAccess(w http.ResponseWriter, req *http.Request) {
	granted, err := r.orch.RequestAccess(req.Context())
	if err != nil {
		r.writeError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, map[string]bool{"granted": granted})
}

func (r *Runtime) handleState(w http.ResponseWriter, _ *http.Request) {
	r.writeJSON(w, http.StatusOK, r.orch.Snapshot())
}

func (r *Runtime) handlePrompt(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		r.writeError(w, fault.Validation("decode prompt: %v", err))
		return
	}
	if err := r.orch.ManualPrompt(body.Text); err != nil {
		r.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (r *Runtime) handleNewConversation(w http.ResponseWriter, _ *http.Request) {
	r.orch.NewConversation()
	r.writeJSON(w, http.StatusOK, r.orch.Snapshot())
}

func (r *Runtime) handleActiveConversation(w http.ResponseWriter, _ *http.Request) {
	conv := r.orch.Conversation()
	if conv == nil {
		r.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active conversation"})
		return
	}
	r.writeJSON(w, http.StatusOK, conv)
}

func (r *Runtime) handleListConversations(w http.ResponseWriter, req *http.Request) {
	list, err := r.store.List(req.Context(), 100)
	if err != nil {
		r.writeError(w, err)
		return
	}
	r.writeJSON(w, http.StatusOK, list)
}

func (r *Runtime) handleGetConversation(w http.ResponseWriter, req *http.Request) {
	conv, err := r.store.Load(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeError(w, err)
		return
	}
	if conv == nil {
		r.writeJSON(w, http.StatusNotFound, map[string]string{"error": "conversation not found"})
		return
	}
	r.writeJSON(w, http.StatusOK, conv)
}

func (r *Runtime) handleDeleteConversation(w http.ResponseWriter, req *http.Request) {
	if err := r.store.Delete(req.Context(), req.PathValue("id")); err != nil {
		r.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Runtime) handleVadSettings(w http.ResponseWriter, req *http.Request) {
	var vad config.VadConfig
	if err := json.NewDecoder(req.Body).Decode(&vad); err != nil {
		r.writeError(w, fault.Validation("decode vad config: %v", err))
		return
	}
	if err := r.orch.UpdateVadConfig(req.Context(), vad); err != nil {
		r.writeError(w, err)
		return
	}
	if err := r.bus.PublishJSON(protocol.SubjectSettingsVadChanged, protocol.VadConfigChanged{Vad: vad}); err != nil {
		r.logger.Warn("failed to broadcast vad change", slog.String("error", err.Error()))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Runtime) handleMicrophoneSetting(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Value bool `json:"value"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		r.writeError(w, fault.Validation("decode microphone setting: %v", err))
		return
	}
	r.orch.SetIncludeMicrophone(body.Value)
	if err := r.bus.PublishJSON(protocol.SubjectSettingsMicrophoneChanged, protocol.IncludeMicrophoneChanged{Value: body.Value}); err != nil {
		r.logger.Warn("failed to broadcast microphone change", slog.String("error", err.Error()))
	}
	w.WriteHeader(http.StatusNoContent)
}

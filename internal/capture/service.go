package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/murmurcast/murmur-core/internal/bus"
	"github.com/murmurcast/murmur-core/internal/protocol"
)

// Service bridges the bus to the orchestrator: native feed events arrive
// on capture.feed.*, cross-surface settings changes on settings.changed.*.
type Service struct {
	orch  *Orchestrator
	bus   *bus.Client
	log   *slog.Logger
	subs  []*nats.Subscription
	ready bool
}

func NewService(orch *Orchestrator, busClient *bus.Client, logger *slog.Logger) *Service {
	return &Service{
		orch: orch,
		bus:  busClient,
		log:  logger.With(slog.String("component", "capture.bridge")),
	}
}

func (s *Service) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectFeedFrame:                 s.handleFrame,
		protocol.SubjectFeedSpeech:                s.handleSpeech,
		protocol.SubjectFeedContinuousStart:       s.handleContinuousStart,
		protocol.SubjectFeedContinuousStopped:     s.handleContinuousStopped,
		protocol.SubjectFeedProgress:              s.handleProgress,
		protocol.SubjectFeedEncodingError:         s.handleEncodingError,
		protocol.SubjectFeedSpeechDiscarded:       s.handleSpeechDiscarded,
		protocol.SubjectSettingsVadChanged:        s.handleVadChanged,
		protocol.SubjectSettingsMicrophoneChanged: s.handleMicrophoneChanged,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.ready = true
	return nil
}

func (s *Service) Close() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.orch.Close()
}

func (s *Service) Healthy() bool {
	return s.ready
}

func (s *Service) decode(msg *nats.Msg, into any) bool {
	if err := json.Unmarshal(msg.Data, into); err != nil {
		s.log.Warn("failed to decode feed message",
			slog.String("subject", msg.Subject), slog.String("error", err.Error()))
		return false
	}
	return true
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if s.decode(msg, &frame) {
		s.orch.HandleFrame(frame)
	}
}

func (s *Service) handleSpeech(msg *nats.Msg) {
	var evt protocol.SpeechDetected
	if s.decode(msg, &evt) {
		s.orch.HandleSpeechDetected(evt)
	}
}

func (s *Service) handleContinuousStart(msg *nats.Msg) {
	s.orch.HandleContinuousStarted()
}

func (s *Service) handleContinuousStopped(msg *nats.Msg) {
	var evt protocol.ContinuousStopped
	if s.decode(msg, &evt) {
		s.orch.HandleContinuousStopped(evt)
	}
}

func (s *Service) handleProgress(msg *nats.Msg) {
	var evt protocol.RecordingProgress
	if s.decode(msg, &evt) {
		s.orch.HandleProgress(evt)
	}
}

func (s *Service) handleEncodingError(msg *nats.Msg) {
	var evt protocol.AudioEncodingError
	if s.decode(msg, &evt) {
		s.orch.HandleEncodingError(evt)
	}
}

func (s *Service) handleSpeechDiscarded(msg *nats.Msg) {
	var evt protocol.SpeechDetected
	if s.decode(msg, &evt) {
		s.orch.HandleSpeechDiscarded(evt.Track)
	}
}

func (s *Service) handleVadChanged(msg *nats.Msg) {
	var evt protocol.VadConfigChanged
	if !s.decode(msg, &evt) {
		return
	}
	if err := s.orch.UpdateVadConfig(context.Background(), evt.Vad); err != nil {
		s.log.Warn("vad config change rejected", slog.String("error", err.Error()))
	}
}

func (s *Service) handleMicrophoneChanged(msg *nats.Msg) {
	var evt protocol.IncludeMicrophoneChanged
	if s.decode(msg, &evt) {
		s.orch.SetIncludeMicrophone(evt.Value)
	}
}

package protocol

import (
	"time"

	"github.com/murmurcast/murmur-core/internal/config"
)

// Track identifies one independent audio source.
type Track string

const (
	TrackSystem     Track = "system"
	TrackMicrophone Track = "microphone"
)

// AudioFrame carries one hop of raw PCM from the native capture layer for
// tracks segmented in-process. Samples are 16-bit little-endian.
type AudioFrame struct {
	Track      Track     `json:"track"`
	Sequence   int       `json:"sequence"`
	SampleRate int       `json:"sample_rate"`
	PCM        []byte    `json:"pcm"`
	Timestamp  time.Time `json:"timestamp"`
}

// SpeechDetected carries a finished utterance already segmented by the
// native layer (system-track VAD runs natively on some platforms).
type SpeechDetected struct {
	Track      Track     `json:"track"`
	SampleRate int       `json:"sample_rate"`
	PCM        []byte    `json:"pcm"`
	Timestamp  time.Time `json:"timestamp"`
}

// ContinuousStopped closes a continuous-mode recording; microphone PCM is
// present only when the microphone track was included.
type ContinuousStopped struct {
	SampleRate    int       `json:"sample_rate"`
	SystemPCM     []byte    `json:"system_pcm"`
	MicrophonePCM []byte    `json:"microphone_pcm,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// RecordingProgress reports elapsed time for an in-flight continuous
// recording, feeding the duration ceiling.
type RecordingProgress struct {
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// AudioEncodingError reports a native-side encode failure. Surfaced,
// never fatal to the session.
type AudioEncodingError struct {
	Message string `json:"message"`
}

// StartCaptureCommand arms native capture with the active policy.
type StartCaptureCommand struct {
	Vad               config.VadConfig `json:"vad"`
	DeviceID          string           `json:"device_id,omitempty"`
	IncludeMicrophone bool             `json:"include_microphone"`
	Mode              string           `json:"mode"`
}

// UpdateVadConfigCommand pushes a new segmentation policy without
// restarting capture.
type UpdateVadConfigCommand struct {
	Vad config.VadConfig `json:"vad"`
}

// CommandReply is the generic native-layer response envelope.
type CommandReply struct {
	OK      bool   `json:"ok"`
	Granted bool   `json:"granted,omitempty"`
	Error   string `json:"error,omitempty"`
}

// VadConfigChanged broadcasts a segmentation policy edit from any control
// surface to all active subscribers.
type VadConfigChanged struct {
	Vad config.VadConfig `json:"vad"`
}

// IncludeMicrophoneChanged broadcasts the microphone-track toggle.
type IncludeMicrophoneChanged struct {
	Value bool `json:"value"`
}

const (
	SubjectFeedFrame             = "capture.feed.frame"
	SubjectFeedSpeech            = "capture.feed.speech"
	SubjectFeedContinuousStart   = "capture.feed.continuous_start"
	SubjectFeedContinuousStopped = "capture.feed.continuous_stopped"
	SubjectFeedProgress          = "capture.feed.progress"
	SubjectFeedEncodingError     = "capture.feed.encoding_error"
	SubjectFeedSpeechDiscarded   = "capture.feed.speech_discarded"

	SubjectCmdStartCapture         = "capture.cmd.start"
	SubjectCmdStopCapture          = "capture.cmd.stop"
	SubjectCmdManualStopContinuous = "capture.cmd.manual_stop"
	SubjectCmdUpdateVadConfig      = "capture.cmd.update_vad"
	SubjectCmdCheckAudioAccess     = "capture.cmd.check_access"
	SubjectCmdRequestAudioAccess   = "capture.cmd.request_access"

	SubjectSettingsVadChanged        = "settings.changed.vad"
	SubjectSettingsMicrophoneChanged = "settings.changed.include_microphone"
)

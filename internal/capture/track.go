package capture

import (
	"context"

	"github.com/murmurcast/murmur-core/internal/chat"
	"github.com/murmurcast/murmur-core/internal/protocol"
	"github.com/murmurcast/murmur-core/internal/vad"
)

// TrackState is the pipeline phase of one audio track. Only Recording
// accepts new audio; Transcribing and Completing are the in-flight guard
// that makes a second speech-end on the same track get dropped.
type TrackState int

const (
	TrackInactive TrackState = iota
	TrackArmed
	TrackRecording
	TrackTranscribing
	TrackCompleting
)

func (s TrackState) String() string {
	switch s {
	case TrackInactive:
		return "inactive"
	case TrackArmed:
		return "armed"
	case TrackRecording:
		return "recording"
	case TrackTranscribing:
		return "transcribing"
	case TrackCompleting:
		return "completing"
	}
	return "unknown"
}

// trackState is the orchestrator's per-track bookkeeping. Guarded by the
// orchestrator mutex.
type trackState struct {
	state     TrackState
	segmenter *vad.Segmenter
	cancel    context.CancelFunc
	// removing defers track teardown until the in-flight utterance
	// finishes, so a mic toggle never loses mid-flight audio.
	removing bool
}

func sourceFor(track protocol.Track) chat.Source {
	if track == protocol.TrackMicrophone {
		return chat.SourceMicrophone
	}
	return chat.SourceSystemAudio
}

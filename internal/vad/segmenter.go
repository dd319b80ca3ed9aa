package vad

import (
	"math"
	"sync"
	"time"

	"github.com/murmurcast/murmur-core/internal/config"
)

// State is the segmentation phase for one track.
type State int

const (
	StateIdle State = iota
	StateListening
	StateSpeechPending
	StateInSpeech
	StateEndPending
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateSpeechPending:
		return "speech-pending"
	case StateInSpeech:
		return "in-speech"
	case StateEndPending:
		return "end-pending"
	}
	return "unknown"
}

// Utterance is one finalized speech segment, including pre-roll audio
// retained before the detected onset. Consumed exactly once downstream.
type Utterance struct {
	Samples    []float64
	SampleRate int
	Start      time.Time
}

// Duration returns the utterance length in seconds.
func (u *Utterance) Duration() float64 {
	if u.SampleRate <= 0 {
		return 0
	}
	return float64(len(u.Samples)) / float64(u.SampleRate)
}

// Segmenter turns a stream of fixed-size analysis frames into discrete
// utterances. Frame classification is RMS plus peak thresholding after a
// noise gate; boundaries are debounced on onset (min_speech_chunks) and
// hung over on release (silence_chunks). A max-duration ceiling bounds
// buffering when silence never arrives.
type Segmenter struct {
	mu    sync.Mutex
	cfg   config.VadConfig
	rate  int
	clock func() time.Time

	state      State
	preRoll    [][]float64
	pending    [][]float64
	current    []float64
	speechRun  int
	silenceRun int
	onset      time.Time
}

func NewSegmenter(cfg config.VadConfig, sampleRate int) *Segmenter {
	return &Segmenter{
		cfg:   cfg,
		rate:  sampleRate,
		clock: time.Now,
		state: StateIdle,
	}
}

// Start arms the segmenter. Any partially accumulated speech is dropped.
func (s *Segmenter) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.state = StateListening
}

// Stop returns the segmenter to idle; frames pushed while idle are ignored.
func (s *Segmenter) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.state = StateIdle
}

// State reports the current phase.
func (s *Segmenter) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UpdateConfig swaps the segmentation policy without restarting. An
// utterance accumulating mid-flight is kept; new thresholds apply from the
// next frame.
func (s *Segmenter) UpdateConfig(cfg config.VadConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

// Config returns a snapshot of the active policy.
func (s *Segmenter) Config() config.VadConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Segmenter) resetLocked() {
	s.preRoll = nil
	s.pending = nil
	s.current = nil
	s.speechRun = 0
	s.silenceRun = 0
	s.onset = time.Time{}
}

// Push processes one analysis frame. It returns a finalized utterance when
// a boundary is reached, or discarded=true when accumulated speech was too
// short to be worth a transcription call. Both may be nil/false.
func (s *Segmenter) Push(frame []float64) (ut *Utterance, discarded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateIdle || !s.cfg.Enabled || len(frame) == 0 {
		return nil, false
	}

	gated := s.applyNoiseGate(frame)
	speech := s.isSpeechFrame(gated)

	switch s.state {
	case StateListening:
		if speech {
			s.state = StateSpeechPending
			s.speechRun = 1
			s.pending = append(s.pending[:0], gated)
			s.onset = s.clock().Add(-s.preRollDuration())
			if s.speechRun >= s.minSpeechChunks() {
				s.promoteLocked()
			}
		} else {
			s.pushPreRoll(gated)
		}

	case StateSpeechPending:
		if speech {
			s.speechRun++
			s.pending = append(s.pending, gated)
			if s.speechRun >= s.minSpeechChunks() {
				s.promoteLocked()
			}
		} else {
			// Transient blip: drop pending audio back into pre-roll.
			for _, f := range s.pending {
				s.pushPreRoll(f)
			}
			s.pushPreRoll(gated)
			s.pending = nil
			s.speechRun = 0
			s.state = StateListening
		}

	case StateInSpeech:
		s.current = append(s.current, gated...)
		if speech {
			s.silenceRun = 0
		} else {
			s.silenceRun++
			if s.silenceRun >= s.cfg.SilenceChunks {
				s.state = StateEndPending
				return s.finalizeLocked(true)
			}
		}
		if s.maxDurationReached() {
			return s.finalizeLocked(false)
		}
	}

	return nil, false
}

// promoteLocked moves SpeechPending into InSpeech, folding the pre-roll
// and the debounce window into the utterance.
func (s *Segmenter) promoteLocked() {
	s.current = s.current[:0]
	for _, f := range s.preRoll {
		s.current = append(s.current, f...)
	}
	for _, f := range s.pending {
		s.current = append(s.current, f...)
	}
	s.preRoll = nil
	s.pending = nil
	s.silenceRun = 0
	s.state = StateInSpeech
}

// finalizeLocked emits the accumulated utterance. trimHangover removes the
// trailing silence run; the max-duration path keeps everything.
func (s *Segmenter) finalizeLocked(trimHangover bool) (*Utterance, bool) {
	samples := s.current
	if trimHangover {
		trim := s.silenceRun * s.cfg.HopSize
		if trim < len(samples) {
			samples = samples[:len(samples)-trim]
		} else {
			samples = nil
		}
	}

	out := append([]float64(nil), samples...)
	onset := s.onset

	s.current = nil
	s.speechRun = 0
	s.silenceRun = 0
	s.onset = time.Time{}
	s.state = StateListening

	if len(out) < s.minSpeechChunks()*s.cfg.HopSize {
		return nil, true
	}
	return &Utterance{Samples: out, SampleRate: s.rate, Start: onset}, false
}

func (s *Segmenter) applyNoiseGate(frame []float64) []float64 {
	gate := s.cfg.NoiseGateThreshold
	out := make([]float64, len(frame))
	if gate <= 0 {
		copy(out, frame)
		return out
	}
	for i, v := range frame {
		if math.Abs(v) >= gate {
			out[i] = v
		}
	}
	return out
}

func (s *Segmenter) isSpeechFrame(frame []float64) bool {
	var sum float64
	var peak float64
	for _, v := range frame {
		sum += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	if rms > s.cfg.SensitivityRMS {
		return true
	}
	return s.cfg.PeakThreshold > 0 && peak > s.cfg.PeakThreshold
}

func (s *Segmenter) pushPreRoll(frame []float64) {
	if s.cfg.PreSpeechChunks <= 0 {
		return
	}
	s.preRoll = append(s.preRoll, frame)
	if len(s.preRoll) > s.cfg.PreSpeechChunks {
		s.preRoll = s.preRoll[len(s.preRoll)-s.cfg.PreSpeechChunks:]
	}
}

func (s *Segmenter) preRollDuration() time.Duration {
	if s.rate <= 0 {
		return 0
	}
	frames := 0
	for _, f := range s.preRoll {
		frames += len(f)
	}
	return time.Duration(float64(frames) / float64(s.rate) * float64(time.Second))
}

func (s *Segmenter) minSpeechChunks() int {
	if s.cfg.MinSpeechChunks < 1 {
		return 1
	}
	return s.cfg.MinSpeechChunks
}

func (s *Segmenter) maxDurationReached() bool {
	if s.cfg.MaxRecordingDurationSecs <= 0 || s.rate <= 0 {
		return false
	}
	return len(s.current) >= s.cfg.MaxRecordingDurationSecs*s.rate
}

package vad

import (
	"math"
	"testing"

	"github.com/murmurcast/murmur-core/internal/config"
)

const testRate = 44100

func testConfig() config.VadConfig {
	return config.VadConfig{
		Enabled:                  true,
		HopSize:                  1024,
		SensitivityRMS:           0.01,
		PeakThreshold:            0.02,
		SilenceChunks:            45,
		MinSpeechChunks:          10,
		PreSpeechChunks:          10,
		NoiseGateThreshold:       0.003,
		MaxRecordingDurationSecs: 60,
	}
}

func speechFrame(hop int) []float64 {
	out := make([]float64, hop)
	for i := range out {
		out[i] = 0.5 * math.Sin(2*math.Pi*440*float64(i)/testRate)
	}
	return out
}

func silenceFrame(hop int) []float64 {
	return make([]float64, hop)
}

func framesFor(secs float64, hop int) int {
	return int(secs * testRate / float64(hop))
}

func TestSpeechBurstYieldsSingleUtterance(t *testing.T) {
	cfg := testConfig()
	seg := NewSegmenter(cfg, testRate)
	seg.Start()

	var utterances []*Utterance
	push := func(frame []float64) {
		ut, _ := seg.Push(frame)
		if ut != nil {
			utterances = append(utterances, ut)
		}
	}

	for i := 0; i < framesFor(2, cfg.HopSize); i++ {
		push(speechFrame(cfg.HopSize))
	}
	for i := 0; i < framesFor(2, cfg.HopSize); i++ {
		push(silenceFrame(cfg.HopSize))
	}

	if len(utterances) != 1 {
		t.Fatalf("expected exactly one utterance, got %d", len(utterances))
	}
	got := utterances[0].Duration()
	// Speech burst plus up to pre_speech_chunks of pre-roll; no pre-roll
	// accumulated here because the stream opens with speech.
	if got < 1.9 || got > 2.3 {
		t.Fatalf("unexpected utterance duration %f", got)
	}
	if seg.State() != StateListening {
		t.Fatalf("expected listening after finalize, got %s", seg.State())
	}
}

func TestPreRollIncludedBeforeOnset(t *testing.T) {
	cfg := testConfig()
	seg := NewSegmenter(cfg, testRate)
	seg.Start()

	for i := 0; i < 30; i++ {
		if ut, _ := seg.Push(silenceFrame(cfg.HopSize)); ut != nil {
			t.Fatal("silence produced an utterance")
		}
	}
	var got *Utterance
	for i := 0; i < framesFor(1, cfg.HopSize); i++ {
		if ut, _ := seg.Push(speechFrame(cfg.HopSize)); ut != nil {
			got = ut
		}
	}
	for i := 0; i <= cfg.SilenceChunks && got == nil; i++ {
		ut, _ := seg.Push(silenceFrame(cfg.HopSize))
		if ut != nil {
			got = ut
		}
	}
	if got == nil {
		t.Fatal("expected an utterance")
	}

	speechSecs := float64(framesFor(1, cfg.HopSize)*cfg.HopSize) / testRate
	preRollSecs := float64(cfg.PreSpeechChunks*cfg.HopSize) / testRate
	want := speechSecs + preRollSecs
	if math.Abs(got.Duration()-want) > 0.05 {
		t.Fatalf("expected duration ~%f (speech+pre-roll), got %f", want, got.Duration())
	}
}

func TestShortBlipNeverProducesUtterance(t *testing.T) {
	cfg := testConfig()
	seg := NewSegmenter(cfg, testRate)
	seg.Start()

	// Three speech frames is below min_speech_chunks; debounce reverts.
	for i := 0; i < 3; i++ {
		if ut, _ := seg.Push(speechFrame(cfg.HopSize)); ut != nil {
			t.Fatal("blip produced an utterance")
		}
	}
	for i := 0; i < cfg.SilenceChunks*2; i++ {
		ut, disc := seg.Push(silenceFrame(cfg.HopSize))
		if ut != nil || disc {
			t.Fatal("trailing silence after blip produced output")
		}
	}
	if seg.State() != StateListening {
		t.Fatalf("expected listening, got %s", seg.State())
	}
}

func TestMaxDurationForcesFinalization(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRecordingDurationSecs = 1
	seg := NewSegmenter(cfg, testRate)
	seg.Start()

	var got *Utterance
	for i := 0; i < framesFor(3, cfg.HopSize); i++ {
		ut, _ := seg.Push(speechFrame(cfg.HopSize))
		if ut != nil {
			got = ut
			break
		}
	}
	if got == nil {
		t.Fatal("expected forced finalization without silence")
	}
	if got.Duration() > 1.1 {
		t.Fatalf("forced utterance too long: %f", got.Duration())
	}
}

func TestConfigUpdateMidUtteranceDoesNotLoseAudio(t *testing.T) {
	cfg := testConfig()
	seg := NewSegmenter(cfg, testRate)
	seg.Start()

	for i := 0; i < framesFor(1, cfg.HopSize); i++ {
		seg.Push(speechFrame(cfg.HopSize))
	}
	// Tighten the hangover while speech is mid-flight.
	cfg.SilenceChunks = 10
	seg.UpdateConfig(cfg)

	var got *Utterance
	for i := 0; i <= cfg.SilenceChunks; i++ {
		ut, _ := seg.Push(silenceFrame(cfg.HopSize))
		if ut != nil {
			got = ut
		}
	}
	if got == nil {
		t.Fatal("expected utterance after shortened hangover")
	}
	if got.Duration() < 0.9 {
		t.Fatalf("mid-flight audio lost, duration %f", got.Duration())
	}
}

func TestIdleSegmenterIgnoresFrames(t *testing.T) {
	seg := NewSegmenter(testConfig(), testRate)
	if ut, disc := seg.Push(speechFrame(1024)); ut != nil || disc {
		t.Fatal("idle segmenter produced output")
	}
}

func TestNoiseGateSuppressesHiss(t *testing.T) {
	cfg := testConfig()
	cfg.NoiseGateThreshold = 0.01
	seg := NewSegmenter(cfg, testRate)
	seg.Start()

	hiss := make([]float64, cfg.HopSize)
	for i := range hiss {
		hiss[i] = 0.005 // below the gate, above zero
	}
	for i := 0; i < 100; i++ {
		if ut, _ := seg.Push(hiss); ut != nil {
			t.Fatal("hiss produced an utterance")
		}
	}
	if seg.State() != StateListening {
		t.Fatalf("hiss moved state to %s", seg.State())
	}
}

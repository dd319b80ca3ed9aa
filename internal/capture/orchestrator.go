// Package capture coordinates the system-audio and microphone tracks:
// segmentation, per-track in-flight guards, conversation assembly, and
// the continuous-recording mode. The orchestrator is the single owner of
// the active conversation; every other component either feeds it events
// or receives values from it.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/murmurcast/murmur-core/internal/audio"
	"github.com/murmurcast/murmur-core/internal/chat"
	"github.com/murmurcast/murmur-core/internal/completion"
	"github.com/murmurcast/murmur-core/internal/config"
	"github.com/murmurcast/murmur-core/internal/fault"
	"github.com/murmurcast/murmur-core/internal/protocol"
	"github.com/murmurcast/murmur-core/internal/vad"
)

// trackManual labels manual-prompt completions in metrics; it is not a
// capture track.
const trackManual protocol.Track = "manual"

// Transcriber is the utterance-to-text stage.
type Transcriber interface {
	Transcribe(ctx context.Context, buf *audio.Buffer) (string, error)
}

// Persister receives conversation snapshots for debounced saving.
// Request must take its snapshot synchronously: the orchestrator calls it
// while holding the lock that serializes appends.
type Persister interface {
	Request(conv *chat.Conversation)
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Native      Native
	Transcriber Transcriber
	Streamer    completion.Streamer
	Saver       Persister
	Metrics     *Metrics
	Logger      *slog.Logger
}

// Snapshot is the UI-facing view of orchestrator state.
type Snapshot struct {
	Capturing           bool
	Mode                string
	SetupRequired       bool
	ContinuousRecording bool
	ElapsedSeconds      float64
	TrackStates         map[protocol.Track]TrackState
	ConversationID      string
	MessageCount        int
	LastTranscript      string
	LastResponse        string
	LastError           string
}

type Orchestrator struct {
	cfg           config.CaptureConfig
	historyBudget int
	native        Native
	stt           Transcriber
	streamer      completion.Streamer
	saver         Persister
	metrics       *Metrics
	log           *slog.Logger
	clock         func() time.Time

	mu                 sync.Mutex
	capturing          bool
	mode               string
	setupRequired      bool
	permissionAttempts int
	vadCfg             config.VadConfig
	includeMic         bool
	tracks             map[protocol.Track]*trackState
	conversation       *chat.Conversation
	manualCancel       context.CancelFunc

	continuousRecording bool
	continuousElapsed   float64
	stopRequested       bool

	lastTranscript string
	lastResponse   string
	lastError      string

	// generation fences async results: anything started under an older
	// generation is discarded instead of applied to visible state.
	generation uint64
	wg         sync.WaitGroup
}

func NewOrchestrator(cfg config.CaptureConfig, vadCfg config.VadConfig, historyBudget int, deps Deps) *Orchestrator {
	return &Orchestrator{
		cfg:           cfg,
		historyBudget: historyBudget,
		native:        deps.Native,
		stt:           deps.Transcriber,
		streamer:      deps.Streamer,
		saver:         deps.Saver,
		metrics:       deps.Metrics,
		log:           deps.Logger.With(slog.String("component", "capture")),
		clock:         time.Now,
		vadCfg:        vadCfg,
		includeMic:    cfg.IncludeMicrophone,
	}
}

// StartCapture confirms audio access, resets the conversation and arms
// both tracks. On permission denial the session stays idle and the
// setup-required condition is surfaced.
func (o *Orchestrator) StartCapture(ctx context.Context) error {
	o.mu.Lock()
	if o.capturing {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	granted, err := o.native.CheckAudioAccess(ctx)
	if err != nil {
		o.setError(err)
		return err
	}
	if !granted {
		o.mu.Lock()
		o.setupRequired = true
		o.mu.Unlock()
		return fault.Permission("audio capture access not granted")
	}

	o.mu.Lock()
	o.setupRequired = false
	o.permissionAttempts = 0
	o.conversation = chat.NewConversation(o.clock())
	o.clearTransientsLocked()
	o.capturing = true
	o.mode = o.cfg.Mode
	o.generation++
	o.continuousRecording = false
	o.continuousElapsed = 0
	o.stopRequested = false

	o.tracks = map[protocol.Track]*trackState{
		protocol.TrackSystem: o.newTrackLocked(),
	}
	if o.includeMic {
		o.tracks[protocol.TrackMicrophone] = o.newTrackLocked()
	}

	cmd := protocol.StartCaptureCommand{
		Vad:               o.vadCfg,
		DeviceID:          o.cfg.DeviceID,
		IncludeMicrophone: o.includeMic,
		Mode:              o.mode,
	}
	o.mu.Unlock()

	if err := o.native.StartCapture(ctx, cmd); err != nil {
		o.mu.Lock()
		o.capturing = false
		o.tracks = nil
		o.mu.Unlock()
		o.setError(err)
		return err
	}

	o.log.Info("capture started", slog.String("mode", cmd.Mode),
		slog.Bool("include_microphone", cmd.IncludeMicrophone))
	return nil
}

func (o *Orchestrator) newTrackLocked() *trackState {
	tr := &trackState{state: TrackArmed}
	if o.mode == "vad" {
		tr.segmenter = vad.NewSegmenter(o.vadCfg, o.cfg.SampleRate)
		tr.segmenter.Start()
	}
	return tr
}

// StopCapture cancels in-flight work and clears transient fields. The
// conversation stays available until a new one is started.
func (o *Orchestrator) StopCapture(ctx context.Context) error {
	o.mu.Lock()
	if !o.capturing {
		o.mu.Unlock()
		return nil
	}
	o.capturing = false
	o.generation++
	for _, tr := range o.tracks {
		if tr.cancel != nil {
			tr.cancel()
		}
		if tr.segmenter != nil {
			tr.segmenter.Stop()
		}
		tr.state = TrackInactive
	}
	o.tracks = nil
	o.continuousRecording = false
	o.continuousElapsed = 0
	o.clearTransientsLocked()
	o.mu.Unlock()

	if err := o.native.StopCapture(ctx); err != nil {
		o.log.Warn("native stop_capture failed", slog.String("error", err.Error()))
		return err
	}
	o.log.Info("capture stopped")
	return nil
}

// NewConversation aborts any active streams and starts an empty
// conversation. Nothing from aborted calls is committed.
func (o *Orchestrator) NewConversation() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.generation++
	for key, tr := range o.tracks {
		if tr.cancel != nil {
			tr.cancel()
			tr.cancel = nil
		}
		if tr.state == TrackTranscribing || tr.state == TrackCompleting {
			tr.state = TrackArmed
		}
		if tr.removing {
			delete(o.tracks, key)
		}
	}
	if o.manualCancel != nil {
		o.manualCancel()
		o.manualCancel = nil
	}
	o.conversation = chat.NewConversation(o.clock())
	o.clearTransientsLocked()
}

// RequestAccess asks the native layer for audio permission. Retries are
// finite and user-initiated; there is no background polling.
func (o *Orchestrator) RequestAccess(ctx context.Context) (bool, error) {
	o.mu.Lock()
	if o.cfg.PermissionRetries > 0 && o.permissionAttempts >= o.cfg.PermissionRetries {
		o.mu.Unlock()
		return false, fault.Permission("request limit reached, grant access in system settings")
	}
	o.permissionAttempts++
	o.mu.Unlock()

	granted, err := o.native.RequestAudioAccess(ctx)
	if err != nil {
		o.setError(err)
		return false, err
	}

	o.mu.Lock()
	o.setupRequired = !granted
	if granted {
		o.permissionAttempts = 0
	}
	o.mu.Unlock()
	return granted, nil
}

// HandleFrame feeds one analysis frame through the track's segmenter.
func (o *Orchestrator) HandleFrame(frame protocol.AudioFrame) {
	o.mu.Lock()
	if !o.capturing || o.mode != "vad" {
		o.mu.Unlock()
		return
	}
	tr := o.tracks[frame.Track]
	if tr == nil || tr.removing || tr.segmenter == nil {
		o.mu.Unlock()
		return
	}
	seg := tr.segmenter
	o.mu.Unlock()

	buf := audio.FromPCM16(frame.PCM, frame.SampleRate, 1)
	if buf.FrameLen() == 0 {
		return
	}
	ut, discarded := seg.Push(buf.Channels[0])

	o.mu.Lock()
	if tr := o.tracks[frame.Track]; tr != nil {
		switch tr.state {
		case TrackArmed, TrackRecording:
			if st := seg.State(); st == vad.StateSpeechPending || st == vad.StateInSpeech {
				tr.state = TrackRecording
			} else {
				tr.state = TrackArmed
			}
		}
	}
	o.mu.Unlock()

	if discarded {
		o.log.Debug("speech discarded, below minimum duration",
			slog.String("track", string(frame.Track)))
		return
	}
	if ut != nil {
		o.metrics.Finalized(frame.Track)
		o.dispatch(frame.Track, utteranceBuffer(ut), ut.Start)
	}
}

// HandleSpeechDetected dispatches an utterance that the native layer
// already segmented.
func (o *Orchestrator) HandleSpeechDetected(evt protocol.SpeechDetected) {
	buf := audio.FromPCM16(evt.PCM, evt.SampleRate, 1)
	if buf.FrameLen() == 0 {
		return
	}
	o.metrics.Finalized(evt.Track)
	o.dispatch(evt.Track, buf, evt.Timestamp)
}

// HandleSpeechDiscarded records a native-side too-short discard. Expected
// noise, never surfaced as an error.
func (o *Orchestrator) HandleSpeechDiscarded(track protocol.Track) {
	o.log.Debug("speech discarded by native segmentation", slog.String("track", string(track)))
}

// HandleEncodingError surfaces a native encode failure without stopping
// the session.
func (o *Orchestrator) HandleEncodingError(evt protocol.AudioEncodingError) {
	o.mu.Lock()
	o.lastError = evt.Message
	o.mu.Unlock()
	o.log.Warn("native audio encoding error", slog.String("error", evt.Message))
}

// HandleContinuousStarted marks the continuous sub-state as recording.
func (o *Orchestrator) HandleContinuousStarted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.capturing || o.mode != "continuous" {
		return
	}
	o.continuousRecording = true
	o.continuousElapsed = 0
	o.stopRequested = false
}

// HandleProgress tracks elapsed recording time and enforces the
// continuous-mode duration ceiling.
func (o *Orchestrator) HandleProgress(evt protocol.RecordingProgress) {
	o.mu.Lock()
	o.continuousElapsed = evt.ElapsedSeconds
	ceiling := float64(o.cfg.MaxContinuousSecs)
	trigger := o.capturing && o.continuousRecording && !o.stopRequested &&
		ceiling > 0 && evt.ElapsedSeconds >= ceiling
	if trigger {
		o.stopRequested = true
	}
	o.mu.Unlock()

	if trigger {
		o.log.Info("continuous recording hit duration ceiling",
			slog.Float64("elapsed_secs", evt.ElapsedSeconds))
		if err := o.native.ManualStopContinuous(context.Background()); err != nil {
			o.setError(err)
		}
	}
}

// HandleContinuousStopped mixes the finished tracks and dispatches the
// combined recording as one utterance.
func (o *Orchestrator) HandleContinuousStopped(evt protocol.ContinuousStopped) {
	o.mu.Lock()
	if !o.capturing || o.mode != "continuous" {
		o.mu.Unlock()
		return
	}
	o.continuousRecording = false
	includeMic := o.includeMic
	o.mu.Unlock()

	buf := audio.FromPCM16(evt.SystemPCM, evt.SampleRate, 1)
	if includeMic && len(evt.MicrophonePCM) > 0 {
		mic := audio.FromPCM16(evt.MicrophonePCM, evt.SampleRate, 1)
		buf = audio.Mix(buf, mic, o.cfg.SystemGain, o.cfg.MicrophoneGain)
	}
	if buf.FrameLen() == 0 {
		return
	}
	o.metrics.Finalized(protocol.TrackSystem)
	o.dispatch(protocol.TrackSystem, buf, evt.Timestamp)
}

// ManualStopContinuous forwards an explicit stop to the native layer.
func (o *Orchestrator) ManualStopContinuous(ctx context.Context) error {
	if err := o.native.ManualStopContinuous(ctx); err != nil {
		o.setError(err)
		return err
	}
	return nil
}

// dispatch starts the transcription pipeline for one utterance, dropping
// it when the track already has an operation in flight.
func (o *Orchestrator) dispatch(track protocol.Track, buf *audio.Buffer, at time.Time) {
	o.mu.Lock()
	if !o.capturing {
		o.mu.Unlock()
		return
	}
	tr := o.tracks[track]
	if tr == nil || tr.removing {
		o.mu.Unlock()
		return
	}
	if tr.state == TrackTranscribing || tr.state == TrackCompleting {
		o.mu.Unlock()
		o.metrics.DroppedBusy(track)
		o.log.Debug("utterance dropped, track busy", slog.String("track", string(track)))
		return
	}
	tr.state = TrackTranscribing
	gen := o.generation
	ctx, cancel := context.WithCancel(context.Background())
	tr.cancel = cancel
	o.wg.Add(1)
	o.mu.Unlock()

	go o.runPipeline(ctx, cancel, gen, track, buf, at)
}

func (o *Orchestrator) runPipeline(ctx context.Context, cancel context.CancelFunc, gen uint64, track protocol.Track, buf *audio.Buffer, at time.Time) {
	defer o.wg.Done()
	defer cancel()

	text, err := o.stt.Transcribe(ctx, buf)

	o.mu.Lock()
	if gen != o.generation {
		// Session stopped or conversation replaced while transcribing;
		// the result is stale and must not reach visible state.
		o.mu.Unlock()
		return
	}
	if err != nil {
		o.lastError = err.Error()
		o.rearmLocked(track)
		o.mu.Unlock()
		o.log.Warn("transcription failed",
			slog.String("track", string(track)), slog.String("error", err.Error()))
		return
	}
	if text == "" {
		o.rearmLocked(track)
		o.mu.Unlock()
		o.metrics.Filtered(track)
		return
	}

	if at.IsZero() {
		at = o.clock()
	}
	o.conversation.Append(chat.NewMessage(chat.RoleUser, text, sourceFor(track), at))
	o.lastTranscript = text
	if tr := o.tracks[track]; tr != nil {
		tr.state = TrackCompleting
	}
	// Snapshot under the lock: the other track's pipeline appends under
	// the same lock.
	o.saver.Request(o.conversation)
	o.mu.Unlock()

	// Audio-triggered requests are stateless single turns: no history.
	o.streamCompletion(ctx, gen, track, completion.Request{Prompt: text})
}

// streamCompletion runs one completion stream and commits the assistant
// turn, shared by the audio pipelines and manual prompts.
func (o *Orchestrator) streamCompletion(ctx context.Context, gen uint64, track protocol.Track, req completion.Request) {
	var acc strings.Builder
	streamErr := o.streamer.Stream(ctx, req, func(c completion.Chunk) error {
		if c.Content == "" {
			return nil
		}
		acc.WriteString(c.Content)
		o.mu.Lock()
		if gen == o.generation {
			o.lastResponse = acc.String()
		}
		o.mu.Unlock()
		return nil
	})

	if streamErr != nil && errors.Is(streamErr, context.Canceled) {
		o.metrics.Cancelled(track)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.generation {
		return
	}
	if streamErr != nil {
		if errors.Is(streamErr, context.Canceled) {
			// Aborted stream: accumulated partial output is discarded and
			// no assistant turn is written. A replacement stream may have
			// already published newer output; only clear our own.
			if o.lastResponse == acc.String() {
				o.lastResponse = ""
			}
		} else {
			o.lastError = streamErr.Error()
		}
		o.rearmLocked(track)
		return
	}

	if reply := acc.String(); reply != "" {
		o.conversation.Append(chat.NewMessage(chat.RoleAssistant, reply, sourceFor(track), o.clock()))
		o.saver.Request(o.conversation)
	}
	o.rearmLocked(track)
}

// ManualPrompt sends a user-typed message. Manual prompts are the only
// input that carries prior conversation turns, trimmed to the character
// budget oldest-first. An active stream is aborted first.
func (o *Orchestrator) ManualPrompt(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fault.Validation("prompt is empty")
	}

	o.mu.Lock()
	for _, tr := range o.tracks {
		if tr.state == TrackCompleting && tr.cancel != nil {
			tr.cancel()
		}
	}
	if o.manualCancel != nil {
		o.manualCancel()
	}
	if o.conversation == nil {
		o.conversation = chat.NewConversation(o.clock())
	}
	history := completionHistory(chat.HistoryWindow(o.conversation, o.historyBudget))
	o.conversation.Append(chat.NewMessage(chat.RoleUser, text, chat.SourceManual, o.clock()))
	o.saver.Request(o.conversation)
	gen := o.generation
	ctx, cancel := context.WithCancel(context.Background())
	o.manualCancel = cancel
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer cancel()
		o.streamCompletion(ctx, gen, trackManual, completion.Request{
			Prompt:  text,
			History: history,
		})
	}()
	return nil
}

// UpdateVadConfig applies a new segmentation policy without restarting
// capture. An utterance accumulating mid-flight is preserved.
func (o *Orchestrator) UpdateVadConfig(ctx context.Context, vadCfg config.VadConfig) error {
	if err := config.ValidateVad(vadCfg); err != nil {
		return err
	}

	o.mu.Lock()
	o.vadCfg = vadCfg
	for _, tr := range o.tracks {
		if tr.segmenter != nil {
			tr.segmenter.UpdateConfig(vadCfg)
		}
	}
	capturing := o.capturing
	o.mu.Unlock()

	if capturing {
		if err := o.native.UpdateVadConfig(ctx, vadCfg); err != nil {
			o.setError(err)
			return err
		}
	}
	o.log.Info("vad config updated", slog.Bool("mid_capture", capturing))
	return nil
}

// SetIncludeMicrophone hot-toggles the microphone track. Disabling a
// track with an in-flight utterance defers removal until it finishes.
func (o *Orchestrator) SetIncludeMicrophone(enabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.includeMic = enabled
	if !o.capturing {
		return
	}

	tr := o.tracks[protocol.TrackMicrophone]
	if enabled {
		if tr == nil {
			o.tracks[protocol.TrackMicrophone] = o.newTrackLocked()
		} else {
			tr.removing = false
		}
		return
	}
	if tr == nil {
		return
	}
	if tr.segmenter != nil {
		tr.segmenter.Stop()
	}
	if tr.state == TrackTranscribing || tr.state == TrackCompleting {
		tr.removing = true
		return
	}
	delete(o.tracks, protocol.TrackMicrophone)
}

// Conversation returns a copy of the active conversation.
func (o *Orchestrator) Conversation() *chat.Conversation {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conversation == nil {
		return nil
	}
	return o.conversation.Clone()
}

// Snapshot returns the UI-facing state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := Snapshot{
		Capturing:           o.capturing,
		Mode:                o.mode,
		SetupRequired:       o.setupRequired,
		ContinuousRecording: o.continuousRecording,
		ElapsedSeconds:      o.continuousElapsed,
		TrackStates:         map[protocol.Track]TrackState{},
		LastTranscript:      o.lastTranscript,
		LastResponse:        o.lastResponse,
		LastError:           o.lastError,
	}
	for key, tr := range o.tracks {
		snap.TrackStates[key] = tr.state
	}
	if o.conversation != nil {
		snap.ConversationID = o.conversation.ID
		snap.MessageCount = len(o.conversation.Messages)
	}
	return snap
}

// Close aborts all in-flight work and waits for pipelines to drain.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.generation++
	for _, tr := range o.tracks {
		if tr.cancel != nil {
			tr.cancel()
		}
	}
	if o.manualCancel != nil {
		o.manualCancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) rearmLocked(track protocol.Track) {
	tr := o.tracks[track]
	if tr == nil {
		return
	}
	tr.cancel = nil
	if tr.removing {
		delete(o.tracks, track)
		return
	}
	tr.state = TrackArmed
}

func (o *Orchestrator) clearTransientsLocked() {
	o.lastTranscript = ""
	o.lastResponse = ""
	o.lastError = ""
}

func (o *Orchestrator) setError(err error) {
	o.mu.Lock()
	o.lastError = err.Error()
	o.mu.Unlock()
}

func utteranceBuffer(ut *vad.Utterance) *audio.Buffer {
	return &audio.Buffer{
		SampleRate: ut.SampleRate,
		Channels:   [][]float64{ut.Samples},
	}
}

func completionHistory(msgs []chat.Message) []completion.Message {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]completion.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, completion.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

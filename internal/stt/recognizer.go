package stt

import "context"

// Recognizer abstracts STT backends. Input is a complete WAV container;
// output is the raw transcript before any post-processing.
type Recognizer interface {
	Transcribe(ctx context.Context, wavAudio []byte) (string, error)
}

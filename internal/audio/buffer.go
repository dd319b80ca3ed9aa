package audio

import (
	"bytes"
	"math"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/murmurcast/murmur-core/internal/fault"
)

// Buffer holds float samples in [-1, 1], one slice per channel. All
// channels have equal length.
type Buffer struct {
	SampleRate int
	Channels   [][]float64
}

// NumChannels returns the channel count.
func (b *Buffer) NumChannels() int { return len(b.Channels) }

// FrameLen returns the per-channel sample count.
func (b *Buffer) FrameLen() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the buffer length in seconds.
func (b *Buffer) Duration() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(b.FrameLen()) / float64(b.SampleRate)
}

// Clone returns a deep copy.
func (b *Buffer) Clone() *Buffer {
	out := &Buffer{SampleRate: b.SampleRate, Channels: make([][]float64, len(b.Channels))}
	for i, ch := range b.Channels {
		out.Channels[i] = append([]float64(nil), ch...)
	}
	return out
}

// quantize maps a float sample to 16-bit PCM: clamp to [-1, 1], scale by
// 0x8000 for negative values and 0x7FFF otherwise, truncating toward zero.
func quantize(sample float64) int {
	if sample < -1 {
		sample = -1
	} else if sample > 1 {
		sample = 1
	}
	if sample < 0 {
		return int(sample * 0x8000)
	}
	return int(sample * 0x7FFF)
}

// dequantize is the inverse of quantize for an arbitrary bit depth.
func dequantize(value int, bitDepth int) float64 {
	full := float64(int(1) << (bitDepth - 1))
	if value < 0 {
		return float64(value) / full
	}
	return float64(value) / (full - 1)
}

// EncodeWav serializes the buffer into a 16-bit little-endian PCM WAV
// container with the canonical RIFF/WAVE/fmt /data chunk layout.
func EncodeWav(b *Buffer) ([]byte, error) {
	if b == nil || b.NumChannels() == 0 {
		return nil, fault.Validation("encode wav: empty buffer")
	}
	if b.SampleRate <= 0 {
		return nil, fault.Validation("encode wav: sample rate must be positive, got %d", b.SampleRate)
	}

	frames := b.FrameLen()
	channels := b.NumChannels()
	data := make([]int, frames*channels)
	for f := 0; f < frames; f++ {
		for c := 0; c < channels; c++ {
			data[f*channels+c] = quantize(b.Channels[c][f])
		}
	}

	var sink writeSeekBuffer
	enc := wav.NewEncoder(&sink, b.SampleRate, 16, channels, 1)
	intBuf := &gaudio.IntBuffer{
		Format:         &gaudio.Format{NumChannels: channels, SampleRate: b.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(intBuf); err != nil {
		return nil, fault.Decode("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fault.Decode("close wav encoder: %v", err)
	}
	return sink.data, nil
}

// DecodeWav parses any valid PCM WAV container into a float buffer. It is
// not limited to containers produced by EncodeWav.
func DecodeWav(raw []byte) (*Buffer, error) {
	dec := wav.NewDecoder(bytes.NewReader(raw))
	if !dec.IsValidFile() {
		return nil, fault.Decode("not a valid wav container")
	}
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fault.Decode("read wav samples: %v", err)
	}
	if pcm.Format == nil || pcm.Format.NumChannels <= 0 {
		return nil, fault.Decode("wav container missing format chunk")
	}

	bitDepth := int(dec.BitDepth)
	if bitDepth == 0 {
		bitDepth = 16
	}
	channels := pcm.Format.NumChannels
	frames := len(pcm.Data) / channels

	out := &Buffer{SampleRate: pcm.Format.SampleRate, Channels: make([][]float64, channels)}
	for c := range out.Channels {
		out.Channels[c] = make([]float64, frames)
	}
	for f := 0; f < frames; f++ {
		for c := 0; c < channels; c++ {
			out.Channels[c][f] = dequantize(pcm.Data[f*channels+c], bitDepth)
		}
	}
	return out, nil
}

// FromPCM16 converts interleaved 16-bit little-endian PCM bytes into a
// float buffer. A trailing odd byte is ignored.
func FromPCM16(pcm []byte, sampleRate, channels int) *Buffer {
	if channels < 1 {
		channels = 1
	}
	total := len(pcm) / 2
	frames := total / channels

	out := &Buffer{SampleRate: sampleRate, Channels: make([][]float64, channels)}
	for c := range out.Channels {
		out.Channels[c] = make([]float64, frames)
	}
	for f := 0; f < frames; f++ {
		for c := 0; c < channels; c++ {
			i := (f*channels + c) * 2
			value := int(int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8))
			out.Channels[c][f] = dequantize(value, 16)
		}
	}
	return out
}

// Resample converts the buffer to targetRate using linear interpolation.
// Output duration drifts from the input by less than one sample frame.
func Resample(b *Buffer, targetRate int) *Buffer {
	if b.SampleRate == targetRate || b.SampleRate <= 0 || targetRate <= 0 || b.FrameLen() == 0 {
		out := b.Clone()
		if targetRate > 0 {
			out.SampleRate = targetRate
		}
		return out
	}

	srcLen := b.FrameLen()
	dstLen := int(math.Round(float64(srcLen) * float64(targetRate) / float64(b.SampleRate)))
	if dstLen < 1 {
		dstLen = 1
	}
	ratio := float64(srcLen) / float64(dstLen)

	out := &Buffer{SampleRate: targetRate, Channels: make([][]float64, b.NumChannels())}
	for c, src := range b.Channels {
		dst := make([]float64, dstLen)
		for i := range dst {
			pos := float64(i) * ratio
			lo := int(pos)
			if lo >= srcLen-1 {
				dst[i] = src[srcLen-1]
				continue
			}
			frac := pos - float64(lo)
			dst[i] = src[lo]*(1-frac) + src[lo+1]*frac
		}
		out.Channels[c] = dst
	}
	return out
}

// Mix averages two gained buffers per channel and per sample. The shorter
// buffer is implicitly zero-padded, the output channel count and sample
// rate are the maxima of the inputs, and a lower-rate input is upsampled
// before mixing. Averaging (not summing) keeps output within input range.
func Mix(a, b *Buffer, gainA, gainB float64) *Buffer {
	rate := a.SampleRate
	if b.SampleRate > rate {
		rate = b.SampleRate
	}
	if a.SampleRate != rate {
		a = Resample(a, rate)
	}
	if b.SampleRate != rate {
		b = Resample(b, rate)
	}

	channels := a.NumChannels()
	if b.NumChannels() > channels {
		channels = b.NumChannels()
	}
	frames := a.FrameLen()
	if b.FrameLen() > frames {
		frames = b.FrameLen()
	}

	sampleAt := func(buf *Buffer, ch, frame int) float64 {
		if ch >= buf.NumChannels() || frame >= buf.FrameLen() {
			return 0
		}
		return buf.Channels[ch][frame]
	}

	out := &Buffer{SampleRate: rate, Channels: make([][]float64, channels)}
	for c := 0; c < channels; c++ {
		dst := make([]float64, frames)
		for f := 0; f < frames; f++ {
			dst[f] = (sampleAt(a, c, f)*gainA + sampleAt(b, c, f)*gainB) / 2
		}
		out.Channels[c] = dst
	}
	return out
}

// writeSeekBuffer is an in-memory io.WriteSeeker for the wav encoder,
// which seeks back to patch chunk sizes on Close.
type writeSeekBuffer struct {
	data []byte
	pos  int
}

func (w *writeSeekBuffer) Write(p []byte) (int, error) {
	if need := w.pos + len(p); need > len(w.data) {
		grown := make([]byte, need)
		copy(grown, w.data)
		w.data = grown
	}
	copy(w.data[w.pos:], p)
	w.pos += len(p)
	return len(p), nil
}

func (w *writeSeekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case 0:
		next = offset
	case 1:
		next = int64(w.pos) + offset
	case 2:
		next = int64(len(w.data)) + offset
	}
	if next < 0 {
		return 0, fault.Validation("seek before start of buffer")
	}
	w.pos = int(next)
	return next, nil
}

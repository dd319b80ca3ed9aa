package capture

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/murmurcast/murmur-core/internal/protocol"
)

// Metrics counts pipeline outcomes. A nil *Metrics is valid and records
// nothing, which keeps tests free of provider setup.
type Metrics struct {
	finalized   metric.Int64Counter
	droppedBusy metric.Int64Counter
	filtered    metric.Int64Counter
	cancelled   metric.Int64Counter
}

func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("github.com/murmurcast/murmur-core/capture")

	finalized, err := meter.Int64Counter("murmur.capture.utterances_finalized",
		metric.WithDescription("Utterances finalized by segmentation"))
	if err != nil {
		return nil, err
	}
	droppedBusy, err := meter.Int64Counter("murmur.capture.utterances_dropped",
		metric.WithDescription("Utterances dropped because the track was busy"))
	if err != nil {
		return nil, err
	}
	filtered, err := meter.Int64Counter("murmur.capture.transcripts_filtered",
		metric.WithDescription("Transcripts rejected as empty or hallucinated"))
	if err != nil {
		return nil, err
	}
	cancelled, err := meter.Int64Counter("murmur.capture.completions_cancelled",
		metric.WithDescription("Completion streams aborted before finishing"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		finalized:   finalized,
		droppedBusy: droppedBusy,
		filtered:    filtered,
		cancelled:   cancelled,
	}, nil
}

func trackAttr(track protocol.Track) metric.AddOption {
	return metric.WithAttributes(attribute.String("track", string(track)))
}

func (m *Metrics) Finalized(track protocol.Track) {
	if m == nil {
		return
	}
	m.finalized.Add(context.Background(), 1, trackAttr(track))
}

func (m *Metrics) DroppedBusy(track protocol.Track) {
	if m == nil {
		return
	}
	m.droppedBusy.Add(context.Background(), 1, trackAttr(track))
}

func (m *Metrics) Filtered(track protocol.Track) {
	if m == nil {
		return
	}
	m.filtered.Add(context.Background(), 1, trackAttr(track))
}

func (m *Metrics) Cancelled(track protocol.Track) {
	if m == nil {
		return
	}
	m.cancelled.Add(context.Background(), 1, trackAttr(track))
}

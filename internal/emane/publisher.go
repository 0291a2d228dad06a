package emane

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/signalsfoundry/emane-bridge/internal/logging"
	"github.com/signalsfoundry/emane-bridge/model"
)

// PublishRecorder counts publish outcomes.
type PublishRecorder interface {
	ObservePublish(err error)
}

// Publisher turns node views into location events on a Channel.
type Publisher struct {
	ch      Channel
	source  uuid.UUID
	seq     atomic.Uint64
	target  uint16
	log     logging.Logger
	metrics PublishRecorder
}

// PublisherOption customises a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger attaches a logger.
func WithPublisherLogger(l logging.Logger) PublisherOption {
	return func(p *Publisher) {
		if l != nil {
			p.log = l
		}
	}
}

// WithPublishRecorder attaches an optional outcome recorder.
func WithPublishRecorder(m PublishRecorder) PublisherOption {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithSource fixes the event source id instead of a random one.
func WithSource(id uuid.UUID) PublisherOption {
	return func(p *Publisher) {
		p.source = id
	}
}

// NewPublisher returns a publisher sending on ch. Events are addressed to
// every NEM, as the location event carries the node id itself.
func NewPublisher(ch Channel, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		ch:     ch,
		source: uuid.New(),
		target: AllNEMs,
		log:    logging.Noop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Source is the id stamped on every event from this publisher.
func (p *Publisher) Source() uuid.UUID { return p.source }

// Publish emits one location event for n and returns the frame length.
// Delivery is best effort: a failed send is returned to the caller and
// never retried. The length is reported even when the send fails.
func (p *Publisher) Publish(ctx context.Context, n model.Node) (int, error) {
	size, err := p.publish(ctx, n)
	// Sends refused because the bridge is shutting down are not outcomes.
	if p.metrics != nil && (err == nil || ctx.Err() == nil) {
		p.metrics.ObservePublish(err)
	}
	return size, err
}

func (p *Publisher) publish(ctx context.Context, n model.Node) (int, error) {
	frame, err := EncodeFrame(Event{
		Sequence: p.seq.Add(1),
		Source:   p.source,
		Serializations: []Serialization{{
			NEMID:   p.target,
			EventID: LocationEventID,
			Data:    EncodeLocationEvent(LocationFromNode(n)),
		}},
	})
	if err != nil {
		return 0, fmt.Errorf("encode location for node %d: %w", n.EmulatorID, err)
	}
	if err := p.ch.Send(ctx, frame); err != nil {
		return len(frame), fmt.Errorf("publish location for node %d: %w", n.EmulatorID, err)
	}
	log := p.log
	if l := logging.LoggerFromContext(ctx); l != nil {
		log = l
	}
	log.Debug(ctx, "published location",
		logging.Int("nem_id", int(n.EmulatorID)),
		logging.Float64("lat", n.Position.Lat),
		logging.Float64("lon", n.Position.Lon),
		logging.Float64("alt", n.Position.Alt),
	)
	return len(frame), nil
}

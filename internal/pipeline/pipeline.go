package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	slogcontext "github.com/veqryn/slog-context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"hashrelay/internal/broker"
	"hashrelay/internal/digest"
	"hashrelay/internal/domain"
	"hashrelay/internal/storage"
)

const ContentType = "application/json"

type Outcome int

const (
	Success Outcome = iota
	NotFound
	InternalFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case NotFound:
		return "not_found"
	default:
		return "internal_failure"
	}
}

// OutcomeOf classifies the error returned by Handle.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, domain.ErrRecordNotFound):
		return NotFound
	default:
		return InternalFailure
	}
}

type Config struct {
	Exchange   string
	RoutingKey string
}

// Pipeline turns one request into a published result: hash the payload, look
// up the client name, publish {name, hash}. The store connection is always
// given back before a broker channel is taken.
type Pipeline struct {
	store    storage.Pool
	channels broker.ChannelPool
	cfg      Config
	tracer   trace.Tracer
}

func New(store storage.Pool, channels broker.ChannelPool, cfg Config) *Pipeline {
	return &Pipeline{
		store:    store,
		channels: channels,
		cfg:      cfg,
		tracer:   otel.Tracer("hashrelay/pipeline"),
	}
}

// Handle runs the pipeline for one request. The returned message is what was
// published; it is only non-zero when err is nil.
func (p *Pipeline) Handle(ctx context.Context, in domain.RequestInput) (domain.ResultMessage, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.handle", trace.WithAttributes(attribute.Int64("client.id", in.ID)))
	defer span.End()
	logger := slogcontext.FromCtx(ctx).With(slog.Int64("client_id", in.ID))

	sum := digest.Sum(in.Payload)
	logger.DebugContext(ctx, "payload hashed", slog.Int("payload_bytes", len(in.Payload)))

	client, err := p.lookup(ctx, in.ID)
	if err != nil {
		recordError(span, err)
		return domain.ResultMessage{}, err
	}
	logger.DebugContext(ctx, "client resolved", slog.String("name", client.Name))

	msg := domain.ResultMessage{Name: client.Name, Hash: digest.Encode(sum)}
	body, err := json.Marshal(msg)
	if err != nil {
		err = fmt.Errorf("encode result: %w", err)
		recordError(span, err)
		return domain.ResultMessage{}, err
	}

	if err := p.publish(ctx, body); err != nil {
		recordError(span, err)
		return domain.ResultMessage{}, err
	}
	logger.DebugContext(ctx, "result published", slog.String("exchange", p.cfg.Exchange), slog.String("routing_key", p.cfg.RoutingKey))
	return msg, nil
}

func (p *Pipeline) lookup(ctx context.Context, id int64) (domain.Client, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.lookup")
	defer span.End()

	conn, err := p.store.Acquire(ctx)
	if err != nil {
		return domain.Client{}, fmt.Errorf("acquire store connection: %w", err)
	}
	defer conn.Release()

	client, found, err := conn.Lookup(ctx, id)
	if err != nil {
		return domain.Client{}, fmt.Errorf("lookup client %d: %w", id, err)
	}
	if !found {
		return domain.Client{}, fmt.Errorf("client %d: %w", id, domain.ErrRecordNotFound)
	}
	return client, nil
}

func (p *Pipeline) publish(ctx context.Context, body []byte) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.publish", trace.WithAttributes(
		attribute.String("messaging.destination.name", p.cfg.Exchange),
		attribute.String("messaging.routing_key", p.cfg.RoutingKey),
	))
	defer span.End()

	ch, err := p.channels.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire broker channel: %w", err)
	}
	defer ch.Release()

	return ch.Publish(ctx, broker.Message{
		Exchange:    p.cfg.Exchange,
		RoutingKey:  p.cfg.RoutingKey,
		ContentType: ContentType,
		Body:        body,
	})
}

func recordError(span trace.Span, err error) {
	if OutcomeOf(err) == NotFound {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

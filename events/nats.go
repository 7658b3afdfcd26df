package events

import (
	"context"
	"encoding/json"
	"log/slog"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// NATSSink publishes engine events as JSON onto a NATS subject, with W3C
// trace-context propagation in the message headers, the same pattern as
// natsctx.Publish in this codebase's shared library.
type NATSSink struct {
	nc      *nats.Conn
	subject string
}

func NewNATSSink(nc *nats.Conn, subject string) *NATSSink {
	return &NATSSink{nc: nc, subject: subject}
}

func (s *NATSSink) Handle(e Event) {
	s.Publish(context.Background(), e)
}

// Publish lets a caller attach a trace context explicitly; Handle uses a
// background context since Sink.Handle carries no context parameter.
func (s *NATSSink) Publish(ctx context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Warn("nats event sink: marshal failed", "error", err)
		return
	}

	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))

	tr := otel.Tracer("jobengine-events")
	_, span := tr.Start(ctx, "event.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	msg := &nats.Msg{Subject: s.subject, Data: data, Header: hdr}
	if err := s.nc.PublishMsg(msg); err != nil {
		slog.Warn("nats event sink: publish failed", "error", err, "subject", s.subject)
	}
}

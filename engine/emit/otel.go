package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns events into OpenTelemetry spans.
//
// Each event becomes a span named after event.Msg, carrying the session,
// wave, check, and scope as attributes plus every Meta field. Events whose
// Meta contains an "error" key get an error span status.
//
// Usage:
//
//	tracer := otel.Tracer("checkflow")
//	emitter := emit.NewOTelEmitter(tracer)
//	eng, _ := engine.New(cfg, registry, engine.WithEmitter(emitter))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter from an OpenTelemetry tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit records the event as an immediately-ended span.
func (o *OTelEmitter) Emit(event Event) {
	if o.tracer == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("checkflow.session_id", event.SessionID),
		attribute.Int("checkflow.wave", event.Wave),
	}
	if event.Check != "" {
		attrs = append(attrs, attribute.String("checkflow.check", event.Check))
	}
	if event.Scope != "" {
		attrs = append(attrs, attribute.String("checkflow.scope", event.Scope))
	}
	for k, v := range event.Meta {
		attrs = append(attrs, metaAttribute("checkflow.meta."+k, v))
	}

	_, span := o.tracer.Start(context.Background(), event.Msg, trace.WithAttributes(attrs...))
	if errVal, ok := event.Meta["error"]; ok {
		span.SetStatus(codes.Error, fmt.Sprintf("%v", errVal))
	}
	span.End()
}

func metaAttribute(key string, v any) attribute.KeyValue {
	switch t := v.(type) {
	case string:
		return attribute.String(key, t)
	case bool:
		return attribute.Bool(key, t)
	case int:
		return attribute.Int(key, t)
	case int64:
		return attribute.Int64(key, t)
	case float64:
		return attribute.Float64(key, t)
	default:
		return attribute.String(key, fmt.Sprintf("%v", t))
	}
}

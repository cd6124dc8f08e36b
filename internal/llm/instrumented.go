package llm

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	otelPkg "github.com/basket/go-triage/internal/otel"
)

// Instrumented records a client span and call metrics around a Reasoner and
// classifies its errors with AsFault.
type Instrumented struct {
	Reasoner Reasoner
	Provider string
	Tracer   trace.Tracer
	Metrics  *otelPkg.Metrics
}

func (r Instrumented) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var span trace.Span
	if r.Tracer != nil {
		ctx, span = otelPkg.StartClientSpan(ctx, r.Tracer, "llm.generate", otelPkg.AttrProvider.String(r.Provider))
		defer span.End()
	}
	start := time.Now()
	out, err := r.Reasoner.Generate(ctx, systemPrompt, userPrompt)
	r.Metrics.RecordLLM(ctx, r.Provider, time.Since(start), err)
	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(ClassifyError(err)))
		}
		return "", AsFault(err)
	}
	return out, nil
}

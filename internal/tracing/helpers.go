package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys shared by the reconciliation packages.
const (
	AttrCaseID       attribute.Key = "offboard.case_id"
	AttrSubjectEmail attribute.Key = "offboard.subject_email"
	AttrAction       attribute.Key = "offboard.action"
	AttrJob          attribute.Key = "offboard.job"
)

// DBOperation names the kind of statement a database span wraps.
type DBOperation string

const (
	DBOperationQuery  DBOperation = "query"
	DBOperationInsert DBOperation = "insert"
	DBOperationUpdate DBOperation = "update"
	DBOperationExec   DBOperation = "exec"
)

// StartSpan starts an internal span. The returned func ends it and records
// err, if any, as the span status.
//
//	ctx, endSpan := tracing.StartSpan(ctx, "reconcile.scan", tracing.AttrCaseID.String(id))
//	defer func() { endSpan(err) }()
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := otel.Tracer(InstrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, ender(span)
}

// StartDBSpan starts a client span for one statement against table.
func StartDBSpan(ctx context.Context, table string, operation DBOperation) (context.Context, func(error)) {
	name := string(operation)
	attrs := []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", string(operation)),
	}
	if table != "" {
		name += " " + table
		attrs = append(attrs, attribute.String("db.sql.table", table))
	}

	ctx, span := otel.Tracer(InstrumentationName+"/db").Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	return ctx, ender(span)
}

// StartJobSpan starts a root span for one scheduled task run. Each run is
// its own trace, linked to nothing.
func StartJobSpan(ctx context.Context, job string) (context.Context, func(error)) {
	ctx, span := otel.Tracer(InstrumentationName+"/jobs").Start(ctx, "job "+job,
		trace.WithNewRoot(),
		trace.WithAttributes(AttrJob.String(job)),
	)
	return ctx, ender(span)
}

// SetAttributes sets attributes on the span in ctx.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

func ender(span trace.Span) func(error) {
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

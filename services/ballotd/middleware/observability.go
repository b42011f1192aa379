package middleware

import (
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"ballotsync/observability"
)

// Observability traces each route, records API metrics and optionally logs
// one line per request. Durations go to Prometheus and to the OTLP meter.
type Observability struct {
	logger      *slog.Logger
	tracer      trace.Tracer
	duration    metric.Float64Histogram
	logRequests bool
}

func NewObservability(serviceName string, logRequests bool, logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	if serviceName == "" {
		serviceName = "ballotd"
	}
	duration, err := otel.Meter(serviceName).Float64Histogram("http.server.request.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of ballotd requests."))
	if err != nil {
		logger.Warn("request duration instrument unavailable", "error", err)
	}
	return &Observability{
		logger:      logger,
		tracer:      otel.Tracer(serviceName),
		duration:    duration,
		logRequests: logRequests,
	}
}

func (o *Observability) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			ctx, span := o.tracer.Start(r.Context(), "ballotd."+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("http.route", route),
				))
			defer span.End()

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			span.SetAttributes(attribute.Int("http.response.status_code", status))
			if subject := Subject(ctx); subject != "" {
				span.SetAttributes(attribute.String("ballot.operator", subject))
			}
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			}

			elapsed := time.Since(started)
			observability.API().Observe(route, r.Method, status, elapsed)
			if o.duration != nil {
				o.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
					attribute.String("http.route", route),
					attribute.String("http.request.method", r.Method),
					attribute.Int("http.response.status_code", status),
				))
			}
			if o.logRequests {
				o.logger.LogAttrs(ctx, slog.LevelInfo, "request",
					slog.String("route", route),
					slog.String("method", r.Method),
					slog.Int("status", status),
					slog.Int("bytes", ww.BytesWritten()),
					slog.Duration("elapsed", elapsed),
				)
			}
		})
	}
}

package api

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func (s *Server) withTracing(next http.Handler) http.Handler {
	if s.tracer == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		spanName := r.Method + " " + routeLabel(r.URL.Path)
		ctx, span := s.tracer.Start(r.Context(), spanName, trace.WithSpanKind(trace.SpanKindServer))
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", routeLabel(r.URL.Path)),
			attribute.String("http.target", r.URL.Path),
		)
		if batchID := batchIDFromPath(r.URL.Path); batchID != "" {
			span.SetAttributes(attribute.String("batch.id", batchID))
		}
		defer span.End()

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// batchIDFromPath pulls the batch id out of /v1/batches/{id}[/...] paths so
// traces can be filtered per batch.
func batchIDFromPath(path string) string {
	rest, ok := strings.CutPrefix(path, "/v1/batches/")
	if !ok {
		return ""
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package middleware

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/go-chi/chi/v5"
	otelint "github.com/pbinitiative/zenmigrate/internal/otel"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const userIdKey = attribute.Key("enduser.id")

// exchange collects what happened to one request while it was served.
type exchange struct {
	status      int
	wroteHeader bool
	read        int64
	readErr     error
	written     int64
	writeErr    error
}

type countingBody struct {
	io.ReadCloser
	exchange *exchange
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.exchange.read += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		b.exchange.readErr = err
	}
	return n, err
}

// Opentelemetry returns middleware that traces and meters incoming requests. The span is named
// after the matched chi route and its context is propagated back in the response headers.
func Opentelemetry(serviceName string) func(next http.Handler) http.Handler {
	tracer := otel.Tracer("rest-server")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			propagator := otel.GetTextMapPropagator()
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(requestAttributes(serviceName, r)...),
			)
			defer span.End()

			ex := &exchange{status: http.StatusOK}
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = &countingBody{ReadCloser: r.Body, exchange: ex}
			}
			beforeHeader := func(status int) {
				if ex.wroteHeader {
					return
				}
				ex.wroteHeader = true
				ex.status = status
				propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))
			}
			ww := httpsnoop.Wrap(w, httpsnoop.Hooks{
				WriteHeader: func(next httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
					return func(status int) {
						beforeHeader(status)
						next(status)
					}
				},
				Write: func(next httpsnoop.WriteFunc) httpsnoop.WriteFunc {
					return func(p []byte) (int, error) {
						beforeHeader(http.StatusOK)
						n, err := next(p)
						ex.written += int64(n)
						if err != nil {
							ex.writeErr = err
						}
						return n, err
					}
				},
			})

			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			span.SetName(r.Method + " " + route)
			span.SetAttributes(semconv.HTTPRoute(route))
			traceExchange(span, ex)
			meterExchange(r, route, ex, time.Since(start))
		})
	}
}

func meterExchange(r *http.Request, route string, ex *exchange, latency time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("path", route),
		attribute.String("method", r.Method),
		attribute.Int("status", ex.status),
	)
	ctx := r.Context()
	otelint.RequestTotal.Add(ctx, 1)
	otelint.RequestUriTotal.Add(ctx, 1, attrs)
	if ex.read > 0 {
		otelint.RequestBodySize.Add(ctx, float64(ex.read), attrs)
	}
	if ex.written > 0 {
		otelint.ResponseBodySize.Add(ctx, float64(ex.written), attrs)
	}
	otelint.RequestDuration.Record(ctx, float64(latency.Microseconds())/1000, attrs)
}

func traceExchange(span trace.Span, ex *exchange) {
	attrs := []attribute.KeyValue{semconv.HTTPResponseStatusCode(ex.status)}
	if ex.read > 0 {
		attrs = append(attrs, otelhttp.ReadBytesKey.Int64(ex.read))
	}
	if ex.written > 0 {
		attrs = append(attrs, otelhttp.WroteBytesKey.Int64(ex.written))
	}
	if ex.readErr != nil {
		attrs = append(attrs, otelhttp.ReadErrorKey.String(ex.readErr.Error()))
	}
	if ex.writeErr != nil {
		attrs = append(attrs, otelhttp.WriteErrorKey.String(ex.writeErr.Error()))
		span.RecordError(ex.writeErr)
	}
	if ex.status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(ex.status))
	}
	span.SetAttributes(attrs...)
}

func requestAttributes(serviceName string, r *http.Request) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.HTTPRequestMethodKey.String(r.Method),
		semconv.URLPath(r.URL.Path),
		semconv.UserAgentOriginal(r.UserAgent()),
		semconv.NetworkPeerAddress(r.RemoteAddr),
	}
	if user := r.Header.Get(UserIdHeader); user != "" {
		attrs = append(attrs, userIdKey.String(user))
	}
	return attrs
}

package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previousProvider, previousPropagator := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(previousProvider)
		otel.SetTextMapPropagator(previousPropagator)
	})
	return recorder
}

func attributeMap(attrs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	m := map[attribute.Key]attribute.Value{}
	for _, a := range attrs {
		m[a.Key] = a.Value
	}
	return m
}

func TestOpentelemetryNamesSpanAfterRoute(t *testing.T) {
	// given
	recorder := recordSpans(t)
	router := chi.NewRouter()
	router.Use(Opentelemetry("test"))
	router.Post("/items/{key}", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	})
	req := httptest.NewRequest(http.MethodPost, "/items/42", strings.NewReader("hello"))
	req.Header.Set(UserIdHeader, "demo")
	rec := httptest.NewRecorder()

	// when
	router.ServeHTTP(rec, req)

	// then
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Traceparent"))
	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "POST /items/{key}", spans[0].Name())
	attrs := attributeMap(spans[0].Attributes())
	assert.Equal(t, int64(http.StatusCreated), attrs["http.response.status_code"].AsInt64())
	assert.Equal(t, int64(5), attrs["http.read_bytes"].AsInt64())
	assert.Equal(t, int64(5), attrs["http.wrote_bytes"].AsInt64())
	assert.Equal(t, "demo", attrs[userIdKey].AsString())
}

func TestOpentelemetryMarksServerErrors(t *testing.T) {
	// given
	recorder := recordSpans(t)
	router := chi.NewRouter()
	router.Use(Opentelemetry("test"))
	router.Get("/fail", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	// when
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fail", nil))

	// then
	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestCorsAllowsCredentialsOnlyForListedOrigins(t *testing.T) {
	// given
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	preflight := func(origins []string) http.Header {
		req := httptest.NewRequest(http.MethodOptions, "/v1/batches", nil)
		req.Header.Set("Origin", "https://ops.example.com")
		req.Header.Set("Access-Control-Request-Method", http.MethodGet)
		rec := httptest.NewRecorder()
		Cors(origins)(handler).ServeHTTP(rec, req)
		return rec.Header()
	}

	// when
	wildcard := preflight(nil)
	listed := preflight([]string{"https://ops.example.com"})

	// then
	assert.Equal(t, "*", wildcard.Get("Access-Control-Allow-Origin"))
	assert.Empty(t, wildcard.Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "https://ops.example.com", listed.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", listed.Get("Access-Control-Allow-Credentials"))
}

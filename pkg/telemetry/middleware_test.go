package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return recorder
}

func spanAttrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range s.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestTracingMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := recordSpans(t)

	r := gin.New()
	r.Use(TracingMiddleware("featured-placement", "/health"))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/areas/:area/capacity", func(c *gin.Context) {
		c.Set("user_id", "u1")
		c.Status(http.StatusOK)
	})
	r.POST("/internal/scheduler/run", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Empty(t, recorder.Ended())
	assert.Empty(t, w.Header().Get(TraceIDHeader))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/areas/bondi/capacity", nil))
	require.Len(t, recorder.Ended(), 1)
	assert.NotEmpty(t, w.Header().Get(TraceIDHeader))

	span := recorder.Ended()[0]
	assert.Equal(t, "GET /areas/:area/capacity", span.Name())
	attrs := spanAttrs(span)
	assert.Equal(t, "bondi", attrs["featured.area"].AsString())
	assert.Equal(t, "u1", attrs["enduser.id"].AsString())
	assert.Equal(t, int64(200), attrs["http.status_code"].AsInt64())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/internal/scheduler/run", nil))
	require.Len(t, recorder.Ended(), 2)
	assert.Equal(t, codes.Error, recorder.Ended()[1].Status().Code)
}

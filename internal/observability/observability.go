package observability

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	otelmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"stim-hub/internal/device"
)

var (
	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total requests by service, endpoint, method, and status.",
		},
		[]string{"service", "endpoint", "method", "status"},
	)
	commandCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_commands_total",
			Help: "Commands sent to devices, by device and operation.",
		},
		[]string{"device", "op"},
	)
	notificationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_notifications_total",
			Help: "Asynchronous device reports, by device, vendor, and kind.",
		},
		[]string{"device", "vendor", "kind"},
	)
	eventCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_triggers_total",
			Help: "Fired event triggers, by event.",
		},
		[]string{"event"},
	)
	connectedGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "device_connected",
			Help: "Whether a device session is currently connected.",
		},
		[]string{"device"},
	)
)

func init() {
	prometheus.MustRegister(requestCounter, commandCounter, notificationCounter, eventCounter, connectedGauge)
}

func SetupObservability(serviceName string) (shutdown func(), promHandler http.Handler, tracer oteltrace.Tracer) {
	propagator := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	otel.SetTextMapPropagator(propagator)

	promExporter, err := otelprom.New()
	if err != nil {
		slog.Error("failed to create prometheus exporter", "error", err)
		os.Exit(1)
	}
	meterProvider := otelmetric.NewMeterProvider(otelmetric.WithReader(promExporter))
	otel.SetMeterProvider(meterProvider)

	res, err := resource.New(context.Background(), resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		slog.Error("failed to create otel resource", "error", err)
		os.Exit(1)
	}

	otlpURL := os.Getenv("OTLP_ENDPOINT")
	var tp *trace.TracerProvider
	if otlpURL != "" {
		exp, err := otlptracehttp.New(context.Background(), otlptracehttp.WithEndpointURL(otlpURL))
		if err != nil {
			slog.Error("failed to create otlp exporter", "error", err)
			os.Exit(1)
		}
		tp = trace.NewTracerProvider(trace.WithBatcher(exp), trace.WithResource(res))
	} else {
		tp = trace.NewTracerProvider(trace.WithResource(res))
	}
	otel.SetTracerProvider(tp)

	shutdown = func() { _ = tp.Shutdown(context.Background()) }
	promHandler = promhttp.Handler()
	tracer = otel.Tracer(serviceName)
	return shutdown, promHandler, tracer
}

// RecordCommand counts one outbound device command.
func RecordCommand(deviceID, op string) {
	commandCounter.WithLabelValues(deviceID, op).Inc()
}

// RecordNotifications consumes a notification subscription and keeps the
// device metrics current. It returns when the channel closes.
func RecordNotifications(notes <-chan device.Notification) {
	for n := range notes {
		switch n.Kind {
		case device.NotifyEvent:
			eventCounter.WithLabelValues(n.Message).Inc()
		case device.NotifyStatus:
			notificationCounter.WithLabelValues(n.DeviceID, string(n.Vendor), string(n.Kind)).Inc()
			if n.Status == device.StatusConnected {
				connectedGauge.WithLabelValues(n.DeviceID).Set(1)
			} else {
				connectedGauge.WithLabelValues(n.DeviceID).Set(0)
			}
		default:
			notificationCounter.WithLabelValues(n.DeviceID, string(n.Vendor), string(n.Kind)).Inc()
		}
	}
}

func MetricsAndTracingMiddleware(tracer oteltrace.Tracer, serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			endpoint := r.URL.Path
			method := r.Method
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			ctx, span := tracer.Start(ctx, method+" "+endpoint)
			span.SetAttributes(
				attribute.String("http.method", method),
				attribute.String("http.target", endpoint),
				attribute.String("service.name", serviceName),
			)
			if rid := middleware.GetReqID(ctx); rid != "" {
				span.SetAttributes(attribute.String("http.request_id", rid))
			}

			next.ServeHTTP(rw, r.WithContext(ctx))

			status := rw.status
			span.SetAttributes(attribute.Int("http.status_code", status))
			requestCounter.WithLabelValues(serviceName, endpoint, method, strconv.Itoa(status)).Inc()
			w.Header().Set("Trace-ID", span.SpanContext().TraceID().String())
			span.End()
		})
	}
}

func WrapHandler(tracer oteltrace.Tracer, serviceName string, next http.Handler) http.Handler {
	return MetricsAndTracingMiddleware(tracer, serviceName)(next)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack exposes the underlying connection so websocket upgrades work behind
// the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

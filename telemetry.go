package eureka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"pkt.systems/pslog"

	"github.com/levigo/neverpile-eureka-sub002/internal/loggingutil"
)

// ServiceName is reported as the otel service.name resource attribute.
const ServiceName = "eureka-coord"

const exportTimeout = 10 * time.Second

var errProfilingNeedsMetrics = errors.New("telemetry: profiling metrics require metrics listen address")

// Telemetry owns the process-wide otel providers and the metrics and pprof
// listeners. A nil *Telemetry is valid and shuts down as a no-op.
type Telemetry struct {
	logger   pslog.Logger
	res      *resource.Resource
	mu       sync.Mutex
	stops    []stopFunc
	metrics  string
	pprofURL string
}

type stopFunc struct {
	name string
	fn   func(context.Context) error
}

// otelErrors routes exporter failures into the structured log. Connection
// warm-up noise from the gRPC exporter is demoted to debug.
type otelErrors struct{ logger pslog.Logger }

func (h otelErrors) Handle(err error) {
	switch {
	case err == nil:
	case strings.Contains(err.Error(), "waiting for connections to become ready"):
		h.logger.Debug("telemetry.exporter.retry", "error", err)
	default:
		h.logger.Warn("telemetry.exporter.error", "error", err)
	}
}

// StartTelemetry installs tracing, metrics and pprof as configured. It
// returns nil when none of them is enabled.
func StartTelemetry(ctx context.Context, cfg Config, logger pslog.Logger) (*Telemetry, error) {
	otlp := strings.TrimSpace(cfg.OTLPEndpoint)
	metricsAddr := strings.TrimSpace(cfg.MetricsListen)
	pprofAddr := strings.TrimSpace(cfg.PprofListen)
	if cfg.EnableProfilingMetrics && metricsAddr == "" {
		return nil, errProfilingNeedsMetrics
	}
	if otlp == "" && metricsAddr == "" && pprofAddr == "" {
		return nil, nil
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName(ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}
	t := &Telemetry{logger: loggingutil.WithSubsystem(logger, "telemetry"), res: res}
	steps := []struct {
		enabled bool
		start   func() error
	}{
		{otlp != "", func() error { return t.startTracing(ctx, otlp) }},
		{metricsAddr != "", func() error { return t.startMetrics(metricsAddr, cfg.EnableProfilingMetrics) }},
		{pprofAddr != "", func() error { return t.startPprof(pprofAddr) }},
	}
	for _, step := range steps {
		if !step.enabled {
			continue
		}
		if err := step.start(); err != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = t.Shutdown(stopCtx)
			cancel()
			return nil, err
		}
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetErrorHandler(otelErrors{logger: t.logger})
	return t, nil
}

func (t *Telemetry) startTracing(ctx context.Context, raw string) error {
	target, err := resolveOTLPTarget(raw)
	if err != nil {
		return err
	}
	exporter, err := target.exporter(ctx)
	if err != nil {
		return fmt.Errorf("telemetry: start trace exporter (%s): %w", target.protocol, err)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(t.res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	t.onStop("trace", provider.Shutdown)
	t.logger.Info("telemetry.tracing.enabled",
		"protocol", target.protocol,
		"endpoint", target.endpoint,
		"path", target.path,
		"insecure", target.insecure,
	)
	return nil
}

// startMetrics exposes every otel instrument on a private prometheus
// registry. Runtime metrics can only be registered once per process.
func (t *Telemetry) startMetrics(addr string, runtimeMetrics bool) error {
	registry := prometheus.NewRegistry()
	opts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
	if runtimeMetrics {
		opts = append(opts, otelprometheus.WithProducer(otelruntime.NewProducer()))
	}
	exporter, err := otelprometheus.New(opts...)
	if err != nil {
		return fmt.Errorf("telemetry: start prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithResource(t.res), sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	t.onStop("metric", provider.Shutdown)
	if runtimeMetrics {
		runtimeOnce.Do(func() {
			runtimeErr = otelruntime.Start(otelruntime.WithMeterProvider(provider))
		})
		if runtimeErr != nil {
			return fmt.Errorf("telemetry: runtime metrics: %w", runtimeErr)
		}
		t.logger.Info("profiling.metrics.enabled")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", otelhttp.NewHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), "metrics"))
	bound, err := t.listen("metrics", addr, mux)
	if err != nil {
		return err
	}
	t.metrics = "http://" + bound + "/metrics"
	t.logger.Info("telemetry.metrics.enabled", "listen", bound)
	return nil
}

var (
	runtimeOnce sync.Once
	runtimeErr  error
)

func (t *Telemetry) startPprof(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	for name, h := range map[string]http.HandlerFunc{
		"cmdline": pprof.Cmdline,
		"profile": pprof.Profile,
		"symbol":  pprof.Symbol,
		"trace":   pprof.Trace,
	} {
		mux.HandleFunc("/debug/pprof/"+name, h)
	}
	bound, err := t.listen("pprof", addr, mux)
	if err != nil {
		return err
	}
	t.pprofURL = "http://" + bound + "/debug/pprof/"
	t.logger.Info("profiling.pprof.enabled", "listen", bound)
	return nil
}

// MetricsURL returns the scrape URL, or "" when metrics are disabled.
func (t *Telemetry) MetricsURL() string {
	if t == nil {
		return ""
	}
	return t.metrics
}

// PprofURL returns the pprof index URL, or "" when pprof is disabled.
func (t *Telemetry) PprofURL() string {
	if t == nil {
		return ""
	}
	return t.pprofURL
}

func (t *Telemetry) onStop(name string, fn func(context.Context) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops = append(t.stops, stopFunc{name: name, fn: fn})
}

// listen binds addr and serves handler in the background. The returned
// address carries the real port when addr asked for port 0.
func (t *Telemetry) listen(name, addr string, handler http.Handler) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("telemetry: %s listen: %w", name, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("telemetry.serve_error", "server", name, "error", err)
		}
	}()
	t.onStop(name+" server", srv.Shutdown)
	return ln.Addr().String(), nil
}

// Shutdown stops listeners and flushes providers, last started first.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	stops := t.stops
	t.stops = nil
	t.mu.Unlock()
	var result *multierror.Error
	for i := len(stops) - 1; i >= 0; i-- {
		s := stops[i]
		if err := s.fn(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("telemetry.shutdown.failure", "component", s.name, "error", err)
			result = multierror.Append(result, fmt.Errorf("%s shutdown: %w", s.name, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	t.logger.Info("telemetry.shutdown.complete")
	return nil
}

type otlpTarget struct {
	protocol string // "grpc" or "http"
	endpoint string // host:port
	path     string
	insecure bool
}

func (o otlpTarget) exporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	if o.protocol == "http" {
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(o.endpoint),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if o.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if o.path != "" {
			opts = append(opts, otlptracehttp.WithURLPath(o.path))
		}
		return otlptracehttp.New(ctx, opts...)
	}
	creds := credentials.NewClientTLSFromCert(nil, "")
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(o.endpoint),
		otlptracegrpc.WithTimeout(exportTimeout),
	}
	if o.insecure {
		creds = insecure.NewCredentials()
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(creds)))
	return otlptracegrpc.New(ctx, opts...)
}

// otlpSchemes maps an endpoint URL scheme to protocol, default port and TLS.
var otlpSchemes = map[string]otlpTarget{
	"grpc":  {protocol: "grpc", endpoint: "4317", insecure: true},
	"grpcs": {protocol: "grpc", endpoint: "4317"},
	"http":  {protocol: "http", endpoint: "4318", insecure: true},
	"https": {protocol: "http", endpoint: "4318"},
}

// resolveOTLPTarget accepts host[:port], meaning plaintext gRPC, or a URL
// whose scheme is one of otlpSchemes.
func resolveOTLPTarget(raw string) (otlpTarget, error) {
	if raw == "" {
		return otlpTarget{}, errors.New("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		raw = "grpc://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	target, ok := otlpSchemes[strings.ToLower(u.Scheme)]
	if !ok {
		return otlpTarget{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return otlpTarget{}, errors.New("telemetry: missing endpoint host")
	}
	if u.Port() == "" {
		target.endpoint = net.JoinHostPort(u.Hostname(), target.endpoint)
	} else {
		target.endpoint = u.Host
	}
	if target.protocol == "http" {
		target.path = strings.TrimSuffix(u.Path, "/")
	}
	return target, nil
}

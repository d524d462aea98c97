package middleware

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zocket-go/zocket/pkg/server"
)

// Default tracer name for Zocket applications.
const defaultTracerName = "zocket"

// OTelConfig configures the OpenTelemetry middleware.
type OTelConfig struct {
	// TracerName is the name of the tracer (default: "zocket").
	TracerName string

	// IncludeClientID includes the client id in spans. May be considered
	// identifying - disabled by default.
	IncludeClientID bool

	// Filter determines which requests to trace. Return true to trace.
	// If nil, all requests are traced.
	Filter func(c *server.Ctx) bool

	// AttributeExtractor extracts custom attributes from the context,
	// called for each traced request.
	AttributeExtractor func(c *server.Ctx) []attribute.KeyValue

	tracer trace.Tracer
}

// OTelOption configures the OpenTelemetry middleware.
type OTelOption func(*OTelConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) OTelOption {
	return func(c *OTelConfig) {
		c.TracerName = name
	}
}

// WithIncludeClientID enables including the client id in spans.
func WithIncludeClientID(include bool) OTelOption {
	return func(c *OTelConfig) {
		c.IncludeClientID = include
	}
}

// WithFilter sets a filter function for requests.
func WithFilter(filter func(c *server.Ctx) bool) OTelOption {
	return func(c *OTelConfig) {
		c.Filter = filter
	}
}

// WithAttributeExtractor sets a custom attribute extractor.
func WithAttributeExtractor(extractor func(c *server.Ctx) []attribute.KeyValue) OTelOption {
	return func(c *OTelConfig) {
		c.AttributeExtractor = extractor
	}
}

func defaultOTelConfig() OTelConfig {
	return OTelConfig{TracerName: defaultTracerName}
}

// OpenTelemetry creates middleware that traces every dispatched frame.
//
// The middleware starts one server-kind span per request, named after the
// dotted route, injects the span context into the request's std context
// for downstream calls, and records the dispatch result.
//
// The tracer comes from the global OpenTelemetry tracer provider;
// configure it in main() before starting the server.
func OpenTelemetry(opts ...OTelOption) server.Middleware {
	config := defaultOTelConfig()
	for _, opt := range opts {
		opt(&config)
	}
	config.tracer = otel.Tracer(config.TracerName)

	return server.MiddlewareFunc(func(c *server.Ctx, payload any, next func() error) error {
		if config.Filter != nil && !config.Filter(c) {
			return next()
		}

		attrs := []attribute.KeyValue{
			attribute.String("zocket.route", c.Route()),
			attribute.Bool("zocket.rpc", c.IsRPC()),
		}
		if config.IncludeClientID {
			attrs = append(attrs, attribute.String("zocket.client_id", c.ClientID()))
		}
		if config.AttributeExtractor != nil {
			attrs = append(attrs, config.AttributeExtractor(c)...)
		}

		spanCtx, span := config.tracer.Start(
			c.StdContext(),
			"zocket "+c.Route(),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		// Downstream calls that take the std context propagate the trace.
		c.WithStdContext(spanCtx)

		err := next()

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return err
	})
}

// SpanFromCtx returns the current trace span for a request, or a no-op
// span when tracing is not installed.
func SpanFromCtx(c *server.Ctx) trace.Span {
	return trace.SpanFromContext(c.StdContext())
}

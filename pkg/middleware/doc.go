// Package middleware provides observability middleware for the Zocket
// dispatch chain: Prometheus metrics and OpenTelemetry tracing.
//
// Both are ordinary server.Middleware values; install them globally via
// server.Config.Middleware or per procedure:
//
//	cfg := server.DefaultConfig()
//	cfg.Middleware = []server.Middleware{
//	    middleware.Prometheus(middleware.WithNamespace("myapp")),
//	    middleware.OpenTelemetry(),
//	}
package middleware

// Package gateway fronts the safety service: it verifies bearer tokens,
// applies per-user rate limits and proxies to the upstream.
package gateway

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/example/safecircle/internal/auth"
	ratelimitmw "github.com/example/safecircle/internal/http/middleware"
	"github.com/example/safecircle/pkg/observability"
)

// Config describes the upstream and the middlewares in front of it.
type Config struct {
	Upstream string
	Verifier *auth.Verifier
	Limiter  *ratelimitmw.RateLimiter
	Logger   *zap.Logger
}

// NewRouter builds the gateway router.
func NewRouter(cfg Config) (http.Handler, error) {
	target, err := url.Parse(cfg.Upstream)
	if err != nil || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q", cfg.Upstream)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("upstream request failed", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID, chimiddleware.RealIP, chimiddleware.Recoverer)
	r.Mount("/observability", observability.MetricsRouter(nil))
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Verifier))
		r.Use(cfg.Limiter.Middleware)
		r.Handle("/v1/*", proxy)
	})
	return r, nil
}

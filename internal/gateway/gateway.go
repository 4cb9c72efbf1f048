package gateway

import (
	"net/http"
	"time"

	"github.com/crosslogic/deploy-control-plane/internal/apierr"
	"github.com/crosslogic/deploy-control-plane/internal/auth"
	"github.com/crosslogic/deploy-control-plane/internal/billing"
	"github.com/crosslogic/deploy-control-plane/internal/deployments"
	"github.com/crosslogic/deploy-control-plane/internal/idempotency"
	"github.com/crosslogic/deploy-control-plane/internal/store"
	"github.com/crosslogic/deploy-control-plane/pkg/cache"
	"github.com/crosslogic/deploy-control-plane/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Gateway is the HTTP surface described by the control plane's external
// interface table: public health, owner-authenticated billing/deployment
// operations, signature-verified webhook intake, and admin-token-gated
// operational listing. Grounded on the reference gateway's setupRoutes/
// middleware-chain shape; every domain handler is new since the reference
// gateway fronted an inference proxy, not a provisioning control plane.
type Gateway struct {
	store          store.Store
	cache          *cache.Cache
	logger         *zap.Logger
	router         *chi.Mux
	authResolver   auth.Resolver
	rateLimiter    *RateLimiter
	checkout       *billing.CheckoutService
	checkoutGuard  *idempotency.CheckoutGuard
	webhookHandler *billing.WebhookHandler
	bridge         *billing.Bridge
	deployments    *deployments.Service
	adminToken     string
}

// Deps bundles the collaborators NewGateway wires into routes, so adding a
// new one doesn't grow NewGateway's positional parameter list.
type Deps struct {
	Store          store.Store
	Cache          *cache.Cache
	Logger         *zap.Logger
	AuthResolver   auth.Resolver
	RateLimiter    *RateLimiter
	Checkout       *billing.CheckoutService
	CheckoutGuard  *idempotency.CheckoutGuard
	WebhookHandler *billing.WebhookHandler
	Bridge         *billing.Bridge
	Deployments    *deployments.Service
	AdminToken     string
}

// NewGateway builds a Gateway and mounts its routes.
func NewGateway(d Deps) *Gateway {
	g := &Gateway{
		store:          d.Store,
		cache:          d.Cache,
		logger:         d.Logger,
		router:         chi.NewRouter(),
		authResolver:   d.AuthResolver,
		rateLimiter:    d.RateLimiter,
		checkout:       d.Checkout,
		checkoutGuard:  d.CheckoutGuard,
		webhookHandler: d.WebhookHandler,
		bridge:         d.Bridge,
		deployments:    d.Deployments,
		adminToken:     d.AdminToken,
	}
	g.setupRoutes()
	return g
}

// setupRoutes configures the HTTP routes.
func (g *Gateway) setupRoutes() {
	securityConfig := DefaultSecurityConfig()
	g.router.Use(SecurityMiddleware(securityConfig))
	g.router.Use(APISecurityMiddleware())
	g.router.Use(RequestSizeLimitMiddleware(2 * 1024 * 1024))

	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.requestIDResponseMiddleware)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(60 * time.Second))

	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Admin-Token"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	g.registerMetrics()

	g.router.Get("/health", g.handleHealth)

	if g.webhookHandler != nil {
		g.router.Post("/v1/webhooks/stripe", g.webhookHandler.ServeHTTP)
	} else {
		g.router.Post("/v1/webhooks/stripe", func(w http.ResponseWriter, r *http.Request) {
			apierr.Write(w, apierr.AuthUnavailable("billing webhooks disabled"))
		})
	}

	g.router.Group(func(r chi.Router) {
		r.Use(g.authMiddleware)

		r.Get("/v1/control-plane/health", g.handleReady)

		r.Group(func(r chi.Router) {
			r.Use(g.rateLimitMiddleware)
			r.Post("/v1/billing/checkout", g.handleCreateCheckout)
			r.Post("/v1/orders/{id}/provision", g.handleProvisionOrder)
			r.Post("/v1/deployments", g.handleCreateDeployment)
			r.Post("/v1/deployments/{id}/cancel", g.handleCancelDeployment)
			r.Post("/v1/deployments/{id}/retry", g.handleRetryDeployment)
		})

		r.Get("/v1/orders", g.handleListOrders)
		r.Get("/v1/orders/{id}", g.handleGetOrder)
		r.Get("/v1/deployments", g.handleListDeployments)
		r.Get("/v1/deployments/{id}", g.handleGetDeployment)
	})

	g.router.Group(func(r chi.Router) {
		r.Use(g.adminAuthMiddleware)
		r.Get("/v1/admin/orders", g.handleAdminListOrders)
		r.Get("/v1/admin/deployments", g.handleAdminListDeployments)
	})
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// StartHealthMetrics periodically refreshes the dependency-up gauges so
// they reflect the current state of Postgres/Redis even between requests.
func (g *Gateway) StartHealthMetrics(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				g.updateHealthMetrics()
			}
		}
	}()
}

func (g *Gateway) updateHealthMetrics() {
	ctx, cancel := contextWithTimeout(5 * time.Second)
	defer cancel()

	dbStatus := 0.0
	if err := g.store.Health(ctx); err == nil {
		dbStatus = 1.0
	}
	metrics.DependencyUp.WithLabelValues("postgres").Set(dbStatus)

	if g.cache != nil {
		redisStatus := 0.0
		if err := g.cache.Health(ctx); err == nil {
			redisStatus = 1.0
		}
		metrics.DependencyUp.WithLabelValues("redis").Set(redisStatus)
	}
}

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// requestIDResponseMiddleware adds the request ID to response headers.
func (g *Gateway) requestIDResponseMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.GetReqID(r.Context())
		if reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware resolves the caller to an owning user id via the
// configured auth.Resolver and stashes it in the request context.
func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := g.authResolver.Resolve(r.Context(), r)
		if err != nil {
			apierr.Write(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withOwnerUserID(r.Context(), userID)))
	})
}

// rateLimitMiddleware throttles mutating endpoints per authenticated owner.
func (g *Gateway) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.rateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		ownerUserID, ok := ownerUserIDFrom(r.Context())
		if !ok {
			apierr.Write(w, apierr.Internal("missing owner in context"))
			return
		}
		allowed, info, err := g.rateLimiter.CheckRateLimitWithInfo(r.Context(), ownerUserID)
		if err != nil {
			g.logger.Error("rate limit check failed", zap.Error(err))
			apierr.Write(w, apierr.Internal("rate limit check failed"))
			return
		}
		for k, v := range info.GetRateLimitHeaders() {
			w.Header().Set(k, v)
		}
		if !allowed {
			apierr.Write(w, apierr.New(apierr.KindConflict, "rate limit exceeded").WithDetails(map[string]any{
				"retryAfterSeconds": info.RetryAfter,
			}))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adminAuthMiddleware gates the unscoped operational listing endpoints
// behind a constant-time comparison against the configured admin token.
func (g *Gateway) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Admin-Token")
		if token == "" || g.adminToken == "" || !constantTimeEqual(token, g.adminToken) {
			g.logger.Warn("invalid admin token attempt",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path),
			)
			apierr.Write(w, apierr.Unauthorized("invalid admin token"))
			return
		}
		g.logger.Info("admin action authenticated",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	apierr.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := g.store.Health(ctx); err != nil {
		apierr.Write(w, apierr.AuthUnavailable("store not ready"))
		return
	}
	if g.cache != nil {
		if err := g.cache.Health(ctx); err != nil {
			apierr.Write(w, apierr.AuthUnavailable("cache not ready"))
			return
		}
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

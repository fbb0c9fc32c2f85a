package router

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/teletherapy-api/internal/handler/appointment"
	"github.com/jwalitptl/teletherapy-api/internal/handler/availability"
	"github.com/jwalitptl/teletherapy-api/internal/handler/call"
	"github.com/jwalitptl/teletherapy-api/internal/handler/health"
	"github.com/jwalitptl/teletherapy-api/internal/handler/prometheus"
	"github.com/jwalitptl/teletherapy-api/internal/middleware"
)

const APIVersion = "1.0"

type Router struct {
	engine       *gin.Engine
	auth         *middleware.AuthMiddleware
	availability *availability.Handler
	appointment  *appointment.Handler
	call         *call.Handler
	health       *health.Handler
	timeout      time.Duration
}

type RouterConfig struct {
	Mode           string
	RequestTimeout time.Duration
	RateLimit      middleware.RateLimiterConfig
	AllowOrigins   []string
	MaxBodySize    int64
	Security       middleware.SecurityConfig
}

func NewRouter(
	auth *middleware.AuthMiddleware,
	availabilityH *availability.Handler,
	appointmentH *appointment.Handler,
	callH *call.Handler,
	healthH *health.Handler,
	metrics *prometheus.Handler,
	config RouterConfig,
) *Router {
	if config.Mode != "" {
		gin.SetMode(config.Mode)
	}

	engine := gin.New()

	r := &Router{
		engine:       engine,
		auth:         auth,
		availability: availabilityH,
		appointment:  appointmentH,
		call:         callH,
		health:       healthH,
		timeout:      config.RequestTimeout,
	}

	engine.Use(
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.Logger(),
		metrics.Middleware(),
		middleware.CORS(config.AllowOrigins),
		middleware.SecurityHeaders(config.Security),
		middleware.NewRateLimiter(config.RateLimit).RateLimit(),
		middleware.ErrorHandler(),
		middleware.BodyLimit(config.MaxBodySize),
	)

	return r
}

func (r *Router) Setup() {
	api := r.engine.Group("/api/v1", middleware.Version(APIVersion))

	r.health.RegisterRoutes(api)

	public := api.Group("", middleware.Timeout(r.timeout))

	protected := api.Group("")
	protected.Use(
		r.auth.Authenticate(),
		middleware.Timeout(r.timeout),
	)

	// SSE subscriptions outlive any request deadline.
	streams := api.Group("")
	streams.Use(r.auth.Authenticate())

	r.availability.RegisterRoutes(public, protected)
	r.appointment.RegisterRoutes(protected)
	r.call.RegisterRoutes(protected, streams)
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}

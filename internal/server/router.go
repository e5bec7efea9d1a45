package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/djgnfj-svg/resee/backend/internal/auth"
	"github.com/djgnfj-svg/resee/backend/internal/events"
	"github.com/djgnfj-svg/resee/backend/internal/realtime"
	"github.com/djgnfj-svg/resee/backend/internal/schedules"
	"github.com/djgnfj-svg/resee/backend/internal/tiers"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

const (
	ownerIDContextKey        = "resee_owner_id"
	internalTokenHeader      = "X-Internal-Token"
	defaultServiceName       = "resee-api"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingOwnerDirectory   = errors.New("owner directory dependency required")
	errMissingSchedules        = errors.New("schedules service dependency required")
	errMissingEventHandler     = errors.New("event handler dependency required")
	errMissingInternalToken    = errors.New("internal token required")
)

// SessionValidator authenticates a request from its session cookie or bearer token.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// OwnerDirectory maps session claims to owners and owners to their effective tier.
type OwnerDirectory interface {
	ResolveOwnerID(ctx context.Context, claims auth.SessionClaims) (schedules.OwnerID, error)
	TierOrDefault(ctx context.Context, ownerID schedules.OwnerID, fallback tiers.Tier) (tiers.Tier, error)
}

// EventHandler applies one lifecycle event.
type EventHandler interface {
	Handle(ctx context.Context, envelope events.Envelope) (events.Result, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	SessionValidator  SessionValidator
	Owners            OwnerDirectory
	Schedules         *schedules.Service
	Events            EventHandler
	Realtime          *realtime.Dispatcher
	AllowedOrigins    []string
	InternalToken     string
	DefaultTier       tiers.Tier
	ServiceName       string
	HeartbeatInterval time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin router serving the schedule API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Owners == nil {
		return nil, errMissingOwnerDirectory
	}
	if deps.Schedules == nil {
		return nil, errMissingSchedules
	}
	if deps.Events == nil {
		return nil, errMissingEventHandler
	}
	if strings.TrimSpace(deps.InternalToken) == "" {
		return nil, errMissingInternalToken
	}
	if !deps.DefaultTier.IsValid() {
		return nil, tiers.ErrInvalidTier
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	serviceName := deps.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	dispatcher := deps.Realtime
	if dispatcher == nil {
		dispatcher = realtime.NewDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:      deps.SessionValidator,
		owners:        deps.Owners,
		schedules:     deps.Schedules,
		events:        deps.Events,
		realtime:      dispatcher,
		internalToken: deps.InternalToken,
		defaultTier:   deps.DefaultTier,
		heartbeat:     heartbeat,
		now:           clock,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/internal/events", handler.authorizeInternal, handler.handleInternalEvent)

	protected := router.Group("/schedules")
	protected.Use(handler.authorizeRequest)
	protected.GET("/due", handler.handleDueSet)
	protected.GET("/stream", handler.handleScheduleStream)
	protected.GET("/:content_id", handler.handleGetSchedule)
	protected.GET("/:content_id/outcomes", handler.handleListOutcomes)
	protected.POST("/:content_id/outcomes", handler.handleApplyOutcome)

	return router, nil
}

type httpHandler struct {
	sessions      SessionValidator
	owners        OwnerDirectory
	schedules     *schedules.Service
	events        EventHandler
	realtime      *realtime.Dispatcher
	internalToken string
	defaultTier   tiers.Tier
	heartbeat     time.Duration
	now           func() time.Time
	logger        *zap.Logger
}

// corsMiddleware sends credentials only to the configured origins. Without any the API
// answers every origin but never with credentials.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	corsConfig := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = allowedOrigins
		corsConfig.AllowCredentials = true
	}
	return cors.New(corsConfig)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ownerID, err := h.owners.ResolveOwnerID(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("owner resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(ownerIDContextKey, ownerID.String())
	c.Next()
}

func (h *httpHandler) authorizeInternal(c *gin.Context) {
	provided := c.GetHeader(internalTokenHeader)
	if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(h.internalToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (h *httpHandler) ownerFrom(c *gin.Context) (schedules.OwnerID, bool) {
	ownerID, err := schedules.NewOwnerID(c.GetString(ownerIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return ownerID, true
}

func (h *httpHandler) effectiveTier(c *gin.Context, ownerID schedules.OwnerID) (tiers.Tier, bool) {
	tier, err := h.owners.TierOrDefault(c.Request.Context(), ownerID, h.defaultTier)
	if err != nil {
		h.logger.Error("tier resolution failed", zap.String("owner_id", ownerID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "tier_resolution_failed"})
		return 0, false
	}
	return tier, true
}

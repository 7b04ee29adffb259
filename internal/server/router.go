package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/frontdesklabs/regmirror/internal/badges"
	"github.com/frontdesklabs/regmirror/internal/regfox"
)

const requestIDHeader = "X-Request-ID"

var errMissingCache = errors.New("badge cache dependency required")

// Dependencies bundles what the HTTP adapter needs.
type Dependencies struct {
	Cache     *badges.Service
	EventName string
	Logger    *zap.Logger
}

// NewHTTPHandler builds the gin router serving the front-desk API. Every
// route is a thin adapter over a cache operation.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Cache == nil {
		return nil, errMissingCache
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		cache:     deps.Cache,
		eventName: deps.EventName,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)

	api := router.Group("/api")
	api.GET("/registrants", handler.handleSearch)
	api.GET("/registrants/:id", handler.handleGet)
	api.POST("/registrants/:id/refresh", handler.handleRefresh)
	api.POST("/registrants/:id/checkin", handler.handleCheckin)
	api.POST("/registrants/:id/checkout", handler.handleCheckout)
	api.POST("/sync", handler.handleSync)
	api.GET("/limits", handler.handleLimits)
	api.GET("/counts", handler.handleCounts)

	return router, nil
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

type httpHandler struct {
	cache     *badges.Service
	eventName string
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "event": h.eventName})
}

func (h *httpHandler) handleSearch(c *gin.Context) {
	criteria := c.Query("criteria")
	limit := intQuery(c, "limit")
	offset := intQuery(c, "offset")

	registrants, err := h.cache.SearchRegistrants(c.Request.Context(), criteria, limit, offset)
	if err != nil {
		h.writeError(c, "search failed", err)
		return
	}
	c.JSON(http.StatusOK, registrants)
}

func (h *httpHandler) handleGet(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	registrant, err := h.cache.GetRegistrant(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "lookup failed", err)
		return
	}
	c.JSON(http.StatusOK, registrant)
}

func (h *httpHandler) handleRefresh(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	registrant, err := h.cache.UpdateRegistrant(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "refresh failed", err)
		return
	}
	c.JSON(http.StatusOK, registrant)
}

func (h *httpHandler) handleCheckin(c *gin.Context) {
	ref, ok := pathRef(c)
	if !ok {
		return
	}
	registrant, err := h.cache.CheckinRegistrant(c.Request.Context(), ref, nil)
	if err != nil {
		h.writeError(c, "check-in failed", err)
		return
	}
	c.JSON(http.StatusOK, registrant)
}

func (h *httpHandler) handleCheckout(c *gin.Context) {
	ref, ok := pathRef(c)
	if !ok {
		return
	}
	if _, err := h.cache.CheckoutRegistrant(c.Request.Context(), ref); err != nil {
		h.writeError(c, "check-out failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleSync(c *gin.Context) {
	rebuild := strings.EqualFold(c.Query("rebuild"), "true")
	inserted, err := h.cache.Sync(c.Request.Context(), rebuild)
	if err != nil {
		h.writeError(c, "sync failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"inserted": inserted, "rebuild": rebuild})
}

func (h *httpHandler) handleLimits(c *gin.Context) {
	c.JSON(http.StatusOK, h.cache.Limits())
}

func (h *httpHandler) handleCounts(c *gin.Context) {
	counts, err := h.cache.Counts(c.Request.Context())
	if err != nil {
		h.writeError(c, "counts failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": h.eventName, "counts": counts})
}

// writeError translates the cache error taxonomy into HTTP statuses. Low
// level transport errors never leak uninterpreted past this boundary.
func (h *httpHandler) writeError(c *gin.Context, message string, err error) {
	var limitErr *regfox.RateLimitError
	var transportErr *regfox.TransportError

	switch {
	case errors.Is(err, badges.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, badges.ErrRemoteRejected):
		c.JSON(http.StatusConflict, gin.H{"error": "remote_rejected"})
	case errors.Is(err, badges.ErrCheckoutUnsupported):
		c.JSON(http.StatusNotImplemented, gin.H{"error": "checkout_unsupported"})
	case errors.As(err, &limitErr):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rate_limited", "limits": limitErr.Limits})
	case errors.As(err, &transportErr):
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "remote_unreachable"})
	default:
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func intQuery(c *gin.Context, name string) int {
	value, err := strconv.Atoi(c.Query(name))
	if err != nil || value < 0 {
		return 0
	}
	return value
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return 0, false
	}
	return id, true
}

// pathRef accepts either a numeric registrant id or a displayId string;
// check-in addresses the remote registrant either way.
func pathRef(c *gin.Context) (badges.BadgeRef, bool) {
	raw := strings.TrimSpace(c.Param("id"))
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return badges.BadgeRef{}, false
	}
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
		return badges.ByID(id), true
	}
	return badges.ByDisplayID(raw), true
}

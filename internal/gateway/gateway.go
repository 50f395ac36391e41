package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/terminal-bench/courierdispatch/internal/cache"
	"github.com/terminal-bench/courierdispatch/internal/dispatch"
	"github.com/terminal-bench/courierdispatch/internal/perf"
	"github.com/terminal-bench/courierdispatch/internal/resources"
	"github.com/terminal-bench/courierdispatch/internal/scheduler"
	"github.com/terminal-bench/courierdispatch/internal/spatial"
	"github.com/terminal-bench/courierdispatch/internal/threat"
	"github.com/terminal-bench/courierdispatch/pkg/circuit"
	"github.com/terminal-bench/courierdispatch/pkg/errs"
	"github.com/terminal-bench/courierdispatch/pkg/models"
)

// Config holds gateway configuration.
type Config struct {
	Port            string
	JWTSecret       string
	RateLimitWindow time.Duration
	RateLimitMax    int
}

// Gateway is the HTTP and websocket surface over the dispatch core.
type Gateway struct {
	router       *gin.Engine
	cfg          Config
	orchestrator *dispatch.Orchestrator
	perfMeter    *perf.Meter
	threatMeter  *threat.Meter
	index        *spatial.Index
	resources    *resources.Manager
	runner       *circuit.Runner
	sched        *scheduler.Scheduler
	adaptive     *cache.Adaptive
	rateLimiter  *rateLimiter
	logger       *zap.Logger
}

// rateLimiter is a per-key sliding window counter.
type rateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.window)
	valid := make([]time.Time, 0, len(rl.requests[key]))
	for _, t := range rl.requests[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}
	rl.requests[key] = append(valid, time.Now())
	return true
}

func New(cfg Config, orchestrator *dispatch.Orchestrator, perfMeter *perf.Meter,
	threatMeter *threat.Meter, index *spatial.Index, res *resources.Manager,
	runner *circuit.Runner, sched *scheduler.Scheduler, adaptive *cache.Adaptive,
	logger *zap.Logger) *Gateway {
	g := &Gateway{
		router:       gin.New(),
		cfg:          cfg,
		orchestrator: orchestrator,
		perfMeter:    perfMeter,
		threatMeter:  threatMeter,
		index:        index,
		resources:    res,
		runner:       runner,
		sched:        sched,
		adaptive:     adaptive,
		rateLimiter: &rateLimiter{
			requests: make(map[string][]time.Time),
			limit:    cfg.RateLimitMax,
			window:   cfg.RateLimitWindow,
		},
		logger: logger,
	}
	g.router.Use(gin.Recovery())
	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(g.tracingMiddleware())
	g.router.Use(g.rateLimitMiddleware())

	g.router.GET("/health", g.healthCheck)

	v1 := g.router.Group("/api/v1")
	{
		v1.POST("/dispatch", g.authMiddleware(), g.dispatchOrder)

		status := v1.Group("/status")
		{
			status.GET("/performance", g.performanceStatus)
			status.GET("/spatial", g.spatialStatus)
			status.GET("/resources", g.resourceStatus)
			status.GET("/breakers", g.breakerStatus)
			status.GET("/jobs", g.jobStatus)
			status.GET("/cache", g.cacheStatus)
			status.GET("/threat", g.threatStatus)
		}

		v1.GET("/ws/alerts", g.authMiddleware(), g.streamAlerts)
	}
}

// Start runs the HTTP server.
func (g *Gateway) Start() error {
	return g.router.Run(":" + g.cfg.Port)
}

// Handler exposes the routing table for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Middleware

func (g *Gateway) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		c.Set("correlation_id", correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

// rateLimitMiddleware rejects over-limit clients and feeds the rejection
// into threat scoring, so sustained hammering raises the caller's score.
func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !g.rateLimiter.allow(ip) {
			g.threatMeter.Score(c.Request.Context(), ip, "rate_limited", models.ThreatContext{
				ClientIP:  ip,
				UserAgent: c.Request.UserAgent(),
			})
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.GetHeader("Authorization")
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errs.New(errs.CodeUnauthenticated, "auth", "unexpected signing method")
			}
			return []byte(g.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		sub, _ := claims["sub"].(string)
		if sub == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token subject"})
			return
		}
		c.Set("user_id", sub)
		c.Next()
	}
}

// Handlers

func (g *Gateway) healthCheck(c *gin.Context) {
	report := g.perfMeter.Report()
	status := http.StatusOK
	if report.Health == perf.HealthCritical {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": string(report.Health)})
}

type dispatchRequest struct {
	OrderID        string       `json:"order_id" binding:"required"`
	VendorID       string       `json:"vendor_id" binding:"required"`
	VendorLocation models.Point `json:"vendor_location" binding:"required"`
	Total          string       `json:"total"`
	Weather        string       `json:"weather"`
	Traffic        string       `json:"traffic"`
}

func (g *Gateway) dispatchOrder(c *gin.Context) {
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	userID := c.MustGet("user_id").(string)
	order := models.Order{
		ID:             req.OrderID,
		VendorID:       req.VendorID,
		VendorLocation: req.VendorLocation,
		AuthorID:       userID,
		Status:         models.OrderDriverPending,
	}
	if req.Total != "" {
		total, err := decimal.NewFromString(req.Total)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid total"})
			return
		}
		order.Total = total
	}

	dctx := models.DispatchContext{
		Weather: req.Weather,
		Traffic: req.Traffic,
		Hour:    time.Now().Hour(),
		Threat: models.ThreatContext{
			ClientIP:  c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		},
	}

	result, err := g.orchestrator.Dispatch(c.Request.Context(), order, dctx)
	if err != nil {
		g.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// writeError maps the error taxonomy to HTTP statuses. Unclassified
// failures get a generic message; the detail stays in the server log.
func (g *Gateway) writeError(c *gin.Context, err error) {
	var status int
	message := err.Error()
	switch errs.CodeOf(err) {
	case errs.CodeCircuitOpen:
		status = http.StatusServiceUnavailable
	case errs.CodeResourceExhausted:
		status = http.StatusTooManyRequests
	case errs.CodeNotFound:
		status = http.StatusNotFound
	case errs.CodeInvalidArgument:
		status = http.StatusBadRequest
	case errs.CodeUnauthenticated:
		status = http.StatusUnauthorized
	case errs.CodePermissionDenied:
		status = http.StatusForbidden
	default:
		status = http.StatusInternalServerError
		message = "internal error"
		g.logger.Error("dispatch request failed", zap.Error(err))
	}
	c.JSON(status, gin.H{"error": message})
}

// Status surface

func (g *Gateway) performanceStatus(c *gin.Context) {
	c.JSON(http.StatusOK, g.perfMeter.Report())
}

func (g *Gateway) spatialStatus(c *gin.Context) {
	c.JSON(http.StatusOK, g.index.Stats())
}

func (g *Gateway) resourceStatus(c *gin.Context) {
	c.JSON(http.StatusOK, g.resources.Snapshot())
}

func (g *Gateway) breakerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, g.runner.Snapshot())
}

func (g *Gateway) jobStatus(c *gin.Context) {
	c.JSON(http.StatusOK, g.sched.Snapshot())
}

func (g *Gateway) cacheStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"keys":  g.adaptive.Snapshot(),
		"store": g.adaptive.Store().Stats(),
	})
}

func (g *Gateway) threatStatus(c *gin.Context) {
	c.JSON(http.StatusOK, g.threatMeter.Snapshot())
}

// Websocket alert stream

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamAlerts forwards performance alerts to the connected operator until
// the peer disconnects.
func (g *Gateway) streamAlerts(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case alert, ok := <-g.perfMeter.Alerts():
			if !ok {
				return
			}
			if err := conn.WriteJSON(alert); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

package chillers

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	xRequestIDHeader = "X-Request-ID"

	apiPathHealth            = "/api/health"
	apiPathMetrics           = "/metrics"
	apiPathInstances         = "/api/instances"
	apiPathInstanceDetail    = "/api/instances/:instance_id"
	apiPathInstancePresences = "/api/instances/:instance_id/presences"
	apiPathUsers             = "/api/users/:vrchat_id"
)

var (
	structValidator = validator.New()
)

//nolint:gochecknoinits // gotta register the validator tag
func init() {
	structValidator.SetTagName("binding")
}

type httpError struct {
	Error string `json:"error"`
}

// API is the read-only status server: health, Prometheus metrics, and
// JSON views of the tracked instances, presences and users. It has no
// mutating endpoints; all writes happen in the monitor.
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	db               DBI
	registry         *prometheus.Registry
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger
}

// newAPI initializes the status API: gin engine, middleware, routes and
// the underlying HTTP server.
func newAPI(
	config *APIConfig,
	db DBI,
	registry *prometheus.Registry,
) (*API, error) {
	logger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "api")

	r := gin.New()
	api := &API{
		config:         config,
		engine:         r,
		db:             db,
		registry:       registry,
		requestMetrics: map[string]int{},
		logger:         logger,
	}

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" {
		cfg, err := tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		tlsCfg = cfg
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(config.CORS.GINConfig()),
	)

	r.GET(apiPathHealth, api.healthCheck)
	r.GET(apiPathMetrics, gin.WrapH(promhttp.HandlerFor(
		registry,
		promhttp.HandlerOpts{},
	)))
	r.GET(apiPathInstances, api.getInstances)
	r.GET(apiPathInstanceDetail, api.getInstance)
	r.GET(apiPathInstancePresences, api.getInstancePresences)
	r.GET(apiPathUsers, api.getUser)

	return api, nil
}

// Serve listens on the configured address and serves until the server is
// shut down. Listening on a context-aware listener lets shutdown cancel
// an in-progress accept.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.Info("api listening", "address", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// instanceWithStats is an instance list entry with presence counts
// attached.
type instanceWithStats struct {
	VRChatInstance
	OpenPresences  int64 `json:"open_presences"`
	TotalPresences int64 `json:"total_presences"`
}

func (a *API) getInstances(c *gin.Context) {
	db := a.db.DB().WithContext(c.Request.Context())
	if c.Query("active") == "true" {
		db = db.Where("is_active = ?", true)
	}
	var instances []VRChatInstance
	if err := db.Order("id").Find(&instances).Error; err != nil {
		ginContextLogger(c).Error("error listing instances", tint.Err(err))
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Error: "error listing instances"},
		)
		return
	}

	if c.Query("stats") != "true" {
		c.JSON(http.StatusOK, instances)
		return
	}

	withStats := make([]instanceWithStats, len(instances))
	g, _ := errgroup.WithContext(c.Request.Context())
	for ind, instance := range instances {
		g.Go(
			func() error {
				entry := instanceWithStats{VRChatInstance: instance}
				open, e := openPresenceCount(a.db.DB(), instance.ID)
				if e != nil {
					return e
				}
				entry.OpenPresences = open
				e = a.db.DB().Model(&UserPresence{}).
					Where("instance_id = ?", instance.ID).
					Count(&entry.TotalPresences).Error
				if e != nil {
					return e
				}
				withStats[ind] = entry
				return nil
			},
		)
	}
	if err := g.Wait(); err != nil {
		ginContextLogger(c).Error("error compiling instance stats", tint.Err(err))
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Error: "error compiling instance stats"},
		)
		return
	}
	c.JSON(http.StatusOK, withStats)
}

func (a *API) getInstance(c *gin.Context) {
	instance, err := getInstanceByID(
		a.db.DB().WithContext(c.Request.Context()),
		c.Param("instance_id"),
	)
	if err != nil {
		ginContextLogger(c).Error("error loading instance", tint.Err(err))
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Error: "error loading instance"},
		)
		return
	}
	if instance == nil {
		c.AbortWithStatusJSON(
			http.StatusNotFound,
			httpError{Error: "instance not found"},
		)
		return
	}
	c.JSON(http.StatusOK, instance)
}

// instancePresence is the joined presence view returned by the API:
// presence interval fields plus the occupant's identity.
type instancePresence struct {
	UserPresence
	VRChatID string `json:"vrchat_id"`
	Username string `json:"username"`
}

func (a *API) getInstancePresences(c *gin.Context) {
	db := a.db.DB().WithContext(c.Request.Context())
	instance, err := getInstanceByID(db, c.Param("instance_id"))
	if err != nil {
		ginContextLogger(c).Error("error loading instance", tint.Err(err))
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Error: "error loading instance"},
		)
		return
	}
	if instance == nil {
		c.AbortWithStatusJSON(
			http.StatusNotFound,
			httpError{Error: "instance not found"},
		)
		return
	}

	query := db.Model(&UserPresence{}).
		Select(
			"user_presences.*, vr_chat_users.vrchat_id, vr_chat_users.username",
		).
		Joins("JOIN vr_chat_users ON vr_chat_users.id = user_presences.user_id").
		Where("user_presences.instance_id = ?", instance.ID).
		Order("user_presences.joined_at DESC")
	if c.Query("open") == "true" {
		query = query.Where("user_presences.left_at IS NULL")
	}
	if limit := c.Query("limit"); limit != "" {
		n, convErr := strconv.Atoi(limit)
		if convErr != nil || n < 1 {
			c.AbortWithStatusJSON(
				http.StatusBadRequest,
				httpError{Error: "invalid limit"},
			)
			return
		}
		query = query.Limit(n)
	}

	var presences []instancePresence
	if err = query.Scan(&presences).Error; err != nil {
		ginContextLogger(c).Error("error listing presences", tint.Err(err))
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Error: "error listing presences"},
		)
		return
	}
	c.JSON(http.StatusOK, presences)
}

func (a *API) getUser(c *gin.Context) {
	db := a.db.DB().WithContext(c.Request.Context())
	user, err := getUserByVRChatID(db, c.Param("vrchat_id"))
	if err != nil {
		ginContextLogger(c).Error("error loading user", tint.Err(err))
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Error: "error loading user"},
		)
		return
	}
	if user == nil {
		c.AbortWithStatusJSON(
			http.StatusNotFound,
			httpError{Error: "user not found"},
		)
		return
	}
	if err = db.Where("user_id = ?", user.ID).
		Order("joined_at DESC").
		Find(&user.Visits).Error; err != nil {
		ginContextLogger(c).Error("error loading visit history", tint.Err(err))
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Error: "error loading visit history"},
		)
		return
	}
	c.JSON(http.StatusOK, user)
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request, exposed in the X-Request-ID response header.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request's method, path and duration,
// including any errors attached to the gin context.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware counts requests per method and path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()
		a.requestMetrics[c.Request.Method+" "+c.Request.URL.Path]++
	}
}

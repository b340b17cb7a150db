package chillers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/CodingWithBoris/Chillers-Bot/chillers.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout
)

// Chillers is the main application struct: it wires the VRChat client,
// the instance monitor, the Discord session, the database and the status
// API together, and owns their lifecycles.
type Chillers struct {
	config *Config

	db      *gorm.DB
	writeDB DBI

	vrchat   *VRChatClient
	monitor  *InstanceMonitor
	notifier Notifier
	discord  *Discord
	api      *API
	registry *prometheus.Registry

	logger     *slog.Logger
	logHandler slog.Handler

	runMu       sync.Mutex
	signalReady chan struct{}
	startedAt   time.Time
}

// New creates a Chillers instance from the given config. The database is
// not opened and nothing connects until [Chillers.Run].
func New(config *Config) (*Chillers, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	c := &Chillers{
		config:      config,
		signalReady: make(chan struct{}, 1),
	}

	c.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	c.logger = slog.New(c.logHandler)
	slog.SetDefault(c.logger)

	config.Discord.httpClient = config.HTTPClient

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	if config.Discord.GatewayEnabled {
		disc, err := newDiscord(
			config.Discord,
			slog.New(
				tint.NewHandler(
					defaultLogWriter, &tint.Options{
						Level:     config.Discord.LogLevel,
						AddSource: true,
					},
				),
			),
		)
		if err != nil {
			errs = append(errs, err)
		}
		c.discord = disc
	}

	c.vrchat = NewVRChatClient(
		config.VRChat,
		config.HTTPClient,
		slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     config.VRChat.LogLevel,
					AddSource: true,
				},
			),
		),
	)

	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c, errors.Join(errs...)
}

// ValidateConfig validates the application config against its struct tags.
func (c *Chillers) ValidateConfig() error {
	return structValidator.Struct(c.config)
}

// Run starts the bot and blocks until ctx is canceled, then shuts down
// gracefully. Returns an error if startup fails.
func (c *Chillers) Run(ctx context.Context) error {
	// prevents concurrent runs
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.startedAt = time.Now()
	logger := c.logger

	if err := c.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", c.config))

	startCtx, startCancel := context.WithTimeout(ctx, c.config.StartupTimeout)
	if err := c.initRun(startCtx, ctx); err != nil {
		startCancel()
		logger.Error("init error", tint.Err(err))
		return err
	}
	startCancel()

	runtimeWG := &sync.WaitGroup{}

	go func() {
		httpErr := c.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			cancel()
		}
	}()

	if c.config.Monitor.Enabled {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			c.monitor.Run(ctx)
		}()
	} else {
		logger.WarnContext(ctx, "instance monitor disabled")
	}

	c.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	<-ctx.Done()

	return c.shutdown(context.WithoutCancel(ctx), runtimeWG)
}

// initRun opens the database, connects Discord and builds the monitor.
// startCtx bounds startup; ctx is the long-lived runtime context.
func (c *Chillers) initRun(startCtx context.Context, ctx context.Context) error {
	if err := c.initDB(startCtx); err != nil {
		return err
	}

	if c.discord != nil {
		if err := c.discord.connect(); err != nil {
			return err
		}
		c.notifier = NewDiscordNotifier(
			c.writeDB,
			c.discord.session,
			c.config.Discord,
			c.logger,
		)
	} else {
		c.logger.Warn("discord gateway disabled, notifications will be logged only")
		c.notifier = NewLogNotifier(c.logger)
	}

	c.monitor = NewInstanceMonitor(
		c.writeDB,
		c.vrchat,
		c.notifier,
		c.config.Monitor,
		c.config.VRChat.GroupID,
		newMonitorMetrics(c.registry),
		c.logger,
	)

	api, err := newAPI(c.config.API, c.writeDB, c.registry)
	if err != nil {
		return err
	}
	c.api = api

	// verify the VRChat session so a stale cookie is surfaced at startup
	// rather than on the first poll
	if user, userErr := c.vrchat.CurrentUser(ctx); userErr != nil {
		c.logger.Warn(
			"vrchat session check failed, continuing anyway",
			tint.Err(userErr),
		)
	} else {
		c.logger.Info("vrchat session ok", "display_name", user.DisplayName)
	}
	return nil
}

// initDB opens the configured database, runs migrations and wraps the
// connection for serialized writes.
func (c *Chillers) initDB(ctx context.Context) error {
	db, err := CreateDB(ctx, c.config.DatabaseType, c.config.Database)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     c.config.DatabaseLogLevel,
			AddSource: true,
		},
	)
	gormLogger := newGORMLogger(handler, c.config.DatabaseSlowThreshold)
	db.Logger = gormLogger

	c.db = db
	c.writeDB = NewDatabase(
		db,
		slog.New(handler).With(loggerNameKey, "database"),
		c.config.DatabaseType == dbTypePostgres,
	)
	return nil
}

// shutdown stops the monitor (via the already-canceled runtime context),
// the API server and the Discord session, bounded by ShutdownTimeout.
func (c *Chillers) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	c.logger.Info("shutting down")
	closeCtx, closeCancel := context.WithTimeout(ctx, c.config.ShutdownTimeout)
	defer closeCancel()

	done := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()
		done <- struct{}{}
	}()
	select {
	case <-done:
		//
	case <-closeCtx.Done():
		c.logger.Warn("timed out waiting for monitor to stop")
	}

	if c.api != nil && c.api.httpServer != nil {
		if err := c.api.httpServer.Shutdown(closeCtx); err != nil {
			c.logger.Error("error shutting down api server", tint.Err(err))
			_ = c.api.httpServer.Close()
		}
	}

	if c.discord != nil {
		if err := c.discord.disconnect(); err != nil {
			c.logger.Error("error closing discord connection", tint.Err(err))
		}
	}

	if c.db != nil {
		if sqlDB, err := c.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	c.logger.Info("shutdown complete")
	return nil
}

//nolint:lll // struct tags can't be split
package chillers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix = "CHILLERS_ENV_PREFIX"
	DefaultEnvPrefix   = "CB"

	DefaultDatabaseType          = "sqlite"
	DefaultDatabase              = "chillers.sqlite3"
	DefaultLogLevel              = slog.LevelInfo
	DefaultStartupTimeout        = 30 * time.Second
	DefaultShutdownTimeout       = 60 * time.Second
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo

	DefaultVRChatBaseURL           = "https://api.vrchat.cloud/api/1"
	DefaultVRChatSecretsFile       = "data/secrets.json"
	DefaultVRChatUserAgent         = "ChillersBot/1.0 chillers-staff"
	DefaultVRChatRequestTimeout    = 15 * time.Second
	DefaultVRChatRequestsPerSecond = 1.0
	DefaultVRChatLogLevel          = slog.LevelInfo
	DefaultVRChatPageSize          = 100

	DefaultMonitorPollInterval = time.Minute
	DefaultMonitorLogLevel     = slog.LevelInfo
	DefaultModeratorRank       = "Staff"

	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultDiscordStartupMessage = "Chillers bot online, watching instances"
	DefaultDiscordGatewayIntent  = discordgo.IntentsAllWithoutPrivileged

	DefaultAPIListen            = "127.0.0.1:5000"
	DefaultAPILogLevel          = slog.LevelInfo
	DefaultReadTimeout          = 5 * time.Second
	DefaultReadHeaderTimeout    = 5 * time.Second
	DefaultWriteTimeout         = 10 * time.Second
	DefaultIdleTimeout          = 30 * time.Second
	defaultListenNetwork        = "tcp"
	DefaultCORSAllowCredentials = false
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodHead,
		http.MethodOptions,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Cache-Control",
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour

	// DefaultRankOrder lists the group's VRChat ranks from highest to
	// lowest. Any rank at or above the moderator rank is considered staff
	// for coverage purposes.
	DefaultRankOrder = []string{
		"Owner",
		"Admin",
		"Staff",
		"Trusted",
		"Member",
	}
)

type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Discord configures the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// VRChat configures the VRChat API client
	VRChat *VRChatConfig `yaml:"vrchat" mapstructure:"vrchat" json:"vrchat"`

	// Monitor configures the instance presence monitor
	Monitor *MonitorConfig `yaml:"monitor" mapstructure:"monitor" json:"monitor"`

	// API configures the read-only status API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID is the guild the bot operates in
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// InstanceLogChannelID is the channel where per-instance log threads are
	// created. First-join and closure embeds are posted to those threads.
	InstanceLogChannelID string `yaml:"instance_log_channel_id" mapstructure:"instance_log_channel_id" json:"instance_log_channel_id"`

	// ModeratorLogChannelID receives moderator arrival and instance closure
	// embeds. Falls back to InstanceLogChannelID when unset.
	ModeratorLogChannelID string `yaml:"moderator_log_channel_id" mapstructure:"moderator_log_channel_id" json:"moderator_log_channel_id"`

	// NotificationChannelID, if set, receives StartupMessage whenever the
	// bot connects to the discord gateway.
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// StartupMessage is sent to NotificationChannelID on gateway connect
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// GatewayEnabled opens the discord gateway connection on startup. When
	// false, the bot still polls VRChat but notifications are logged only.
	GatewayEnabled bool `yaml:"gateway_enabled" mapstructure:"gateway_enabled" json:"gateway_enabled"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	httpClient *http.Client
}

// VRChatConfig configures the VRChat API client.
//
//nolint:lll // can't break tags
type VRChatConfig struct {
	// BaseURL is the VRChat REST API base URL
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"required,url"`

	// GroupID is the VRChat group whose members and instances are monitored
	GroupID string `yaml:"group_id" mapstructure:"group_id" json:"group_id" binding:"required"`

	// SecretsFile is the path of the JSON file holding the auth and
	// two-factor cookies. `chillers-bot init` writes this file, and a
	// session refresh re-reads it.
	SecretsFile string `yaml:"secrets_file" mapstructure:"secrets_file" json:"secrets_file" binding:"required"`

	// UserAgent sent with every VRChat API request. VRChat requires a
	// descriptive user agent with contact information.
	UserAgent string `yaml:"user_agent" mapstructure:"user_agent" json:"user_agent" binding:"required"`

	// RequestTimeout bounds each individual API call
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=1s"`

	// RequestsPerSecond limits the rate of VRChat API calls
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second" json:"requests_per_second" binding:"gt=0"`

	// LogLevel for VRChat client events
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// MonitorConfig configures the instance presence monitor.
//
//nolint:lll // can't break tags
type MonitorConfig struct {
	// Enabled starts the poll loop on startup
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// PollInterval is the time between poll cycles
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval" json:"poll_interval" binding:"min=5s"`

	// RankRoles maps a group rank name to its VRChat group role ID
	RankRoles map[string]string `yaml:"rank_roles" mapstructure:"rank_roles" json:"rank_roles"`

	// RankOrder lists rank names from highest to lowest
	RankOrder []string `yaml:"rank_order" mapstructure:"rank_order" json:"rank_order"`

	// ModeratorRank is the lowest rank considered staff for coverage
	// purposes. Members whose rank sits at or above this rank in RankOrder
	// count as moderators.
	ModeratorRank string `yaml:"moderator_rank" mapstructure:"moderator_rank" json:"moderator_rank"`

	// LogLevel for monitor events
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// APIConfig configures the read-only status API server.
//
//nolint:lll // can't break tags
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"hostname|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultCORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	vrchatLogLevel := &slog.LevelVar{}
	monitorLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	vrchatLogLevel.Set(DefaultVRChatLogLevel)
	monitorLogLevel.Set(DefaultMonitorLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	rankOrder := make([]string, len(DefaultRankOrder))
	copy(rankOrder, DefaultRankOrder)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayEnabled:    true,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			StartupMessage:    DefaultDiscordStartupMessage,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		VRChat: &VRChatConfig{
			BaseURL:           DefaultVRChatBaseURL,
			SecretsFile:       DefaultVRChatSecretsFile,
			UserAgent:         DefaultVRChatUserAgent,
			RequestTimeout:    DefaultVRChatRequestTimeout,
			RequestsPerSecond: DefaultVRChatRequestsPerSecond,
			LogLevel:          vrchatLogLevel,
		},
		Monitor: &MonitorConfig{
			Enabled:       true,
			PollInterval:  DefaultMonitorPollInterval,
			RankRoles:     map[string]string{},
			RankOrder:     rankOrder,
			ModeratorRank: DefaultModeratorRank,
			LogLevel:      monitorLogLevel,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			LogLevel:      apiLogLevel,
			CORS:          DefaultCORSConfig(),

			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}

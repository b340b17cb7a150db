package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/CodingWithBoris/Chillers-Bot/chillers"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = chillers.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "chillers-bot [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes a log level name into a *slog.LevelVar.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", chillers.DefaultDatabase)
	viper.SetDefault("database_type", chillers.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		chillers.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		chillers.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", chillers.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", chillers.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", chillers.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.instance_log_channel_id", "")
	viper.SetDefault("discord.moderator_log_channel_id", "")
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.gateway_enabled", true)
	viper.SetDefault(
		"discord.log_level",
		chillers.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		chillers.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		chillers.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault(
		"discord.startup_message",
		chillers.DefaultDiscordStartupMessage,
	)

	// VRChat config
	viper.SetDefault("vrchat.base_url", chillers.DefaultVRChatBaseURL)
	viper.SetDefault("vrchat.group_id", "")
	viper.SetDefault("vrchat.secrets_file", chillers.DefaultVRChatSecretsFile)
	viper.SetDefault("vrchat.user_agent", chillers.DefaultVRChatUserAgent)
	viper.SetDefault(
		"vrchat.request_timeout",
		chillers.DefaultVRChatRequestTimeout,
	)
	viper.SetDefault(
		"vrchat.requests_per_second",
		chillers.DefaultVRChatRequestsPerSecond,
	)
	viper.SetDefault("vrchat.log_level", chillers.DefaultVRChatLogLevel.String())

	// Monitor config
	viper.SetDefault("monitor.enabled", true)
	viper.SetDefault("monitor.poll_interval", chillers.DefaultMonitorPollInterval)
	viper.SetDefault("monitor.rank_order", chillers.DefaultRankOrder)
	viper.SetDefault("monitor.moderator_rank", chillers.DefaultModeratorRank)
	viper.SetDefault("monitor.log_level", chillers.DefaultMonitorLogLevel.String())

	// API config
	viper.SetDefault("api.listen", chillers.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", chillers.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", chillers.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		chillers.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", chillers.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", chillers.DefaultIdleTimeout)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		chillers.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		chillers.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		chillers.DefaultCORSExposeHeaders,
	)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", chillers.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		chillers.DefaultCORSAllowCredentials,
	)

	envPrefix := os.Getenv(chillers.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = chillers.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)
	viper.Set(
		"monitor.rank_order",
		viper.GetStringSlice("monitor.rank_order"),
	)
	viper.Set(
		"monitor.rank_roles",
		viper.GetStringMapString("monitor.rank_roles"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"vrchat.log_level",
		"monitor.log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}

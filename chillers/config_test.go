package chillers

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// DefaultTestConfig returns a Config suitable for tests: temp-dir SQLite
// database and secrets file, fake credentials, quiet logging.
func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	tmpdir := t.TempDir()
	cfg := DefaultConfig()

	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", t.Name()))
	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 10 * time.Second

	cfg.Discord.Token = "test-discord-token"
	cfg.Discord.ApplicationID = "test-app-id"
	cfg.Discord.GatewayEnabled = false

	cfg.VRChat.GroupID = "grp_00000000-0000-0000-0000-000000000000"
	cfg.VRChat.SecretsFile = filepath.Join(tmpdir, "secrets.json")
	require.NoError(
		t,
		WriteVRChatSecrets(cfg.VRChat.SecretsFile, "test-auth", "test-2fa"),
	)

	cfg.Monitor.PollInterval = 5 * time.Second
	cfg.Monitor.RankRoles = map[string]string{
		"Owner": "grol_owner",
		"Staff": "grol_staff",
	}

	cfg.API.Listen = "127.0.0.1:0"
	cfg.API.CORS.AllowOrigins = []string{"*"}

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.DatabaseLogLevel.Set(logLevel)
	cfg.VRChat.LogLevel.Set(logLevel)
	cfg.Monitor.LogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)

	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, DefaultDatabaseType, cfg.DatabaseType)
	assert.Equal(t, DefaultDatabase, cfg.Database)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel.Level())
	assert.Equal(t, DefaultVRChatBaseURL, cfg.VRChat.BaseURL)
	assert.Equal(t, DefaultVRChatSecretsFile, cfg.VRChat.SecretsFile)
	assert.Equal(t, DefaultMonitorPollInterval, cfg.Monitor.PollInterval)
	assert.Equal(t, DefaultModeratorRank, cfg.Monitor.ModeratorRank)
	assert.Equal(t, DefaultRankOrder, cfg.Monitor.RankOrder)
	assert.Equal(t, DefaultAPIListen, cfg.API.Listen)
	assert.True(t, cfg.Discord.GatewayEnabled)
	assert.True(t, cfg.Monitor.Enabled)
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultTestConfig(t)
	require.NoError(t, structValidator.Struct(cfg))
}

func TestCORSGINConfig(t *testing.T) {
	corsCfg := DefaultCORSConfig()
	corsCfg.AllowOrigins = []string{"https://example.com"}

	ginCfg := corsCfg.GINConfig()
	assert.Equal(t, []string{"https://example.com"}, ginCfg.AllowOrigins)
	assert.Equal(t, DefaultCORSAllowMethods, ginCfg.AllowMethods)
	assert.Equal(t, DefaultCORSMaxAge, ginCfg.MaxAge)
}

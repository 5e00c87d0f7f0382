package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/arcward/queuebot/queuebot"
	"github.com/bwmarrin/discordgo"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

// isolateConfig clears the environment, viper and the package config,
// restoring them all when the test ends
func isolateConfig(t *testing.T) {
	t.Helper()
	originalEnv := os.Environ()
	originalCfg := cfg
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
			viper.Reset()
			cfg = originalCfg
			configFile = ""
		},
	)
	os.Clearenv()
	viper.Reset()
	cfg = queuebot.DefaultConfig()
}

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	envFile := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte(content), 0o600))
	return envFile
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	isolateConfig(t)

	envFile := writeEnvFile(
		t, `
# General config

QB_LOG_LEVEL=DEBUG
QB_STARTUP_TIMEOUT=15s
QB_SHUTDOWN_TIMEOUT=60s
QB_RECOVER_PANIC=false

# Discord bot config

QB_DISCORD_TOKEN="Bot MTAw.abc.xyz"
QB_DISCORD_APPLICATION_ID=123456789
QB_DISCORD_GUILD_ID=987654321
QB_DISCORD_LOG_LEVEL=WARN
QB_DISCORD_DISCORDGO_LOG_LEVEL=ERROR
QB_DISCORD_GATEWAY_INTENTS=3243773
QB_DISCORD_WEBHOOK_SERVER_ENABLED=true
QB_DISCORD_WEBHOOK_SERVER_PUBLIC_KEY=abcdef

# Storage and panels

QB_STORAGE_CHANNEL_NAME=signup-db
QB_STORAGE_SCAN_LIMIT=250
QB_STORAGE_LOG_LEVEL=DEBUG
QB_PANELS_SCAN_LIMIT=50
QB_PANELS_EDITS_PER_SECOND=2.5

QB_COMMANDS_LIST_DEFAULT=10
QB_COMMANDS_NOTIFY_MAX=10
QB_LANG_DEFAULT=vi
QB_LANG_DIR=/etc/queuebot/lang

# Health / heartbeat

QB_HEALTH_LISTEN=127.0.0.1:9090
QB_HEALTH_PPROF=true
QB_HEALTH_CORS_ALLOW_ORIGINS=https://status.example.com https://example.com
QB_HEARTBEAT_INTERVAL=2m
QB_HEARTBEAT_URL=https://example.com/ping
QB_SUPERVISE_MAX_BACKOFF=10m
`,
	)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assertLogLevel(t, slog.LevelDebug, viper.Get("log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelError, viper.Get("discord.discordgo_log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("storage.log_level"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("panels.log_level"))

	assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())
	assert.Equal(t, 15*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 60*time.Second, cfg.ShutdownTimeout)
	assert.False(t, cfg.RecoverPanic)

	assert.Equal(t, "MTAw.abc.xyz", cfg.Discord.Token)
	assert.Equal(t, "123456789", cfg.Discord.ApplicationID)
	assert.Equal(t, "987654321", cfg.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, cfg.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelError, cfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, discordgo.Intent(3243773), cfg.Discord.GatewayIntents)
	assert.True(t, cfg.Discord.WebhookServer.Enabled)
	assert.Equal(t, "abcdef", cfg.Discord.WebhookServer.PublicKey)

	assert.Equal(t, "signup-db", cfg.Storage.ChannelName)
	assert.Equal(t, queuebot.DefaultStorageChannelTopic, cfg.Storage.ChannelTopic)
	assert.Equal(t, 250, cfg.Storage.ScanLimit)
	assert.Equal(t, slog.LevelDebug, cfg.Storage.LogLevel.Level())
	assert.Equal(t, 50, cfg.Panels.ScanLimit)
	assert.Equal(t, queuebot.DefaultPanelTitleScanLimit, cfg.Panels.TitleScanLimit)
	assert.InDelta(t, 2.5, cfg.Panels.EditsPerSecond, 0.001)

	assert.Equal(t, 10, cfg.Commands.ListDefault)
	assert.Equal(t, queuebot.DefaultListMaxCount, cfg.Commands.ListMax)
	assert.Equal(t, 10, cfg.Commands.NotifyMax)
	assert.Equal(t, "vi", cfg.Lang.Default)
	assert.Equal(t, "/etc/queuebot/lang", cfg.Lang.Dir)

	assert.True(t, cfg.Health.Enabled)
	assert.Equal(t, "127.0.0.1:9090", cfg.Health.Listen)
	assert.True(t, cfg.Health.Pprof)
	assert.Equal(
		t,
		[]string{"https://status.example.com", "https://example.com"},
		cfg.Health.CORSAllowOrigins,
	)
	assert.Equal(t, queuebot.DefaultReadTimeout, cfg.Health.ReadTimeout)

	assert.True(t, cfg.Heartbeat.Enabled)
	assert.Equal(t, 2*time.Minute, cfg.Heartbeat.Interval)
	assert.Equal(t, "https://example.com/ping", cfg.Heartbeat.URL)

	assert.True(t, cfg.Supervise.Enabled)
	assert.Equal(t, queuebot.DefaultSuperviseInitialBackoff, cfg.Supervise.InitialBackoff)
	assert.Equal(t, 10*time.Minute, cfg.Supervise.MaxBackoff)
}

func TestLoadConfig_Defaults(t *testing.T) {
	isolateConfig(t)

	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())

	expected := queuebot.DefaultConfig()
	assert.Equal(t, "", cfg.Discord.Token)
	assert.Equal(t, expected.Storage.ChannelName, cfg.Storage.ChannelName)
	assert.Equal(t, expected.Health.Listen, cfg.Health.Listen)
	assert.Equal(t, expected.Heartbeat.Interval, cfg.Heartbeat.Interval)
	assert.Equal(t, expected.Discord.GatewayIntents, cfg.Discord.GatewayIntents)
	assert.Equal(t, expected.LogLevel.Level(), cfg.LogLevel.Level())
	assert.True(t, cfg.Health.Enabled)
	assert.True(t, cfg.Heartbeat.Enabled)
	assert.True(t, cfg.Supervise.Enabled)
	assert.Empty(t, cfg.Health.CORSAllowOrigins)
}

func TestLoadConfig_LegacyEnv(t *testing.T) {
	isolateConfig(t)

	envFile := writeEnvFile(
		t, `
BOT_TOKEN='MTAw.legacy.token'
PORT=3000
KEEP_ALIVE=0
HEARTBEAT=0
HEARTBEAT_INTERVAL=120
HEARTBEAT_URL=https://uptime.example.com/
SUPERVISE=0
`,
	)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "MTAw.legacy.token", cfg.Discord.Token)
	assert.Equal(t, ":3000", cfg.Health.Listen)
	assert.False(t, cfg.Health.Enabled)
	assert.False(t, cfg.Heartbeat.Enabled)
	assert.Equal(t, 120*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, "https://uptime.example.com/", cfg.Heartbeat.URL)
	assert.False(t, cfg.Supervise.Enabled)
}

func TestLoadConfig_PrefixedEnvWins(t *testing.T) {
	isolateConfig(t)

	envFile := writeEnvFile(
		t, `
BOT_TOKEN=MTAw.legacy.token
QB_DISCORD_TOKEN=MTAw.prefixed.token
PORT=3000
QB_HEALTH_LISTEN=:4000
SUPERVISE=0
QB_SUPERVISE_ENABLED=true
`,
	)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "MTAw.prefixed.token", cfg.Discord.Token)
	assert.Equal(t, ":4000", cfg.Health.Listen)
	assert.True(t, cfg.Supervise.Enabled)
}

func TestLoadConfig_EnvPrefix(t *testing.T) {
	isolateConfig(t)
	t.Setenv(queuebot.EnvvarSetEnvPrefix, "SIGNUPS")
	t.Setenv("SIGNUPS_STORAGE_CHANNEL_NAME", "signups-db")
	t.Setenv("QB_STORAGE_CHANNEL_NAME", "ignored")

	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "signups-db", cfg.Storage.ChannelName)
}

func TestResolveToken(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("  \"Bot MTAw.from.file\"\n"), 0o600))

	testCases := []struct {
		name       string
		token      string
		tokenFile  string
		wantToken  string
		wantSource string
	}{
		{
			name:       "env",
			token:      "Bot MTAw.from.env",
			tokenFile:  tokenFile,
			wantToken:  "MTAw.from.env",
			wantSource: "env",
		},
		{
			name:       "token file",
			tokenFile:  tokenFile,
			wantToken:  "MTAw.from.file",
			wantSource: "token_file",
		},
		{
			name:      "missing token file",
			tokenFile: filepath.Join(t.TempDir(), "missing"),
		},
		{
			name: "nothing",
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				config := &queuebot.DiscordConfig{Token: tc.token, TokenFile: tc.tokenFile}
				source, err := resolveToken(config)
				require.NoError(t, err)
				assert.Equal(t, tc.wantToken, config.Token)
				if tc.wantSource != "" {
					assert.Equal(t, tc.wantSource, source)
				}
			},
		)
	}
}

func TestSecondsToDurationHookFunc(t *testing.T) {
	hook := SecondsToDurationHookFunc()
	str := reflect.TypeOf("")
	dur := reflect.TypeOf(time.Duration(0))

	v, err := hook(str, dur, "300")
	require.NoError(t, err)
	assert.Equal(t, 300*time.Second, v)

	v, err = hook(str, dur, "5m")
	require.NoError(t, err)
	assert.Equal(t, "5m", v)

	v, err = hook(str, reflect.TypeOf(0), "300")
	require.NoError(t, err)
	assert.Equal(t, "300", v)
}

func TestGetLogLevel(t *testing.T) {
	for input, want := range map[string]slog.Level{
		"DEBUG": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"Warn":  slog.LevelWarn,
		"ERROR": slog.LevelError,
	} {
		lvl, err := getLogLevel(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, lvl, input)
	}
	_, err := getLogLevel("verbose")
	assert.Error(t, err)
}

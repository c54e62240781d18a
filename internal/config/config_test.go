package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Setenv("JOURNEY_DATA_DIR", "/tmp/journey-test")

	c, err := Load(NewViper(), filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	require.Equal(t, "/tmp/journey-test", c.DataDir)
	require.Equal(t, "/tmp/journey-test/journey.db", c.DBPath)
	require.Equal(t, ":8080", c.HTTPAddr)
	require.Equal(t, []string{"journeys"}, c.JourneyDirs)
	require.Equal(t, time.Second, c.GreetingDelay)
	require.Equal(t, 2*time.Second, c.SummaryHold)
	require.Equal(t, 5*time.Minute, c.DedupTTL)
	require.Equal(t, 5*time.Second, c.FeedbackDisconnectDelay)
	require.Empty(t, c.RedisAddr)
	require.Equal(t, []string{"journeys", ".journey/journeys", "/tmp/journey-test/journeys"}, c.SearchDirs())
}

func TestEnvironmentAndDotEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("JOURNEY_NAVIGATION_DELAY", "750ms")

	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("JOURNEY_REDIS_CHANNEL=from-dotenv\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("JOURNEY_REDIS_CHANNEL") })

	c, err := Load(NewViper(), envFile)
	require.NoError(t, err)
	require.Equal(t, "sk-test", c.OpenAIAPIKey)
	require.Equal(t, 750*time.Millisecond, c.NavigationDelay)
	require.Equal(t, "from-dotenv", c.RedisChannel)
}

func TestConfigFileAndFlags(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "journey.yaml")
	require.NoError(t, os.WriteFile(file, []byte("greeting-delay: 250ms\njourney-dirs: a, b\nhttp-addr: \":7000\"\n"), 0644))

	v := NewViper()
	cmd := &cobra.Command{Use: "test"}
	require.NoError(t, SetupFlags(cmd, v))
	require.NoError(t, cmd.PersistentFlags().Parse([]string{"--config-file", file, "--http-addr", ":9000", "--data-dir", dir}))

	c, err := Load(v, filepath.Join(dir, "none.env"))
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, c.GreetingDelay)
	require.Equal(t, []string{"a", "b"}, c.JourneyDirs)
	require.Equal(t, ":9000", c.HTTPAddr, "flags beat the config file")

	require.NoError(t, c.EnsureDataDir())
	_, err = os.Stat(c.TranscriptsDir())
	require.NoError(t, err)
	_, err = os.Stat(c.UserJourneyDir)
	require.NoError(t, err)
}

func TestMissingConfigFile(t *testing.T) {
	v := NewViper()
	v.Set("config-file", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Load(v, filepath.Join(t.TempDir(), "none.env"))
	require.NoError(t, err)
}

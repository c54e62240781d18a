package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "JOURNEY"

type Config struct {
	DataDir           string
	DBPath            string
	UserJourneyDir    string
	ProjectJourneyDir string
	JourneyDirs       []string

	HTTPAddr string

	RealtimeURL   string
	RealtimeModel string
	OpenAIAPIKey  string
	Voice         string

	RedisAddr    string
	RedisChannel string

	LogLevel string
	LogDev   bool
	LogFile  string

	GreetingDelay           time.Duration
	DisconnectBuffer        time.Duration
	SummaryHold             time.Duration
	DedupTTL                time.Duration
	NavigationDelay         time.Duration
	FeedbackDisconnectDelay time.Duration
}

// NewViper returns a viper instance with every default set and the
// JOURNEY_ environment prefix bound.
func NewViper() *viper.Viper {
	v := viper.New()

	dataDir := ".journey"
	if homeDir, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(homeDir, ".journey")
	}

	v.SetDefault("data-dir", dataDir)
	v.SetDefault("db-path", "")
	v.SetDefault("journey-dirs", "journeys")
	v.SetDefault("http-addr", ":8080")
	v.SetDefault("realtime-url", "wss://api.openai.com/v1/realtime")
	v.SetDefault("realtime-model", "gpt-4o-realtime-preview")
	v.SetDefault("voice", "alloy")
	v.SetDefault("redis-addr", "")
	v.SetDefault("redis-channel", "journey-events")
	v.SetDefault("log-level", "info")
	v.SetDefault("log-dev", false)
	v.SetDefault("log-file", "")
	v.SetDefault("greeting-delay", time.Second)
	v.SetDefault("disconnect-buffer", time.Second)
	v.SetDefault("summary-hold", 2*time.Second)
	v.SetDefault("dedup-ttl", 5*time.Minute)
	v.SetDefault("navigation-delay", 2*time.Second)
	v.SetDefault("feedback-disconnect-delay", 5*time.Second)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("openai-api-key", envPrefix+"_OPENAI_API_KEY", "OPENAI_API_KEY")
	return v
}

// SetupFlags registers the shared flags on cmd and binds them to v.
func SetupFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := cmd.PersistentFlags()
	flags.String("config-file", "", "Path to config file.")
	flags.String("data-dir", v.GetString("data-dir"), "directory for the database and transcripts")
	flags.String("journey-dirs", v.GetString("journey-dirs"), "comma separated list of extra journey directories")
	flags.String("http-addr", v.GetString("http-addr"), "address for the HTTP API")
	flags.String("redis-addr", v.GetString("redis-addr"), "redis host:port for event fan-out (empty disables)")
	flags.String("realtime-url", v.GetString("realtime-url"), "realtime backend websocket URL")
	flags.String("realtime-model", v.GetString("realtime-model"), "realtime model")
	flags.String("log-level", v.GetString("log-level"), "log level")
	flags.Bool("log-dev", false, "human readable logs")
	return v.BindPFlags(flags)
}

// Load reads .env files (missing ones are fine), the optional config file
// and resolves every setting.
func Load(v *viper.Viper, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	if configFile := v.GetString("config-file"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			// it's ok if config file doesn't exist
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	dataDir := v.GetString("data-dir")
	dbPath := v.GetString("db-path")
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "journey.db")
	}

	c := &Config{
		DataDir:           dataDir,
		DBPath:            dbPath,
		UserJourneyDir:    filepath.Join(dataDir, "journeys"),
		ProjectJourneyDir: ".journey/journeys",

		HTTPAddr:      v.GetString("http-addr"),
		RealtimeURL:   v.GetString("realtime-url"),
		RealtimeModel: v.GetString("realtime-model"),
		OpenAIAPIKey:  v.GetString("openai-api-key"),
		Voice:         v.GetString("voice"),
		RedisAddr:     v.GetString("redis-addr"),
		RedisChannel:  v.GetString("redis-channel"),
		LogLevel:      v.GetString("log-level"),
		LogDev:        v.GetBool("log-dev"),
		LogFile:       v.GetString("log-file"),

		GreetingDelay:           v.GetDuration("greeting-delay"),
		DisconnectBuffer:        v.GetDuration("disconnect-buffer"),
		SummaryHold:             v.GetDuration("summary-hold"),
		DedupTTL:                v.GetDuration("dedup-ttl"),
		NavigationDelay:         v.GetDuration("navigation-delay"),
		FeedbackDisconnectDelay: v.GetDuration("feedback-disconnect-delay"),
	}
	for _, dir := range strings.Split(v.GetString("journey-dirs"), ",") {
		if dir = strings.TrimSpace(dir); dir != "" {
			c.JourneyDirs = append(c.JourneyDirs, dir)
		}
	}
	return c, nil
}

// New loads the configuration from defaults, .env and the environment.
func New() (*Config, error) {
	return Load(NewViper())
}

// SearchDirs lists journey directories in load order. A journey id found in
// an earlier directory shadows the same id further down.
func (c *Config) SearchDirs() []string {
	dirs := append([]string{}, c.JourneyDirs...)
	return append(dirs, c.ProjectJourneyDir, c.UserJourneyDir)
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.UserJourneyDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.TranscriptsDir(), 0755); err != nil {
		return err
	}
	return nil
}

func (c *Config) TranscriptsDir() string {
	return filepath.Join(c.DataDir, "transcripts")
}

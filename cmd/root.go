package cmd

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spigell/qcs-matcher/internal/api"
	"github.com/spigell/qcs-matcher/internal/events"
	"github.com/spigell/qcs-matcher/internal/matching"
	"github.com/spigell/qcs-matcher/internal/qcs"
	"github.com/spigell/qcs-matcher/internal/scoring"
	"github.com/spigell/qcs-matcher/internal/store"
	"github.com/spigell/qcs-matcher/internal/store/postgres"
	"github.com/spigell/qcs-matcher/internal/store/redisstore"
	"github.com/spigell/qcs-matcher/internal/tracing"
)

const (
	app       = "qcs-matcher"
	envPrefix = "QCS"
)

type Config struct {
	Server   api.Config         `mapstructure:"server"`
	Store    StoreConfig        `mapstructure:"store"`
	Redis    *redisstore.Config `mapstructure:"redis"`
	AI       AIConfig           `mapstructure:"ai"`
	Breaker  store.Backoff      `mapstructure:"breaker"`
	Blend    qcs.BlendWeights   `mapstructure:"blend"`
	Matching matching.Config    `mapstructure:"matching"`
	Events   events.Config      `mapstructure:"events"`
	Tracing  tracing.Config     `mapstructure:"tracing"`
}

type StoreConfig struct {
	Driver     string          `mapstructure:"driver" validate:"oneof=memory sqlite postgres"`
	SQLitePath string          `mapstructure:"sqlite-path" validate:"required_if=Driver sqlite"`
	Postgres   postgres.Config `mapstructure:"postgres"`
}

type AIConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Provider   string `mapstructure:"provider" validate:"omitempty,oneof=openai gemini"`
	BaseURL    string `mapstructure:"base-url" validate:"omitempty,url"`
	APIKey     string `mapstructure:"api-key"`
	APIKeyFile string `mapstructure:"api-key-file"`

	Models                  []string      `mapstructure:"models" validate:"required_if=Enabled true"`
	PreferredModel          string        `mapstructure:"preferred-model"`
	MaxRetries              int           `mapstructure:"max-retries" validate:"gte=0"`
	BaseBackoff             time.Duration `mapstructure:"base-backoff"`
	EmptyBackoff            time.Duration `mapstructure:"empty-backoff"`
	MaxTokens               int           `mapstructure:"max-tokens" validate:"gte=0"`
	Temperature             float64       `mapstructure:"temperature" validate:"gte=0,lte=2"`
	CompletionTokenPrefixes []string      `mapstructure:"completion-token-prefixes"`
	// Timeout bounds the whole AI phase of one scoring request.
	Timeout time.Duration `mapstructure:"timeout"`
	// RequestTimeout bounds a single HTTP call.
	RequestTimeout time.Duration `mapstructure:"request-timeout"`
	MaxLogLength   int           `mapstructure:"max-log-length"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "qcs-matcher scores dating profiles and ranks compatible matches",
	}

	validate = validator.New(validator.WithRequiredStructEnabled())
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is qcs-matcher.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))

	setDefaults()
}

func setDefaults() {
	server := api.DefaultConfig()
	viper.SetDefault("server.addr", server.Addr)
	viper.SetDefault("server.read-timeout", server.ReadTimeout)
	viper.SetDefault("server.write-timeout", server.WriteTimeout)
	viper.SetDefault("server.shutdown-timeout", server.ShutdownTimeout)

	viper.SetDefault("store.driver", "memory")
	viper.SetDefault("store.sqlite-path", app+".db")
	pg := postgres.DefaultConfig()
	viper.SetDefault("store.postgres.host", pg.Host)
	viper.SetDefault("store.postgres.port", pg.Port)
	viper.SetDefault("store.postgres.database", pg.Database)
	viper.SetDefault("store.postgres.user", pg.User)
	viper.SetDefault("store.postgres.sslmode", pg.SSLMode)
	viper.SetDefault("store.postgres.max-conns", pg.MaxConns)
	viper.SetDefault("store.postgres.connect-timeout", pg.ConnectTimeout)

	viper.SetDefault("ai.enabled", false)
	viper.SetDefault("ai.provider", "openai")
	viper.SetDefault("ai.timeout", 30*time.Second)
	viper.SetDefault("ai.request-timeout", 20*time.Second)
	viper.SetDefault("ai.max-retries", 3)
	viper.SetDefault("ai.max-log-length", 400)

	backoff := store.DefaultBackoff()
	viper.SetDefault("breaker.base-delay", backoff.Base)
	viper.SetDefault("breaker.max-delay", backoff.Max)

	blend := qcs.DefaultBlendWeights()
	viper.SetDefault("blend.logic-weight", blend.Logic)
	viper.SetDefault("blend.ai-weight", blend.AI)

	m := matching.DefaultConfig()
	viper.SetDefault("matching.default-limit", m.DefaultLimit)
	viper.SetDefault("matching.max-limit", m.MaxLimit)
	viper.SetDefault("matching.fallback-qcs", m.FallbackQCS)

	viper.SetDefault("events.topic", "qcs-events")
	viper.SetDefault("tracing.sample-ratio", 1.0)
}

func initConfig() {
	// A local .env feeds the QCS_* variables; it is optional.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("loading .env: %v", err)
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app)
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// Without an explicit file, defaults and env are enough.
		if cfgFile != "" || !errors.As(err, &notFound) {
			log.Fatal(err)
		}
	}
}

func getConfig() (*Config, error) {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := validate.Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := config.Blend.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// getRubric overlays the optional rubric section on the built-in tables.
func getRubric() (*scoring.Rubric, error) {
	rubric := scoring.DefaultRubric()
	if !viper.IsSet("rubric") {
		return rubric, nil
	}
	if err := viper.UnmarshalKey("rubric", rubric); err != nil {
		return nil, fmt.Errorf("decode rubric: %w", err)
	}
	if err := rubric.Validate(); err != nil {
		return nil, err
	}
	return rubric, nil
}

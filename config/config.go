package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the travel assistant service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Amadeus   AmadeusConfig   `mapstructure:"amadeus"`
	Places    PlacesConfig    `mapstructure:"places"`
	Payments  PaymentsConfig  `mapstructure:"payments"`
	Firebase  FirebaseConfig  `mapstructure:"firebase"`
	Guides    GuidesConfig    `mapstructure:"guides"`
	Search    SearchConfig    `mapstructure:"search"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	JWTSecret      string        `mapstructure:"jwt_secret"` // JWT secret for auth
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address     string   `mapstructure:"address"`
	JWTSecret   string   `mapstructure:"jwt_secret"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // gemini, openai-compatible, etc.
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string   `mapstructure:"name"`
	APIName         string   `mapstructure:"api_name"`
	MaxTokens       int      `mapstructure:"max_tokens"`
	Temperature     float64  `mapstructure:"temperature"`
	CostPer1K       float64  `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64  `mapstructure:"cost_per_1k_output"`
	Capabilities    []string `mapstructure:"capabilities"` // controller, responder, summary, tts
}

// LLMRoutingConfig defines which model to use for each call role
type LLMRoutingConfig struct {
	Controller string `mapstructure:"controller"` // next-action decisions
	Responder  string `mapstructure:"responder"`  // natural-language replies
	Summary    string `mapstructure:"summary"`    // guide condensation
	TTS        string `mapstructure:"tts"`        // speech synthesis
	Live       string `mapstructure:"live"`       // bidirectional audio sessions
	Fallback   string `mapstructure:"fallback"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	LogFile      string `mapstructure:"log_file"`
	CostTracking bool   `mapstructure:"cost_tracking"`
	PeriodicLogs bool   `mapstructure:"periodic_logs"`
}

// AgentsConfig contains orchestration loop settings
type AgentsConfig struct {
	MaxActionsPerTurn     int           `mapstructure:"max_actions_per_turn"`
	MaxTurnDuration       time.Duration `mapstructure:"max_turn_duration"`
	MaxConcurrentSearches int           `mapstructure:"max_concurrent_searches"`
	SearchTimeout         time.Duration `mapstructure:"search_timeout"`
	HistoryWindow         int           `mapstructure:"history_window"`
	LoopWindow            int           `mapstructure:"loop_window"`
	LoopThreshold         int           `mapstructure:"loop_threshold"`
	AutoBookEnabled       bool          `mapstructure:"auto_book_enabled"`
	Budget                BudgetConfig  `mapstructure:"budget"`
	Scoring               ScoringConfig `mapstructure:"scoring"`
}

// BudgetConfig carries default per-session spending limits. Zero values mean
// the limit is not enforced.
type BudgetConfig struct {
	MaxCostPerTurn    float64 `mapstructure:"max_cost_per_turn"`
	MaxTokensPerTurn  int64   `mapstructure:"max_tokens_per_turn"`
	ApprovalThreshold float64 `mapstructure:"approval_threshold"` // booking amount requiring explicit approval
	RequireApproval   bool    `mapstructure:"require_approval"`
}

func (a AgentsConfig) Validate() error {
	if a.MaxActionsPerTurn <= 0 {
		return fmt.Errorf("agents.max_actions_per_turn must be > 0")
	}
	if a.LoopThreshold <= 1 {
		return fmt.Errorf("agents.loop_threshold must be > 1")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Mongo    MongoConfig    `mapstructure:"mongo"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// PostgresConfig contains Postgres connection settings for the ledger store
type PostgresConfig struct {
	URL            string        `mapstructure:"url"`
	Host           string        `mapstructure:"host"`
	Port           string        `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	DBName         string        `mapstructure:"dbname"`
	SSLMode        string        `mapstructure:"sslmode"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MigrationsPath string        `mapstructure:"migrations_path"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN assembles a connection string from the discrete fields when url is unset.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, p.Port, p.DBName, ssl)
}

// MongoConfig contains document store settings
type MongoConfig struct {
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

func (m MongoConfig) Validate() error {
	if strings.TrimSpace(m.URI) == "" {
		return fmt.Errorf("storage.mongo.uri required")
	}
	if strings.TrimSpace(m.Database) == "" {
		return fmt.Errorf("storage.mongo.database required")
	}
	return nil
}

// AmadeusConfig contains travel inventory API credentials
type AmadeusConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Currency     string        `mapstructure:"currency"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxResults   int           `mapstructure:"max_results"`
}

func (a AmadeusConfig) Validate() error {
	if strings.TrimSpace(a.ClientID) == "" || strings.TrimSpace(a.ClientSecret) == "" {
		return fmt.Errorf("amadeus.client_id and amadeus.client_secret are required")
	}
	return nil
}

// PlacesConfig contains the Google Maps adapter settings
type PlacesConfig struct {
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`
	Language string `mapstructure:"language"`
}

// PaymentsConfig contains Omise credentials
type PaymentsConfig struct {
	PublicKey string `mapstructure:"public_key"`
	SecretKey string `mapstructure:"secret_key"`
	Currency  string `mapstructure:"currency"`
}

// FirebaseConfig contains push notification settings
type FirebaseConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

func (f FirebaseConfig) Validate() error {
	if f.Enabled && strings.TrimSpace(f.CredentialsFile) == "" {
		return fmt.Errorf("firebase.credentials_file required when firebase is enabled")
	}
	return nil
}

// GuidesConfig controls destination guide fetching
type GuidesConfig struct {
	Enabled      bool              `mapstructure:"enabled"`
	FetchTimeout time.Duration     `mapstructure:"fetch_timeout"`
	MaxChars     int               `mapstructure:"max_chars"`
	CacheTTL     time.Duration     `mapstructure:"cache_ttl"`
	Policy       GuidePolicyConfig `mapstructure:"policy"`
}

// Normalize applies defaults for unset guide values.
func (g GuidesConfig) Normalize() GuidesConfig {
	if g.FetchTimeout <= 0 {
		g.FetchTimeout = 15 * time.Second
	}
	if g.MaxChars <= 0 {
		g.MaxChars = 20000
	}
	if g.CacheTTL <= 0 {
		g.CacheTTL = 6 * time.Hour
	}
	g.Policy = g.Policy.Normalize()
	return g
}

// SearchConfig controls the full-text trip index
type SearchConfig struct {
	IndexPath string `mapstructure:"index_path"` // empty means in-memory
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("json")   // REQUIRED if the config file does not have the extension in the name
	viper.SetDefault("general.default_timeout", "60s")
	viper.SetDefault("server.address", ":10001")
	viper.SetDefault("server.cors_origins", []string{"*"})
	viper.SetDefault("llm.routing.fallback", "")
	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.cost_tracking", true)
	viper.SetDefault("telemetry.periodic_logs", false)
	viper.SetDefault("agents.max_actions_per_turn", 6)
	viper.SetDefault("agents.max_turn_duration", "90s")
	viper.SetDefault("agents.max_concurrent_searches", 3)
	viper.SetDefault("agents.search_timeout", "20s")
	viper.SetDefault("agents.history_window", 20)
	viper.SetDefault("agents.loop_window", 6)
	viper.SetDefault("agents.loop_threshold", 3)
	viper.SetDefault("agents.auto_book_enabled", true)
	viper.SetDefault("agents.budget.max_cost_per_turn", 0.50)
	viper.SetDefault("agents.budget.max_tokens_per_turn", 120000)
	viper.SetDefault("agents.budget.approval_threshold", 1000.0)
	viper.SetDefault("agents.budget.require_approval", false)
	viper.SetDefault("agents.scoring.price_weight", 0.5)
	viper.SetDefault("agents.scoring.duration_weight", 0.3)
	viper.SetDefault("agents.scoring.rating_weight", 0.2)
	viper.SetDefault("storage.postgres.sslmode", "disable")
	viper.SetDefault("storage.postgres.migrations_path", "migrations")
	viper.SetDefault("storage.mongo.connect_timeout", "10s")
	viper.SetDefault("storage.redis.db", 0)
	viper.SetDefault("amadeus.base_url", "https://test.api.amadeus.com")
	viper.SetDefault("amadeus.currency", "THB")
	viper.SetDefault("amadeus.timeout", "20s")
	viper.SetDefault("amadeus.max_results", 10)
	viper.SetDefault("places.base_url", "https://maps.googleapis.com/maps/api")
	viper.SetDefault("places.language", "en")
	viper.SetDefault("payments.currency", "THB")
	viper.SetDefault("firebase.enabled", false)
	viper.SetDefault("guides.enabled", true)
	viper.SetDefault("guides.fetch_timeout", "15s")
	viper.SetDefault("guides.max_chars", 20000)
	viper.SetDefault("guides.cache_ttl", "6h")
	viper.SetDefault("guides.policy.allow", []string{"en.wikivoyage.org"})
	viper.SetDefault("search.index_path", "")

	if path == "" {
		viper.AddConfigPath("./app/config") // path to look for the config file in
		viper.AddConfigPath("./config")     // path to look for the config file in
		viper.AddConfigPath(".")            // optionally look for config in the working directory
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)                                // bin/
		viper.AddConfigPath(filepath.Join(exeDir, ".."))           // repo root
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config")) // repo root/config
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("VOYA")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	viper.AutomaticEnv() // read in environment variables that match (VOYA_*)

	err := viper.ReadInConfig() // Find and read the config file
	if err != nil {             // Handle errors reading the config file
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	// unmarshal config
	var config Config

	if err = viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Guides = config.Guides.Normalize()
	config.Agents.Scoring = config.Agents.Scoring.Normalize()
	config.Normalize()

	if err := config.Agents.Validate(); err != nil {
		panic(err)
	}
	if err := config.Agents.Scoring.Validate(); err != nil {
		panic(err)
	}
	if err := config.Guides.Policy.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Mongo.Validate(); err != nil {
		panic(err)
	}
	if err := config.Firebase.Validate(); err != nil {
		panic(err)
	}
	return &config
}

// Normalize fills derived values after unmarshalling.
func (c *Config) Normalize() {
	if c.Server.JWTSecret == "" {
		c.Server.JWTSecret = c.General.JWTSecret
	}
	if c.Payments.Currency == "" {
		c.Payments.Currency = c.Amadeus.Currency
	}
	// Route every role to the sole configured model when routing is left empty.
	if len(c.LLM.Providers) == 1 {
		for _, p := range c.LLM.Providers {
			if len(p.Models) != 1 {
				continue
			}
			for name := range p.Models {
				if c.LLM.Routing.Controller == "" {
					c.LLM.Routing.Controller = name
				}
				if c.LLM.Routing.Responder == "" {
					c.LLM.Routing.Responder = name
				}
				if c.LLM.Routing.Summary == "" {
					c.LLM.Routing.Summary = name
				}
				if c.LLM.Routing.Fallback == "" {
					c.LLM.Routing.Fallback = name
				}
			}
		}
	}
}

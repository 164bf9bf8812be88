package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Forge    ForgeConfig    `yaml:"forge"`
	LLM      LLMConfig      `yaml:"llm"`
	Queue    QueueConfig    `yaml:"queue"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release, test
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`
}

type ForgeConfig struct {
	Host          string `yaml:"host"` // e.g. https://forge.example.com
	AccessToken   string `yaml:"access_token"`
	WebhookSecret string `yaml:"webhook_secret"`
	// RequestsPerSecond bounds outbound forge API traffic per process.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

type LLMConfig struct {
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	Deployment string `yaml:"deployment"` // Azure deployment name; empty for plain OpenAI-compatible endpoints
	Model      string `yaml:"model"`
	APIVersion string `yaml:"api_version"`
	MaxTokens  int    `yaml:"max_tokens"`
}

// Enabled reports whether LLM credentials are configured. Without them the
// pipeline marks reviews SKIPPED instead of calling out.
func (c *LLMConfig) Enabled() bool {
	return c.APIKey != "" && c.Endpoint != ""
}

// QueueConfig for the Redis-backed review queue
type QueueConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TLS      bool   `yaml:"tls"`
}

func (c *QueueConfig) Addr() string {
	return c.Host + ":" + c.Port
}

type LogConfig struct {
	Level string `yaml:"level"`
}

var GlobalConfig *Config

func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	var cfg *Config

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg = DefaultConfig()
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}

		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, err
		}
		cfg = &fileCfg
	}

	cfg.overrideFromEnv()
	GlobalConfig = cfg
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: "8080",
			Mode: "debug",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "mrsentry.db",
		},
		Forge: ForgeConfig{
			RequestsPerSecond: 10,
		},
		LLM: LLMConfig{
			Model:     "gpt-4o",
			MaxTokens: 40000,
		},
		Queue: QueueConfig{
			Host: "localhost",
			Port: "6379",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func (c *Config) overrideFromEnv() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
		c.Database.Driver = driverFromDSN(dsn)
	}
	if host := os.Getenv("FORGE_HOST"); host != "" {
		c.Forge.Host = host
	}
	if token := os.Getenv("FORGE_ACCESS_TOKEN"); token != "" {
		c.Forge.AccessToken = token
	}
	if secret := os.Getenv("FORGE_WEBHOOK_SECRET"); secret != "" {
		c.Forge.WebhookSecret = secret
	}
	if endpoint := os.Getenv("LLM_ENDPOINT"); endpoint != "" {
		c.LLM.Endpoint = endpoint
	}
	if key := os.Getenv("LLM_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if deployment := os.Getenv("LLM_DEPLOYMENT"); deployment != "" {
		c.LLM.Deployment = deployment
	}
	if model := os.Getenv("LLM_MODEL_NAME"); model != "" {
		c.LLM.Model = model
	}
	if version := os.Getenv("LLM_API_VERSION"); version != "" {
		c.LLM.APIVersion = version
	}
	if host := os.Getenv("QUEUE_HOST"); host != "" {
		c.Queue.Host = host
	}
	if port := os.Getenv("QUEUE_PORT"); port != "" {
		c.Queue.Port = port
	}
	if tls := os.Getenv("QUEUE_TLS"); tls != "" {
		if v, err := strconv.ParseBool(tls); err == nil {
			c.Queue.TLS = v
		}
	}
}

// driverFromDSN infers the gorm driver from DATABASE_URL.
// postgres://... -> postgres, user:pass@tcp(...)/db -> mysql, otherwise sqlite.
func driverFromDSN(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres"
	case strings.Contains(dsn, "@tcp("):
		return "mysql"
	default:
		return "sqlite"
	}
}

func (c *Config) Save(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0644)
}

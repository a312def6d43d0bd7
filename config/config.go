package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cwrk-planet/chat-gateway/internal/postgres"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type HTTP struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	IdleTimeout    time.Duration `yaml:"idleTimeout"`
	AllowedOrigins []string      `yaml:"allowedOrigins"` // пусто — любые
}

type GRPC struct {
	Addr           string        `yaml:"addr"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	HealthInterval time.Duration `yaml:"healthInterval"`
}

type Logging struct {
	Env       string `yaml:"env"`       // dev|stage|prod
	Service   string `yaml:"service"`   // chat-gateway
	Version   string `yaml:"version"`   // v0.1.0
	Level     string `yaml:"level"`     // debug|info|warn|error
	Backend   string `yaml:"backend"`   // std|zap
	AddSource bool   `yaml:"addSource"` // false|true
	Debug     bool   `yaml:"debug"`     // false|true
}

type Postgres struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	ApplicationName   string        `yaml:"applicationName"`
}

func (p Postgres) ToPGConfig() postgres.Config {
	return postgres.Config{
		DSN:               p.DSN,
		MaxConns:          p.MaxConns,
		MinConns:          p.MinConns,
		MaxConnLifetime:   p.MaxConnLifetime,
		MaxConnIdleTime:   p.MaxConnIdleTime,
		HealthCheckPeriod: p.HealthCheckPeriod,
		ApplicationName:   p.ApplicationName,
	}
}

type JWT struct {
	PublicKeyPath  string        `yaml:"publicKeyPath"`  // обязательно
	PrivateKeyPath string        `yaml:"privateKeyPath"` // только dev/тесты
	Issuer         string        `yaml:"issuer"`         // обязательно
	Audience       string        `yaml:"audience"`       // пусто — не проверяется
	ClockSkew      time.Duration `yaml:"clockSkew"`      // напр. 30s
}

type WS struct {
	SendBuffer      int           `yaml:"sendBuffer"`
	WriteWait       time.Duration `yaml:"writeWait"`
	PingInterval    time.Duration `yaml:"pingInterval"`
	MaxMessageBytes int64         `yaml:"maxMessageBytes"`
	MaxBodyRunes    int           `yaml:"maxBodyRunes"`
	StoreTimeout    time.Duration `yaml:"storeTimeout"`
	RateLimit       float64       `yaml:"rateLimit"` // сообщений/сек, 0 — выкл
	RateBurst       int           `yaml:"rateBurst"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// Relay — Redis pub/sub между инстансами; пустой addr выключает.
type Relay struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channelPrefix"`
}

func (r Relay) Enabled() bool { return strings.TrimSpace(r.Addr) != "" }

type Config struct {
	HTTP     HTTP     `yaml:"http"`
	GRPC     GRPC     `yaml:"grpc"`
	Logging  Logging  `yaml:"logging"`
	Postgres Postgres `yaml:"postgres"`
	JWT      JWT      `yaml:"jwt"`
	WS       WS       `yaml:"ws"`
	Relay    Relay    `yaml:"relay"`
}

// LoadConfig читает CONFIG_PATH (по умолчанию ./config/config.yaml).
// .env подхватывается, если есть; ${VAR} в yaml раскрываются из окружения.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config/config.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.GRPC.Addr == "" {
		return errors.New("grpc.addr is required")
	}
	if c.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if c.JWT.PublicKeyPath == "" && c.JWT.PrivateKeyPath == "" {
		return errors.New("jwt.publicKeyPath is required")
	}
	if c.JWT.Issuer == "" {
		return errors.New("jwt.issuer is required")
	}
	if c.JWT.ClockSkew < 0 || c.JWT.ClockSkew > time.Minute {
		return errors.New("jwt.clockSkew must be in [0..1m]")
	}
	if c.WS.RateLimit < 0 {
		return errors.New("ws.rateLimit must be >= 0")
	}

	// установка дефолтов, если значения не указаны
	if c.Logging.Service == "" {
		c.Logging.Service = "chat-gateway"
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "dev"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "v0.1.0"
	}
	if c.Logging.Backend == "" {
		c.Logging.Backend = "std"
	}
	c.HTTP.ReadTimeout = durationOr(c.HTTP.ReadTimeout, 10*time.Second)
	c.HTTP.WriteTimeout = durationOr(c.HTTP.WriteTimeout, 15*time.Second)
	c.HTTP.IdleTimeout = durationOr(c.HTTP.IdleTimeout, 60*time.Second)
	c.GRPC.RequestTimeout = durationOr(c.GRPC.RequestTimeout, 10*time.Second)
	c.GRPC.HealthInterval = durationOr(c.GRPC.HealthInterval, 10*time.Second)
	if c.Postgres.ApplicationName == "" {
		c.Postgres.ApplicationName = c.Logging.Service
	}
	if c.WS.SendBuffer <= 0 {
		c.WS.SendBuffer = 64
	}
	c.WS.WriteWait = durationOr(c.WS.WriteWait, 10*time.Second)
	c.WS.PingInterval = durationOr(c.WS.PingInterval, 15*time.Second)
	c.WS.StoreTimeout = durationOr(c.WS.StoreTimeout, 5*time.Second)
	c.WS.ShutdownTimeout = durationOr(c.WS.ShutdownTimeout, 10*time.Second)
	if c.WS.MaxMessageBytes <= 0 {
		c.WS.MaxMessageBytes = 64 << 10
	}
	if c.WS.MaxBodyRunes <= 0 {
		c.WS.MaxBodyRunes = 4000
	}
	if c.Relay.ChannelPrefix == "" {
		c.Relay.ChannelPrefix = "chat:project:"
	}
	return nil
}

func durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

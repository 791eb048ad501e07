package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	WorkerDriverProcess = "process"
	WorkerDriverDocker  = "docker"
)

type ProviderConfig struct {
	APIKey             string  `yaml:"api_key"`
	APIURL             string  `yaml:"api_url"`
	RoomExpirySeconds  int     `yaml:"room_expiry_seconds"`
	TokenExpirySeconds int     `yaml:"token_expiry_seconds"`
	RequestTimeoutMs   int     `yaml:"request_timeout_ms"`
	RatePerSecond      float64 `yaml:"rate_per_second"` // 0 = unlimited
	Burst              int     `yaml:"burst"`
}

type PoolConfig struct {
	Size                 int  `yaml:"size"`
	ReplenishWorkers     int  `yaml:"replenish_workers"`
	ReplenishQueue       int  `yaml:"replenish_queue"`
	TopUpIntervalSeconds int  `yaml:"topup_interval_seconds"` // 0 disables the periodic top-up
	OnDemand             bool `yaml:"on_demand"`
}

type WorkerConfig struct {
	Driver             string            `yaml:"driver"` // process | docker
	Command            []string          `yaml:"command"`
	Dir                string            `yaml:"dir"`
	Env                map[string]string `yaml:"env"`
	PTY                bool              `yaml:"pty"`
	Image              string            `yaml:"image"`
	MemoryLimitMB      int               `yaml:"memory_limit_mb"`
	StopTimeoutSeconds int               `yaml:"stop_timeout_seconds"`
}

type SessionConfig struct {
	IdleTimeoutSeconds  int `yaml:"idle_timeout_seconds"` // 0 disables idle reaping
	ReapIntervalSeconds int `yaml:"reap_interval_seconds"`
	MaxSessions         int `yaml:"max_sessions"` // 0 = unlimited
}

type RedisConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type Config struct {
	Listen       string         `yaml:"listen"`
	APIKey       string         `yaml:"api_key"`
	AllowOrigins []string       `yaml:"allow_origins"`
	CallbackURL  string         `yaml:"callback_url"` // base URL workers report to; derived from listen when empty
	DBPath       string         `yaml:"db_path"`      // empty disables the session history ledger
	LogLevel     string         `yaml:"log_level"`
	Provider     ProviderConfig `yaml:"provider"`
	Pool         PoolConfig     `yaml:"pool"`
	Worker       WorkerConfig   `yaml:"worker"`
	Session      SessionConfig  `yaml:"session"`
	Redis        RedisConfig    `yaml:"redis"`
	Metrics      MetricsConfig  `yaml:"metrics"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen:       "0.0.0.0:7860",
		AllowOrigins: []string{"*"},
		DBPath:       "",
		LogLevel:     "info",
		Provider: ProviderConfig{
			APIURL:             "https://api.daily.co/v1",
			RoomExpirySeconds:  86400,
			TokenExpirySeconds: 86400,
			RequestTimeoutMs:   10000,
			RatePerSecond:      0,
			Burst:              1,
		},
		Pool: PoolConfig{
			Size:                 2,
			ReplenishWorkers:     2,
			ReplenishQueue:       16,
			TopUpIntervalSeconds: 30,
			OnDemand:             true,
		},
		Worker: WorkerConfig{
			Driver:             WorkerDriverProcess,
			Command:            []string{"python3", "-m", "bot"},
			Env:                make(map[string]string),
			StopTimeoutSeconds: 5,
		},
		Session: SessionConfig{
			IdleTimeoutSeconds:  0,
			ReapIntervalSeconds: 30,
		},
		Redis: RedisConfig{
			Channel: "voicepool:sessions",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func Load(yamlPath string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Pool.Size < 0 {
		return errors.New("pool.size must be non-negative")
	}
	if c.Pool.ReplenishWorkers < 1 {
		return errors.New("pool.replenish_workers must be at least 1")
	}
	if c.Pool.ReplenishQueue < 1 {
		return errors.New("pool.replenish_queue must be at least 1")
	}
	if c.Pool.TopUpIntervalSeconds < 0 {
		return errors.New("pool.topup_interval_seconds must be non-negative")
	}
	if c.Provider.APIURL == "" {
		return errors.New("provider.api_url is required")
	}
	if c.Provider.RatePerSecond < 0 {
		return errors.New("provider.rate_per_second must be non-negative")
	}
	if c.Session.IdleTimeoutSeconds < 0 || c.Session.MaxSessions < 0 {
		return errors.New("session limits must be non-negative")
	}
	if c.Worker.StopTimeoutSeconds < 0 {
		return errors.New("worker.stop_timeout_seconds must be non-negative")
	}
	switch c.Worker.Driver {
	case WorkerDriverProcess:
		if len(c.Worker.Command) == 0 {
			return errors.New("worker.command is required for the process driver")
		}
	case WorkerDriverDocker:
		if c.Worker.Image == "" {
			return errors.New("worker.image is required for the docker driver")
		}
	default:
		return fmt.Errorf("unknown worker.driver: %q", c.Worker.Driver)
	}
	return nil
}

func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.Worker.StopTimeoutSeconds) * time.Second
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Session.IdleTimeoutSeconds) * time.Second
}

func (c *Config) ReapInterval() time.Duration {
	if c.Session.ReapIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Session.ReapIntervalSeconds) * time.Second
}

func (c *Config) TopUpInterval() time.Duration {
	return time.Duration(c.Pool.TopUpIntervalSeconds) * time.Second
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Provider.RequestTimeoutMs) * time.Millisecond
}

func applyEnvOverrides(cfg *Config) {
	// Unprefixed names kept for existing deployment scripts.
	if v := os.Getenv("DAILY_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("DAILY_API_URL"); v != "" {
		cfg.Provider.APIURL = v
	}
	if v := os.Getenv("ROOM_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.Size = n
		}
	}
	if v := os.Getenv("ALLOW_ORIGINS"); v != "" {
		cfg.AllowOrigins = strings.Split(v, ",")
	}
	host, port := os.Getenv("HOST"), os.Getenv("PORT")
	if host != "" || port != "" {
		h, p := splitListen(cfg.Listen)
		if host != "" {
			h = host
		}
		if port != "" {
			p = port
		}
		cfg.Listen = h + ":" + p
	}

	if v := os.Getenv("VOICEPOOL_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("VOICEPOOL_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("VOICEPOOL_CALLBACK_URL"); v != "" {
		cfg.CallbackURL = v
	}
	if v := os.Getenv("VOICEPOOL_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("VOICEPOOL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("VOICEPOOL_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.Size = n
		}
	}
	if v := os.Getenv("VOICEPOOL_POOL_ON_DEMAND"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Pool.OnDemand = b
		}
	}
	if v := os.Getenv("VOICEPOOL_IDLE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.IdleTimeoutSeconds = n
		}
	}
	if v := os.Getenv("VOICEPOOL_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.MaxSessions = n
		}
	}
	if v := os.Getenv("VOICEPOOL_WORKER_DRIVER"); v != "" {
		cfg.Worker.Driver = v
	}
	if v := os.Getenv("VOICEPOOL_WORKER_COMMAND"); v != "" {
		cfg.Worker.Command = strings.Fields(v)
	}
	if v := os.Getenv("VOICEPOOL_WORKER_IMAGE"); v != "" {
		cfg.Worker.Image = v
	}
	if v := os.Getenv("VOICEPOOL_STOP_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.StopTimeoutSeconds = n
		}
	}
	if v := os.Getenv("VOICEPOOL_RATE_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Provider.RatePerSecond = f
		}
	}
	if v := os.Getenv("VOICEPOOL_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("VOICEPOOL_METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Metrics.Enabled = b
		}
	}
}

func splitListen(listen string) (string, string) {
	i := strings.LastIndex(listen, ":")
	if i < 0 {
		return listen, "7860"
	}
	return listen[:i], listen[i+1:]
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of a node. Zero values are filled by Default.
type Config struct {
	Nick         string `yaml:"nick"`
	IdentityPath string `yaml:"identity_path" validate:"required"`
	DBPath       string `yaml:"db_path" validate:"required"`
	APIAddr      string `yaml:"api_addr" validate:"required"`
	LogFile      string `yaml:"log_file"`
	LogLevel     string `yaml:"log_level" validate:"oneof=debug info warn error"`
	Headless     bool   `yaml:"headless"`

	Transport     string   `yaml:"transport" validate:"oneof=tcp webrtc"`
	ListenAddr    string   `yaml:"listen_addr"`
	AdvertiseHost string   `yaml:"advertise_host"`
	ICEServers    []string `yaml:"ice_servers"`

	Rendezvous string        `yaml:"rendezvous" validate:"oneof=memory redis"`
	RedisURL   string        `yaml:"redis_url" validate:"required_if=Rendezvous redis"`
	CodeTTL    time.Duration `yaml:"code_ttl" validate:"gt=0"`
	CodeLength int           `yaml:"code_length" validate:"gte=4,lte=8"`
	Compress   bool          `yaml:"compress"`

	GatherTimeout      time.Duration `yaml:"gather_timeout" validate:"gt=0"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	AnswerPollInterval time.Duration `yaml:"answer_poll_interval" validate:"gt=0"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Nick:               "Anonymous",
		IdentityPath:       "identity.json",
		DBPath:             "meshsync.db",
		APIAddr:            "127.0.0.1:8080",
		LogFile:            "debug.log",
		LogLevel:           "info",
		Transport:          "tcp",
		ListenAddr:         ":9000",
		ICEServers:         []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"},
		Rendezvous:         "memory",
		RedisURL:           "",
		CodeTTL:            30 * time.Minute,
		CodeLength:         4,
		Compress:           true,
		GatherTimeout:      4 * time.Second,
		ConnectTimeout:     30 * time.Second,
		AnswerPollInterval: time.Second,
	}
}

// Load layers defaults, an optional YAML file and MESHSYNC_* environment
// variables, in that order, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func applyEnv(c *Config) {
	c.Nick = getenv("MESHSYNC_NICK", c.Nick)
	c.IdentityPath = getenv("MESHSYNC_IDENTITY", c.IdentityPath)
	c.DBPath = getenv("MESHSYNC_DB", c.DBPath)
	c.APIAddr = getenv("MESHSYNC_API_ADDR", c.APIAddr)
	c.LogFile = getenv("MESHSYNC_LOG_FILE", c.LogFile)
	c.LogLevel = getenv("MESHSYNC_LOG_LEVEL", c.LogLevel)
	c.Headless = getenvBool("MESHSYNC_HEADLESS", c.Headless)
	c.Transport = getenv("MESHSYNC_TRANSPORT", c.Transport)
	c.ListenAddr = getenv("MESHSYNC_LISTEN", c.ListenAddr)
	c.AdvertiseHost = getenv("MESHSYNC_ADVERTISE_HOST", c.AdvertiseHost)
	if v := os.Getenv("MESHSYNC_ICE_SERVERS"); v != "" {
		c.ICEServers = strings.Split(v, ",")
	}
	c.Rendezvous = getenv("MESHSYNC_RENDEZVOUS", c.Rendezvous)
	c.RedisURL = getenv("MESHSYNC_REDIS_URL", c.RedisURL)
	c.CodeTTL = getenvDuration("MESHSYNC_CODE_TTL", c.CodeTTL)
	c.CodeLength = getenvInt("MESHSYNC_CODE_LENGTH", c.CodeLength)
	c.Compress = getenvBool("MESHSYNC_COMPRESS", c.Compress)
	c.GatherTimeout = getenvDuration("MESHSYNC_GATHER_TIMEOUT", c.GatherTimeout)
	c.ConnectTimeout = getenvDuration("MESHSYNC_CONNECT_TIMEOUT", c.ConnectTimeout)
	c.AnswerPollInterval = getenvDuration("MESHSYNC_ANSWER_POLL", c.AnswerPollInterval)
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

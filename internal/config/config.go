package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/example/booker-api/internal/domain/booking"
	"github.com/example/booker-api/internal/logger"
)

type Config struct {
	ListenAddr  string
	DatabaseURL string
	MaxRecords  int

	// worker pool
	MaxWorkers int
	QueueSize  int
	JobTimeout time.Duration

	AgentURL        string
	AgentTimeout    time.Duration
	BrowserHeadless bool
	TestMode        bool
	DefaultModel    string

	GeocoderURL       string
	GeocoderUserAgent string
	GeocoderTimeout   time.Duration
	DefaultLocation   booking.Coordinates

	Callback Callback

	APIKeyHashes   []string
	PIIKey         []byte
	RateLimitRPS   float64
	RateLimitBurst int

	Log logger.Config
}

type Callback struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
	HashKey        []byte
	BlockKey       []byte
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LISTEN_ADDR", ":8000")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("MAX_RECORDS", 0)
	v.SetDefault("MAX_WORKERS", 4)
	v.SetDefault("QUEUE_SIZE", 64)
	v.SetDefault("JOB_TIMEOUT", "15m")
	v.SetDefault("AGENT_URL", "")
	v.SetDefault("AGENT_TIMEOUT", "20m")
	v.SetDefault("BROWSER_HEADLESS", false)
	v.SetDefault("TEST_MODE", false)
	v.SetDefault("DEFAULT_MODEL", booking.DefaultModel)
	v.SetDefault("GEOCODER_URL", "https://nominatim.openstreetmap.org")
	v.SetDefault("GEOCODER_USER_AGENT", "restaurant-booking-app")
	v.SetDefault("GEOCODER_TIMEOUT", "10s")
	v.SetDefault("DEFAULT_LATITUDE", 52.373992)
	v.SetDefault("DEFAULT_LONGITUDE", 4.8858433)
	v.SetDefault("CALLBACK_ATTEMPTS", 3)
	v.SetDefault("CALLBACK_INITIAL_BACKOFF", "1s")
	v.SetDefault("CALLBACK_MAX_BACKOFF", "30s")
	v.SetDefault("CALLBACK_TIMEOUT", "10s")
	v.SetDefault("CALLBACK_HASH_KEY", "")
	v.SetDefault("CALLBACK_BLOCK_KEY", "")
	v.SetDefault("API_KEY_HASHES", "")
	v.SetDefault("PII_KEY", "")
	v.SetDefault("RATE_LIMIT_RPS", 5.0)
	v.SetDefault("RATE_LIMIT_BURST", 10)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("LOG_OUTPUT", "stdout")
}

// FromEnv loads configuration from the environment, with an optional .env
// file in the working directory supplying values the environment lacks.
func FromEnv() (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read .env: %w", err)
		}
	}
	return load(v)
}

func load(v *viper.Viper) (Config, error) {
	cfg := Config{
		ListenAddr:  v.GetString("LISTEN_ADDR"),
		DatabaseURL: v.GetString("DATABASE_URL"),
		MaxRecords:  v.GetInt("MAX_RECORDS"),

		MaxWorkers: v.GetInt("MAX_WORKERS"),
		QueueSize:  v.GetInt("QUEUE_SIZE"),
		JobTimeout: v.GetDuration("JOB_TIMEOUT"),

		AgentURL:        v.GetString("AGENT_URL"),
		AgentTimeout:    v.GetDuration("AGENT_TIMEOUT"),
		BrowserHeadless: v.GetBool("BROWSER_HEADLESS"),
		TestMode:        v.GetBool("TEST_MODE"),
		DefaultModel:    v.GetString("DEFAULT_MODEL"),

		GeocoderURL:       v.GetString("GEOCODER_URL"),
		GeocoderUserAgent: v.GetString("GEOCODER_USER_AGENT"),
		GeocoderTimeout:   v.GetDuration("GEOCODER_TIMEOUT"),
		DefaultLocation: booking.Coordinates{
			Latitude:  v.GetFloat64("DEFAULT_LATITUDE"),
			Longitude: v.GetFloat64("DEFAULT_LONGITUDE"),
		},

		Callback: Callback{
			Attempts:       v.GetInt("CALLBACK_ATTEMPTS"),
			InitialBackoff: v.GetDuration("CALLBACK_INITIAL_BACKOFF"),
			MaxBackoff:     v.GetDuration("CALLBACK_MAX_BACKOFF"),
			Timeout:        v.GetDuration("CALLBACK_TIMEOUT"),
		},

		APIKeyHashes:   splitList(v.GetString("API_KEY_HASHES")),
		RateLimitRPS:   v.GetFloat64("RATE_LIMIT_RPS"),
		RateLimitBurst: v.GetInt("RATE_LIMIT_BURST"),

		Log: logger.Config{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
			Output: v.GetString("LOG_OUTPUT"),
		},
	}

	var err error
	if s := v.GetString("CALLBACK_HASH_KEY"); s != "" {
		if cfg.Callback.HashKey, err = decodeB64(s); err != nil {
			return Config{}, fmt.Errorf("CALLBACK_HASH_KEY: %w", err)
		}
	}
	if s := v.GetString("CALLBACK_BLOCK_KEY"); s != "" {
		if cfg.Callback.BlockKey, err = decodeB64(s); err != nil {
			return Config{}, fmt.Errorf("CALLBACK_BLOCK_KEY: %w", err)
		}
	}
	if s := v.GetString("PII_KEY"); s != "" {
		if cfg.PIIKey, err = decodeB64(s); err != nil {
			return Config{}, fmt.Errorf("PII_KEY: %w", err)
		}
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.AgentURL == "":
		return errors.New("AGENT_URL is required")
	case c.MaxWorkers < 1:
		return errors.New("MAX_WORKERS must be >= 1")
	case c.QueueSize < 0:
		return errors.New("QUEUE_SIZE must be >= 0")
	case c.MaxRecords < 0:
		return errors.New("MAX_RECORDS must be >= 0")
	case c.JobTimeout < 0, c.AgentTimeout < 0, c.GeocoderTimeout < 0:
		return errors.New("timeouts must not be negative")
	case !c.DefaultLocation.Valid():
		return fmt.Errorf("DEFAULT_LATITUDE/DEFAULT_LONGITUDE out of range (%s)", c.DefaultLocation)
	case c.Callback.Attempts < 1:
		return errors.New("CALLBACK_ATTEMPTS must be >= 1")
	case c.Callback.InitialBackoff <= 0 || c.Callback.MaxBackoff < c.Callback.InitialBackoff:
		return errors.New("CALLBACK_INITIAL_BACKOFF must be > 0 and <= CALLBACK_MAX_BACKOFF")
	case c.Callback.Timeout <= 0:
		return errors.New("CALLBACK_TIMEOUT must be > 0")
	case len(c.Callback.BlockKey) > 0 && len(c.Callback.HashKey) == 0:
		return errors.New("CALLBACK_BLOCK_KEY requires CALLBACK_HASH_KEY")
	case len(c.Callback.BlockKey) > 0 && !aesKeySize(len(c.Callback.BlockKey)):
		return errors.New("CALLBACK_BLOCK_KEY must decode to 16, 24 or 32 bytes")
	case len(c.PIIKey) > 0 && !aesKeySize(len(c.PIIKey)):
		return errors.New("PII_KEY must decode to 16, 24 or 32 bytes")
	case c.RateLimitRPS < 0 || c.RateLimitBurst < 0:
		return errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}
	return nil
}

func aesKeySize(n int) bool {
	return n == 16 || n == 24 || n == 32
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decodeB64 accepts either a base64 value or a path to a file holding one.
func decodeB64(s string) ([]byte, error) {
	if b, err := os.ReadFile(s); err == nil {
		// allow pointing to file path for k8s secret mounts
		s = string(b)
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}

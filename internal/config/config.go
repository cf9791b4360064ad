// Package config loads invoicerelay settings from an optional YAML file, an
// optional .env file and INVOICERELAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "INVOICERELAY"

type Config struct {
	Backends struct {
		Tracking string `mapstructure:"tracking"`
		Queue    string `mapstructure:"queue"`
		Objects  string `mapstructure:"objects"`
	} `mapstructure:"backends"`
	Queue struct {
		MoveQueue         string        `mapstructure:"move_queue"`
		DeadLetterQueue   string        `mapstructure:"dead_letter_queue"`
		MaxReceiveCount   int           `mapstructure:"max_receive_count"`
		VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	} `mapstructure:"queue"`
	Relocation struct {
		SourceFolder      string        `mapstructure:"source_folder"`
		DestinationFolder string        `mapstructure:"destination_folder"`
		MoveDelay         time.Duration `mapstructure:"move_delay"`
		InTransitMarker   string        `mapstructure:"in_transit_marker"`
		Timezone          string        `mapstructure:"timezone"`
	} `mapstructure:"relocation"`
	Scan struct {
		Schedule        string `mapstructure:"schedule"`
		Concurrency     int    `mapstructure:"concurrency"`
		Limit           int    `mapstructure:"limit"`
		MoveUnscheduled bool   `mapstructure:"move_unscheduled"`
	} `mapstructure:"scan"`
	HTTP struct {
		Addr          string `mapstructure:"addr"`
		WebhookSecret string `mapstructure:"webhook_secret"`
		JWTSecret     string `mapstructure:"jwt_secret"`
		// RateLimitMax caps bearer requests per subject and window. Zero
		// disables the limiter.
		RateLimitMax    int           `mapstructure:"rate_limit_max"`
		RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	} `mapstructure:"http"`
	Worker struct {
		PollInterval time.Duration `mapstructure:"poll_interval"`
		PollJitter   float64       `mapstructure:"poll_jitter"`
		Concurrency  int           `mapstructure:"concurrency"`
	} `mapstructure:"worker"`
	Watcher struct {
		Enabled  bool          `mapstructure:"enabled"`
		Root     string        `mapstructure:"root"`
		Debounce time.Duration `mapstructure:"debounce"`
	} `mapstructure:"watcher"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
	Tracing struct {
		Enabled     bool    `mapstructure:"enabled"`
		Endpoint    string  `mapstructure:"endpoint"`
		ServiceName string  `mapstructure:"service_name"`
		SampleRate  float64 `mapstructure:"sample_rate"`
	} `mapstructure:"tracing"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backends.tracking", "memory://")
	v.SetDefault("backends.queue", "memory://")
	v.SetDefault("backends.objects", "memory://")

	v.SetDefault("queue.move_queue", "invoice-move-requests")
	v.SetDefault("queue.dead_letter_queue", "invoice-move-requests-dlq")
	v.SetDefault("queue.max_receive_count", 3)
	v.SetDefault("queue.visibility_timeout", 30*time.Second)

	v.SetDefault("relocation.source_folder", "incoming")
	v.SetDefault("relocation.destination_folder", "processed")
	v.SetDefault("relocation.move_delay", time.Duration(0))
	v.SetDefault("relocation.in_transit_marker", "COPIED")
	v.SetDefault("relocation.timezone", "UTC")

	v.SetDefault("scan.schedule", "*/5 * * * *")
	v.SetDefault("scan.concurrency", 4)
	v.SetDefault("scan.limit", 0)
	v.SetDefault("scan.move_unscheduled", false)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.webhook_secret", "")
	v.SetDefault("http.jwt_secret", "")
	v.SetDefault("http.rate_limit_max", 0)
	v.SetDefault("http.rate_limit_window", time.Minute)

	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("worker.poll_jitter", 0.2)
	v.SetDefault("worker.concurrency", 4)

	v.SetDefault("watcher.enabled", false)
	v.SetDefault("watcher.root", "")
	v.SetDefault("watcher.debounce", 500*time.Millisecond)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.service_name", "invoicerelay")
	v.SetDefault("tracing.sample_rate", 1.0)
}

// Load reads configPath when it is non-empty, then applies environment
// overrides such as INVOICERELAY_BACKENDS_TRACKING. A .env file in the
// working directory is loaded first when present.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(configPath) != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Relocation.SourceFolder) == "" {
		problems = append(problems, "relocation.source_folder is required")
	}
	if strings.TrimSpace(c.Relocation.DestinationFolder) == "" {
		problems = append(problems, "relocation.destination_folder is required")
	}
	if strings.Trim(c.Relocation.SourceFolder, "/") == strings.Trim(c.Relocation.DestinationFolder, "/") {
		problems = append(problems, "relocation.source_folder and relocation.destination_folder must differ")
	}
	if c.Relocation.MoveDelay < 0 {
		problems = append(problems, "relocation.move_delay must not be negative")
	}
	if _, err := time.LoadLocation(c.Relocation.Timezone); err != nil {
		problems = append(problems, fmt.Sprintf("relocation.timezone %q: %v", c.Relocation.Timezone, err))
	}
	if strings.TrimSpace(c.Queue.MoveQueue) == "" {
		problems = append(problems, "queue.move_queue is required")
	}
	if c.Queue.MaxReceiveCount <= 0 {
		problems = append(problems, "queue.max_receive_count must be positive")
	}
	if c.Scan.Concurrency <= 0 {
		problems = append(problems, "scan.concurrency must be positive")
	}
	if c.Scan.Limit < 0 {
		problems = append(problems, "scan.limit must not be negative")
	}
	if c.Worker.PollJitter < 0 || c.Worker.PollJitter > 1 {
		problems = append(problems, "worker.poll_jitter must be between 0 and 1")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		problems = append(problems, "tracing.sample_rate must be between 0 and 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Location returns the zone movingTime values are rendered in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Relocation.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the job engine processes.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Jobs     JobsConfig
	Backend  BackendConfig
	Email    EmailConfig
	Vision   VisionConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RateLimitPerMin int
	JobsPerPage     int
}

type DatabaseConfig struct {
	URL               string
	MaxOpenConns      int
	MaxIdleConns      int
	ConnMaxLifetime   time.Duration
	ConnMaxIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	ConnectTimeout    time.Duration
	ApplicationName   string
}

type RedisConfig struct {
	URL string
}

// JobsConfig controls the scheduler, collector and maintenance sweeps.
type JobsConfig struct {
	MaxMinutes         int
	MaxDays            int
	DeadlineCheckEvery int
	StuckDays          int
	StuckDaysHighSpec  int
	Workers            int
	RunImmediately     bool
	SchedulerInterval  time.Duration
	CollectorInterval  time.Duration
	PeriodicInterval   time.Duration
	CollectorBatchSize int
}

// MaxDuration is the soft deadline for a single scheduler or collector run.
func (c JobsConfig) MaxDuration() time.Duration {
	return time.Duration(c.MaxMinutes) * time.Minute
}

// Retention is how long completed jobs are kept.
func (c JobsConfig) Retention() time.Duration {
	return time.Duration(c.MaxDays) * 24 * time.Hour
}

type BackendConfig struct {
	Type     string
	BatchURL string
	Token    string
	Timeout  time.Duration
}

type EmailConfig struct {
	SMTPHost      string
	SMTPPort      int
	Username      string
	Password      string
	From          string
	AdminEmails   []string
	SubjectPrefix string
}

// Enabled reports whether outgoing mail is configured.
func (c EmailConfig) Enabled() bool {
	return c.SMTPHost != "" && len(c.AdminEmails) > 0
}

type VisionConfig struct {
	TrainingMinImages int
	TrainingRatio     float64
	MaxImagePixels    int
}

var validBackends = map[string]bool{
	"redis": true,
	"batch": true,
	"local": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("SERVER_PORT", 8080),
			Env:             envString("SERVER_ENV", "development"),
			ReadTimeout:     envDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    envDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			RateLimitPerMin: envInt("RATE_LIMIT_PER_MIN", 60),
			JobsPerPage:     envInt("JOBS_PER_PAGE", 20),
		},
		Database: DatabaseConfig{
			URL:               os.Getenv("DATABASE_URL"),
			MaxOpenConns:      envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:      envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:   envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime:   envDuration("DATABASE_CONN_MAX_IDLE_TIME", 2*time.Minute),
			HealthCheckPeriod: envDuration("DATABASE_HEALTH_CHECK_PERIOD", 30*time.Second),
			ConnectTimeout:    envDuration("DATABASE_CONNECT_TIMEOUT", 30*time.Second),
			ApplicationName:   envString("DATABASE_APPLICATION_NAME", "visionjobs"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Jobs: JobsConfig{
			MaxMinutes:         envInt("JOB_MAX_MINUTES", 10),
			MaxDays:            envInt("JOB_MAX_DAYS", 30),
			DeadlineCheckEvery: envInt("JOB_DEADLINE_CHECK_EVERY", 10),
			StuckDays:          envInt("JOB_STUCK_DAYS", 3),
			StuckDaysHighSpec:  envInt("JOB_STUCK_DAYS_HIGH_SPEC", 8),
			Workers:            envInt("JOB_WORKERS", 4),
			RunImmediately:     envBool("JOB_RUN_IMMEDIATELY", false),
			SchedulerInterval:  envDuration("SCHEDULER_INTERVAL", time.Minute),
			CollectorInterval:  envDuration("COLLECTOR_INTERVAL", 30*time.Second),
			PeriodicInterval:   envDuration("PERIODIC_INTERVAL", 5*time.Minute),
			CollectorBatchSize: envInt("COLLECTOR_BATCH_SIZE", 100),
		},
		Backend: BackendConfig{
			Type:     envString("BACKEND_TYPE", "redis"),
			BatchURL: os.Getenv("BACKEND_BATCH_URL"),
			Token:    os.Getenv("BACKEND_BATCH_TOKEN"),
			Timeout:  envDurationSecs("BACKEND_TIMEOUT_SECS", 30*time.Second),
		},
		Email: EmailConfig{
			SMTPHost:      os.Getenv("SMTP_HOST"),
			SMTPPort:      envInt("SMTP_PORT", 587),
			Username:      os.Getenv("SMTP_USERNAME"),
			Password:      os.Getenv("SMTP_PASSWORD"),
			From:          envString("EMAIL_FROM", "noreply@localhost"),
			AdminEmails:   envList("ADMIN_EMAILS"),
			SubjectPrefix: envString("EMAIL_SUBJECT_PREFIX", "[VisionJobs] "),
		},
		Vision: VisionConfig{
			TrainingMinImages: envInt("TRAINING_MIN_IMAGES", 5),
			TrainingRatio:     envFloat("TRAINING_RATIO", 1.1),
			MaxImagePixels:    envInt("MAX_IMAGE_PIXELS", 200_000_000),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Jobs.MaxMinutes <= 0 {
		return fmt.Errorf("JOB_MAX_MINUTES must be positive, got %d", c.Jobs.MaxMinutes)
	}
	if c.Jobs.MaxDays <= 0 {
		return fmt.Errorf("JOB_MAX_DAYS must be positive, got %d", c.Jobs.MaxDays)
	}
	if c.Jobs.DeadlineCheckEvery <= 0 {
		return fmt.Errorf("JOB_DEADLINE_CHECK_EVERY must be positive, got %d", c.Jobs.DeadlineCheckEvery)
	}
	if c.Jobs.StuckDays <= 0 || c.Jobs.StuckDaysHighSpec <= 0 {
		return fmt.Errorf("JOB_STUCK_DAYS and JOB_STUCK_DAYS_HIGH_SPEC must be positive")
	}
	if c.Jobs.Workers < 0 {
		return fmt.Errorf("JOB_WORKERS must not be negative, got %d", c.Jobs.Workers)
	}

	if !validBackends[c.Backend.Type] {
		return fmt.Errorf("BACKEND_TYPE must be one of redis, batch, local; got %q", c.Backend.Type)
	}
	if c.Backend.Type == "batch" {
		if c.Backend.BatchURL == "" {
			return fmt.Errorf("BACKEND_BATCH_URL is required when BACKEND_TYPE is batch")
		}
		if !strings.HasPrefix(c.Backend.BatchURL, "http://") && !strings.HasPrefix(c.Backend.BatchURL, "https://") {
			return fmt.Errorf("BACKEND_BATCH_URL must start with http:// or https://, got %q", c.Backend.BatchURL)
		}
	}

	if c.Email.SMTPHost != "" && len(c.Email.AdminEmails) == 0 {
		return fmt.Errorf("ADMIN_EMAILS is required when SMTP_HOST is set")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

// WorkerConfig configures a compute worker process. Workers only talk to Redis.
type WorkerConfig struct {
	RedisURL    string
	Concurrency int
	PollTimeout time.Duration
}

// LoadWorker reads the compute worker settings from the environment.
func LoadWorker() (*WorkerConfig, error) {
	cfg := &WorkerConfig{
		RedisURL:    os.Getenv("REDIS_URL"),
		Concurrency: envInt("WORKER_CONCURRENCY", 1),
		PollTimeout: envDuration("WORKER_POLL_TIMEOUT", 5*time.Second),
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", cfg.Concurrency)
	}
	return cfg, nil
}

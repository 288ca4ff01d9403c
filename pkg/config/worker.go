package config

import "time"

// WorkerConfig holds runtime configuration for the worker process.
type WorkerConfig struct {
	Environment   string
	DatabaseURL   string
	MigrationsDir string
	DockerHost    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Workdir       string
	MetricsAddr   string
	LogLevel      string

	GitTimeout   time.Duration
	BuildTimeout time.Duration

	UsageInterval      time.Duration
	UsageCacheTTL      time.Duration
	BillingURL         string
	BillingAuthToken   string
	BillingTimeout     time.Duration
	BillingFailureRate float64

	GCDanglingEnabled  bool
	GCRetentionEnabled bool
	ImageRetention     time.Duration

	ServiceRetention   time.Duration
	GracePeriod        time.Duration
	WarningDayOffsets  []int
	SuspensionCooldown time.Duration

	CleanupHourUTC int
	JobAttempts    int
	JobBackoffBase time.Duration
}

// LoadWorkerConfig constructs a WorkerConfig from environment variables.
func LoadWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Environment:   GetString("APP_ENV", "development"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://pier:pier@db:5432/pier?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		DockerHost:    GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		RedisAddr:     GetString("REDIS_ADDR", "redis:6379"),
		RedisPassword: GetString("REDIS_PASSWORD", ""),
		RedisDB:       GetInt("REDIS_DB", 0),
		Workdir:       GetString("WORKER_WORKDIR", "/tmp/pier"),
		MetricsAddr:   GetString("METRICS_ADDR", ":9090"),
		LogLevel:      GetString("LOG_LEVEL", "info"),

		GitTimeout:   time.Duration(GetInt("GIT_TIMEOUT_SECONDS", 60)) * time.Second,
		BuildTimeout: time.Duration(GetInt("BUILD_TIMEOUT_SECONDS", 600)) * time.Second,

		UsageInterval:      time.Duration(GetInt("USAGE_INTERVAL_MINUTES", 10)) * time.Minute,
		UsageCacheTTL:      time.Duration(GetInt("USAGE_CACHE_TTL_SECONDS", 86400)) * time.Second,
		BillingURL:         GetString("BILLING_SINK_URL", ""),
		BillingAuthToken:   GetString("BILLING_SINK_TOKEN", ""),
		BillingTimeout:     time.Duration(GetInt("BILLING_SINK_TIMEOUT_SECONDS", 10)) * time.Second,
		BillingFailureRate: float64(GetInt("BILLING_FAILURE_RATE_PERCENT", 20)) / 100,

		GCDanglingEnabled:  GetBool("GC_DANGLING_ENABLED", true),
		GCRetentionEnabled: GetBool("GC_RETENTION_ENABLED", true),
		ImageRetention:     time.Duration(GetInt("IMAGE_RETENTION_DAYS", 7)) * 24 * time.Hour,

		ServiceRetention:   time.Duration(GetInt("SERVICE_RETENTION_DAYS", 30)) * 24 * time.Hour,
		GracePeriod:        time.Duration(GetInt("GRACE_PERIOD_DAYS", 7)) * 24 * time.Hour,
		WarningDayOffsets:  GetIntSlice("WARNING_DAY_OFFSETS", []int{1, 3, 5, 7}),
		SuspensionCooldown: time.Duration(GetInt("SUSPENSION_COOLDOWN_MINUTES", 60)) * time.Minute,

		CleanupHourUTC: GetInt("CLEANUP_HOUR_UTC", 3),
		JobAttempts:    GetInt("JOB_MAX_ATTEMPTS", 3),
		JobBackoffBase: time.Duration(GetInt("JOB_BACKOFF_BASE_SECONDS", 5)) * time.Second,
	}
}

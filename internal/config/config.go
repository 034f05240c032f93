// Package config loads process configuration from a YAML file overlaid with
// environment variables, following the same precedence every orchestrator
// binary uses: defaults, then config file, then environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/serrano-project/orchestrator/internal/logging"
)

// KVConfig points at the coordination store.
type KVConfig struct {
	Backend string `yaml:"backend" env:"KV_BACKEND"` // "memory" or "postgres"
	DSN     string `yaml:"dsn" env:"KV_DSN"`
}

// BrokerConfig points at the result/notification message broker.
type BrokerConfig struct {
	Address  string `yaml:"address" env:"BROKER_ADDRESS"`
	VHost    string `yaml:"vhost" env:"BROKER_VHOST"`
	User     string `yaml:"user" env:"BROKER_USER"`
	Password string `yaml:"password" env:"BROKER_PASSWORD"`
}

// TelemetryConfig points at the central telemetry handler (cth_service).
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint" env:"TELEMETRY_ENDPOINT"`
}

// SecureStorageConfig points at the confidential-computing storage-policy
// gateway.
type SecureStorageConfig struct {
	Endpoint string `yaml:"endpoint" env:"SECURE_STORAGE_ENDPOINT"`
	Token    string `yaml:"token" env:"SECURE_STORAGE_TOKEN"`
}

// ROTConfig points at the placement oracle.
type ROTConfig struct {
	RESTURL      string `yaml:"rest_url" env:"ROT_REST_URL"`
	User         string `yaml:"user" env:"ROT_USER"`
	Password     string `yaml:"password" env:"ROT_PASSWORD"`
	ResultsQueue string `yaml:"results_queue" env:"ROT_RESULTS_QUEUE"`
}

// RedisConfig backs the Manager correlation cache and the Driver's
// per-assignment resource cache.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// ServerConfig controls an HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host" env:"SERVER_HOST"`
	Port int    `yaml:"port" env:"SERVER_PORT"`
}

// AuthConfig controls the API Facade's bearer-token issuance/validation.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	TokenTTL  time.Duration `yaml:"token_ttl" env:"AUTH_TOKEN_TTL"`
}

// DriverConfig controls a cluster Driver process.
type DriverConfig struct {
	ClusterUUID       string        `yaml:"cluster_uuid" env:"DRIVER_CLUSTER_UUID"`
	Kind              string        `yaml:"kind" env:"DRIVER_KIND"` // "k8s" or "hpc"
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"DRIVER_HEARTBEAT_INTERVAL"`
	BackendEndpoint   string        `yaml:"backend_endpoint" env:"DRIVER_BACKEND_ENDPOINT"`
}

// K8sClusterConfig addresses the Kubernetes API server a k8s-kind Driver
// materializes bundles against.
type K8sClusterConfig struct {
	Host               string `yaml:"host" env:"DRIVER_K8S_HOST"`
	Token              string `yaml:"token" env:"DRIVER_K8S_TOKEN"`
	Namespace          string `yaml:"namespace" env:"DRIVER_K8S_NAMESPACE"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" env:"DRIVER_K8S_INSECURE_SKIP_VERIFY"`
}

// GatewayConfig points at an HPC-kind Driver's stage-in/submit/stage-out
// gateway.
type GatewayConfig struct {
	Endpoint        string `yaml:"endpoint" env:"DRIVER_GATEWAY_ENDPOINT"`
	S3Endpoint      string `yaml:"s3_endpoint" env:"DRIVER_GATEWAY_S3_ENDPOINT"`
	S3AccessKey     string `yaml:"s3_access_key" env:"DRIVER_GATEWAY_S3_ACCESS_KEY"`
	S3SecretKey     string `yaml:"s3_secret_key" env:"DRIVER_GATEWAY_S3_SECRET_KEY"`
	Infrastructure  string `yaml:"infrastructure" env:"DRIVER_GATEWAY_INFRASTRUCTURE"`
}

// ManagerConfig controls the Manager's anomaly/placement thresholds.
type ManagerConfig struct {
	ShapValueThreshold float64       `yaml:"shap_value_threshold" env:"MANAGER_SHAP_THRESHOLD"`
	PollInterval       time.Duration `yaml:"poll_interval" env:"MANAGER_POLL_INTERVAL"`
}

// NotificationConfig controls the anomaly-event relay to the API Facade.
type NotificationConfig struct {
	Topic             string  `yaml:"topic" env:"NOTIFICATION_TOPIC"`
	ServiceEndpoint   string  `yaml:"service_endpoint" env:"NOTIFICATION_SERVICE_ENDPOINT"`
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"NOTIFICATION_REQUESTS_PER_SECOND"`
	Burst             int     `yaml:"burst" env:"NOTIFICATION_BURST"`
}

// Config is the top-level configuration tree shared (with overlapping
// fields left zero-valued where unused) by every orchestrator binary.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       logging.Config      `yaml:"logging"`
	KV            KVConfig            `yaml:"kv"`
	Broker        BrokerConfig        `yaml:"broker"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	SecureStorage SecureStorageConfig `yaml:"secure_storage"`
	ROT           ROTConfig           `yaml:"rot"`
	Redis         RedisConfig         `yaml:"redis"`
	Auth          AuthConfig          `yaml:"auth"`
	Driver        DriverConfig        `yaml:"driver"`
	K8sCluster    K8sClusterConfig    `yaml:"k8s_cluster"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Manager       ManagerConfig       `yaml:"manager"`
	Notification  NotificationConfig  `yaml:"notification"`
	MetricsPort   int                 `yaml:"metrics_port" env:"METRICS_PORT"`
}

// New returns a Config populated with the defaults every process should run
// with absent any overrides.
func New() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Logging: logging.Config{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		KV:  KVConfig{Backend: "memory"},
		ROT: ROTConfig{ResultsQueue: "rot_execution_results"},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
		},
		Auth: AuthConfig{TokenTTL: 24 * time.Hour},
		Driver: DriverConfig{
			HeartbeatInterval: 30 * time.Second,
		},
		K8sCluster: K8sClusterConfig{Namespace: "integration"},
		Manager: ManagerConfig{
			ShapValueThreshold: 0.5,
			PollInterval:       10 * time.Second,
		},
		Notification: NotificationConfig{
			Topic:             "ede_anomalies",
			RequestsPerSecond: 20,
			Burst:             40,
		},
		MetricsPort: 9090,
	}
}

// Load loads configuration from CONFIG_FILE (or ./configs/config.yaml if
// unset) and overlays it with environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "configs/config.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

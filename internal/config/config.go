package config

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "GATEWAY"

// Config is the gateway configuration. Precedence: flags, then GATEWAY_*
// environment variables, then the optional config file, then defaults.
type Config struct {
	Port                    int           `mapstructure:"port"`
	BatchEndpoint           string        `mapstructure:"batch-endpoint"`
	BlobStorageEndpoint     string        `mapstructure:"blob-storage-endpoint"`
	ContainerRegistry       string        `mapstructure:"container-registry"`
	ManagedIdentityClientID string        `mapstructure:"managed-identity-client-id"`
	PoolID                  string        `mapstructure:"pool-id"`
	Image                   string        `mapstructure:"image"`
	ContainerPort           int           `mapstructure:"container-port"`
	PortMin                 int           `mapstructure:"port-min"`
	PortMax                 int           `mapstructure:"port-max"`
	PollInterval            time.Duration `mapstructure:"poll-interval"`
	NodeTimeout             time.Duration `mapstructure:"node-timeout"`
	ReadyTimeout            time.Duration `mapstructure:"ready-timeout"`
	MaxSessions             int           `mapstructure:"max-sessions"`
	CatalogSources          []string      `mapstructure:"catalog-sources"`
	CatalogTTL              time.Duration `mapstructure:"catalog-ttl"`
	AuditDSN                string        `mapstructure:"audit-dsn"`
	GRPCBind                string        `mapstructure:"grpc-bind"`
	StaticDir               string        `mapstructure:"static-dir"`
	ProxyStrict             bool          `mapstructure:"proxy-strict"`
	APIKeys                 []string      `mapstructure:"api-keys"`
	LogLevel                string        `mapstructure:"log-level"`
	LogFormat               string        `mapstructure:"log-format"`
}

func defaults() map[string]any {
	return map[string]any{
		"port":                       8000,
		"batch-endpoint":             "",
		"blob-storage-endpoint":      "",
		"container-registry":         "",
		"managed-identity-client-id": "",
		"pool-id":                    "trame-pool",
		"image":                      "trame/trame-paraview:latest",
		"container-port":             8080,
		"port-min":                   8000,
		"port-max":                   9000,
		"poll-interval":              time.Second,
		"node-timeout":               5 * time.Minute,
		"ready-timeout":              time.Minute,
		"max-sessions":               0,
		"catalog-sources":            []string{"azure"},
		"catalog-ttl":                30 * time.Second,
		"audit-dsn":                  "",
		"grpc-bind":                  "",
		"static-dir":                 "",
		"proxy-strict":               true,
		"api-keys":                   []string{},
		"log-level":                  "info",
		"log-format":                 "json",
	}
}

// BindFlags registers every key on fs. Defaults shown in help match defaults().
func BindFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "optional YAML config file")
	fs.Int("port", 8000, "HTTP listen port")
	fs.String("batch-endpoint", "", "Azure Batch account endpoint")
	fs.String("blob-storage-endpoint", "", "Azure Blob Storage account endpoint")
	fs.String("container-registry", "", "container registry hosting the session image")
	fs.String("managed-identity-client-id", "", "client id of the user assigned managed identity")
	fs.String("pool-id", "trame-pool", "Batch pool sessions run on")
	fs.String("image", "trame/trame-paraview:latest", "session image repository:tag")
	fs.Int("container-port", 8080, "port the session server listens on inside the container")
	fs.Int("port-min", 8000, "lowest host port handed to sessions")
	fs.Int("port-max", 9000, "exclusive upper bound of session host ports")
	fs.Duration("poll-interval", time.Second, "interval between Batch status polls")
	fs.Duration("node-timeout", 5*time.Minute, "deadline for node assignment")
	fs.Duration("ready-timeout", time.Minute, "deadline for the session server to become ready")
	fs.Int("max-sessions", 0, "maximum concurrent sessions (0 = unlimited)")
	fs.StringSlice("catalog-sources", []string{"azure"}, "dataset sources: azure, s3, sftp, ftps")
	fs.Duration("catalog-ttl", 30*time.Second, "dataset listing cache lifetime")
	fs.String("audit-dsn", "", "Postgres DSN for the session audit trail (empty disables)")
	fs.String("grpc-bind", "", "gRPC health listen address (empty disables)")
	fs.String("static-dir", "", "directory of static web assets")
	fs.Bool("proxy-strict", true, "only proxy to endpoints of live sessions")
	fs.StringSlice("api-keys", nil, "bearer keys required on the JSON API (empty leaves it open)")
	fs.String("log-level", "info", "log level")
	fs.String("log-format", "json", "log format: json or console")
}

// Load resolves the configuration from fs, the environment and the file named
// by the "config" flag.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.CatalogSources = splitCSV(cfg.CatalogSources)
	cfg.APIKeys = splitCSV(cfg.APIKeys)
	return cfg, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var result *multierror.Error
	fail := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}
	if c.BatchEndpoint == "" {
		fail("batch-endpoint is required")
	}
	if c.ContainerRegistry == "" {
		fail("container-registry is required")
	}
	if slices.Contains(c.CatalogSources, "azure") && c.BlobStorageEndpoint == "" {
		fail("blob-storage-endpoint is required by the azure catalog source")
	}
	if c.Port < 1 || c.Port > 65535 {
		fail("port %d out of range", c.Port)
	}
	if c.ContainerPort < 1 || c.ContainerPort > 65535 {
		fail("container-port %d out of range", c.ContainerPort)
	}
	if c.PortMin < 1 || c.PortMax > 65536 || c.PortMin >= c.PortMax {
		fail("invalid port range [%d, %d)", c.PortMin, c.PortMax)
	}
	for key, d := range map[string]time.Duration{
		"poll-interval": c.PollInterval,
		"node-timeout":  c.NodeTimeout,
		"ready-timeout": c.ReadyTimeout,
	} {
		if d <= 0 {
			fail("%s must be positive", key)
		}
	}
	if c.MaxSessions < 0 {
		fail("max-sessions must not be negative")
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		fail("log-format must be json or console")
	}
	if err := result.ErrorOrNil(); err != nil {
		return errors.Join(ErrInvalid, err)
	}
	return nil
}

var ErrInvalid = errors.New("invalid configuration")

// HTTPAddr is the HTTP listen address.
func (c Config) HTTPAddr() string {
	return ":" + strconv.Itoa(c.Port)
}

// SanitizeListenAddr trims whitespace/comments so malformed values (e.g. ":50060 :: note") do not break net.Listen.
func SanitizeListenAddr(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return trimmed
	}
	fields := strings.Fields(trimmed)
	if len(fields) > 0 {
		trimmed = fields[0]
	}
	trimmed = strings.Trim(trimmed, "\"'")
	return trimmed
}

// splitCSV flattens values that arrived as one comma separated string, as
// environment variables do.
func splitCSV(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

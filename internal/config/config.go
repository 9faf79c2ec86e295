package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	"authme/internal/security"
)

// ErrInvalidConfig is wrapped by every validation failure returned from
// Validate and Load.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the complete application configuration
type Config struct {
	Client    ClientConfig    `yaml:"client" json:"client" envconfig:"CLIENT"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging" envconfig:"LOGGING"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry" envconfig:"TELEMETRY"`
	Server    ServerConfig    `yaml:"server" json:"server" envconfig:"SERVER"`
}

// ClientConfig holds the license authority credentials and client behavior.
type ClientConfig struct {
	APIURL    string `yaml:"api_url" json:"api_url" envconfig:"API_URL" validate:"required,absurl"`
	AppID     string `yaml:"app_id" json:"app_id" envconfig:"APP_ID" validate:"required,min=8"`
	AppSecret string `yaml:"app_secret" json:"app_secret" envconfig:"APP_SECRET" validate:"required,min=16"`
	AppName   string `yaml:"app_name" json:"app_name" envconfig:"APP_NAME"`

	CacheTTLSeconds  int           `yaml:"cache_ttl_seconds" json:"cache_ttl_seconds" envconfig:"CACHE_TTL_SECONDS" validate:"gte=0"`
	TimeoutSeconds   int           `yaml:"timeout_seconds" json:"timeout_seconds" envconfig:"TIMEOUT_SECONDS" validate:"gt=0"`
	EnableRetry      bool          `yaml:"enable_retry" json:"enable_retry" envconfig:"ENABLE_RETRY"`
	MaxRetryAttempts int           `yaml:"max_retry_attempts" json:"max_retry_attempts" envconfig:"MAX_RETRY_ATTEMPTS" validate:"gte=0,lte=10"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay" json:"retry_base_delay" envconfig:"RETRY_BASE_DELAY" validate:"gte=0"`

	HWIDMethod       string `yaml:"hwid_method" json:"hwid_method" envconfig:"HWID_METHOD" validate:"required,hwid_method"`
	CustomHardwareID string `yaml:"custom_hardware_id" json:"custom_hardware_id" envconfig:"CUSTOM_HARDWARE_ID"`

	EnableAnalytics          bool `yaml:"enable_analytics" json:"enable_analytics" envconfig:"ENABLE_ANALYTICS"`
	ReportSecurityViolations bool `yaml:"report_security_violations" json:"report_security_violations" envconfig:"REPORT_SECURITY_VIOLATIONS"`

	// RequestsPerSecond throttles outbound calls; 0 disables the limiter.
	RequestsPerSecond float64  `yaml:"requests_per_second" json:"requests_per_second" envconfig:"REQUESTS_PER_SECOND" validate:"gte=0"`
	PinnedKeys        []string `yaml:"pinned_keys" json:"pinned_keys" envconfig:"PINNED_KEYS" validate:"dive,len=64,hexadecimal"`
	StrictPinning     bool     `yaml:"strict_pinning" json:"strict_pinning" envconfig:"STRICT_PINNING"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level" envconfig:"LEVEL" validate:"omitempty,oneof=debug info warn warning error"`
	Output   string `yaml:"output" json:"output" envconfig:"OUTPUT" validate:"oneof=stdout file both"`
	FilePath string `yaml:"file_path" json:"file_path" envconfig:"FILE_PATH" validate:"required_unless=Output stdout"`
}

// TelemetryConfig selects the OpenTelemetry exporters.
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" json:"service_name" envconfig:"SERVICE_NAME" validate:"required"`
	TraceExporter  string  `yaml:"trace_exporter" json:"trace_exporter" envconfig:"TRACE_EXPORTER" validate:"oneof=stdout none"`
	MetricExporter string  `yaml:"metric_exporter" json:"metric_exporter" envconfig:"METRIC_EXPORTER" validate:"oneof=prometheus none"`
	SampleRatio    float64 `yaml:"sample_ratio" json:"sample_ratio" envconfig:"SAMPLE_RATIO" validate:"gte=0,lte=1"`
}

// ServerConfig contains the sidecar HTTP server configuration
type ServerConfig struct {
	ListenAddr   string        `yaml:"listen_addr" json:"listen_addr" envconfig:"LISTEN_ADDR" validate:"required,hostname_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" envconfig:"READ_TIMEOUT" validate:"gt=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" envconfig:"WRITE_TIMEOUT" validate:"gt=0"`
}

// Default returns a configuration populated with the built-in defaults.
// Credentials are left empty and must be supplied by file or environment.
func Default() Config {
	return Config{
		Client: ClientConfig{
			APIURL:           DefaultAPIURL,
			CacheTTLSeconds:  DefaultCacheTTLSeconds,
			TimeoutSeconds:   DefaultTimeoutSeconds,
			EnableRetry:      true,
			MaxRetryAttempts: DefaultMaxRetryAttempts,
			RetryBaseDelay:   DefaultRetryBaseDelay,
			HWIDMethod:       DefaultHWIDMethod,
		},
		Logging: LoggingConfig{
			Level:    DefaultLogLevel,
			Output:   DefaultLogOutput,
			FilePath: DefaultLogFilePath,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    DefaultServiceName,
			TraceExporter:  DefaultTraceExporter,
			MetricExporter: DefaultMetricExporter,
			SampleRatio:    1,
		},
		Server: ServerConfig{
			ListenAddr:   DefaultListenAddr,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
		},
	}
}

// Load resolves the configuration from defaults, an optional YAML file and
// AUTHME_* environment variables, then validates the result. An empty path
// falls back to AUTHME_CONFIG and then to the well-known file locations.
func Load(path string) (*Config, error) {
	cfg, err := Resolve(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Resolve is Load without validation, for commands such as hardware id
// printing that work without authority credentials.
func Resolve(path string) (*Config, error) {
	cfg := Default()

	if configFile := resolveConfigFile(path); configFile != "" {
		if err := loadFromFile(configFile, &cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file %s: %w", configFile, err)
		}
	}

	// Environment last; envconfig leaves unset variables untouched.
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	cfg.normalize()
	return &cfg, nil
}

// resolveConfigFile picks the YAML file to read. An explicit path wins even
// when missing so that a typo surfaces as an error instead of silent defaults.
func resolveConfigFile(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv(EnvConfigFile); env != "" {
		return env
	}
	for _, candidate := range []string{"authme.yaml", "configs/authme.yaml"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// loadFromFile overlays YAML onto cfg; keys absent from the file keep
// their current values.
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) normalize() {
	c.Client.APIURL = strings.TrimRight(strings.TrimSpace(c.Client.APIURL), "/")
	c.Client.HWIDMethod = strings.ToLower(strings.TrimSpace(c.Client.HWIDMethod))
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.Logging.Output = strings.ToLower(c.Logging.Output)
	for i, k := range c.Client.PinnedKeys {
		c.Client.PinnedKeys[i] = strings.ToLower(strings.TrimSpace(k))
	}
}

// Validate checks every section of the configuration.
func (c *Config) Validate() error {
	return validateStruct(c)
}

// Validate checks the client section on its own. It is what license.NewClient
// calls, so library users that build a ClientConfig by hand get the same rules
// as Load.
func (c ClientConfig) Validate() error {
	return validateStruct(c)
}

// Timeout returns the per-request timeout.
func (c ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CacheTTL returns how long a successful validation stays cached.
func (c ClientConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// Attempts returns how many network attempts a validation may make.
func (c ClientConfig) Attempts() int {
	if !c.EnableRetry {
		return 1
	}
	return c.MaxRetryAttempts
}

// Method parses HWIDMethod, defaulting to comprehensive when it is blank.
func (c ClientConfig) Method() (security.Method, error) {
	if strings.TrimSpace(c.HWIDMethod) == "" {
		return security.MethodComprehensive, nil
	}
	return security.ParseMethod(c.HWIDMethod)
}

// APIHost returns the host component of APIURL.
func (c ClientConfig) APIHost() string {
	u, err := url.Parse(c.APIURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report yaml names so messages match what users write in the config file.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	_ = v.RegisterValidation("absurl", func(fl validator.FieldLevel) bool {
		u, err := url.Parse(fl.Field().String())
		return err == nil && u.IsAbs() && u.Host != ""
	})
	_ = v.RegisterValidation("hwid_method", func(fl validator.FieldLevel) bool {
		_, err := security.ParseMethod(fl.Field().String())
		return err == nil
	})

	return v
}

func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required", "required_unless":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
	case "absurl":
		return field + " must be an absolute URL"
	case "hwid_method":
		return fmt.Sprintf("%s %q is not a known hardware id method", field, fe.Value())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be > %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

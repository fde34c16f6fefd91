// internal/config/config.go
// Server configuration: defaults, optional JSON file, optional .env file, then environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/erilali/dispatch/internal/logger"
	"github.com/erilali/dispatch/internal/util"
	"github.com/joho/godotenv"
)

// Duration reads from JSON as a Go duration string ("15s").
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

type Config struct {
	Addr           string   `json:"addr"`
	WSPath         string   `json:"ws_path"`
	AllowedOrigins []string `json:"allowed_origins"` // empty allows every origin

	NATSURL       string `json:"nats_url"` // empty disables the relay
	SubjectPrefix string `json:"subject_prefix"`

	SendBufferSize       int     `json:"send_buffer_size"`
	MaxMessageSize       int64   `json:"max_message_size"`
	InboundRatePerSecond float64 `json:"inbound_rate_per_second"` // 0 disables throttling
	InboundBurst         int     `json:"inbound_burst"`

	ShutdownTimeout Duration `json:"shutdown_timeout"`

	Log logger.LogConfig `json:"log"`
}

func Default() Config {
	return Config{
		Addr:                 ":8080",
		WSPath:               "/ws",
		NATSURL:              "nats://127.0.0.1:4222",
		SubjectPrefix:        "dispatch",
		SendBufferSize:       256,
		MaxMessageSize:       4096,
		InboundRatePerSecond: 20,
		InboundBurst:         40,
		ShutdownTimeout:      Duration(10 * time.Second),
		Log:                  logger.DefaultLogConfig(),
	}
}

// Load builds the configuration. jsonPath and envFiles are optional; missing
// files are skipped. Variables already present in the environment win over
// .env entries, and the environment wins over the JSON file.
func Load(jsonPath string, envFiles ...string) (Config, error) {
	cfg := Default()

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("load %s: %w", f, err)
		}
	}

	if jsonPath != "" {
		if err := util.LoadJSONFile(jsonPath, &cfg); err != nil {
			return cfg, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv("DISPATCH_ADDR"); ok {
		cfg.Addr = v
	}
	if v, ok := os.LookupEnv("DISPATCH_WS_PATH"); ok {
		cfg.WSPath = v
	}
	if v, ok := os.LookupEnv("DISPATCH_ALLOWED_ORIGINS"); ok {
		cfg.AllowedOrigins = splitList(v)
	}
	if v, ok := os.LookupEnv("NATS_URL"); ok {
		cfg.NATSURL = v
	}
	if v, ok := os.LookupEnv("DISPATCH_SUBJECT_PREFIX"); ok {
		cfg.SubjectPrefix = v
	}
	if v, ok := os.LookupEnv("DISPATCH_SEND_BUFFER"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DISPATCH_SEND_BUFFER: %w", err)
		}
		cfg.SendBufferSize = n
	}
	if v, ok := os.LookupEnv("DISPATCH_MAX_MESSAGE_SIZE"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("DISPATCH_MAX_MESSAGE_SIZE: %w", err)
		}
		cfg.MaxMessageSize = n
	}
	if v, ok := os.LookupEnv("DISPATCH_INBOUND_RATE"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("DISPATCH_INBOUND_RATE: %w", err)
		}
		cfg.InboundRatePerSecond = f
	}
	if v, ok := os.LookupEnv("DISPATCH_INBOUND_BURST"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DISPATCH_INBOUND_BURST: %w", err)
		}
		cfg.InboundBurst = n
	}
	if v, ok := os.LookupEnv("DISPATCH_SHUTDOWN_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("DISPATCH_SHUTDOWN_TIMEOUT: %w", err)
		}
		cfg.ShutdownTimeout = Duration(d)
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.Log.Level = v
	}
	if v, ok := os.LookupEnv("LOG_FORMAT"); ok {
		cfg.Log.LogToJSON = !strings.EqualFold(v, "console")
	}
	if v, ok := os.LookupEnv("LOG_FILE"); ok {
		cfg.Log.FilePath = v
		cfg.Log.LogToFile = v != ""
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		errs = append(errs, fmt.Errorf("ws_path %q must start with /", c.WSPath))
	}
	if c.SubjectPrefix == "" || strings.ContainsAny(c.SubjectPrefix, " *>") {
		errs = append(errs, fmt.Errorf("subject_prefix %q is not a valid NATS subject token", c.SubjectPrefix))
	}
	if c.SendBufferSize < 1 {
		errs = append(errs, fmt.Errorf("send_buffer_size must be positive, got %d", c.SendBufferSize))
	}
	if c.MaxMessageSize < 64 {
		errs = append(errs, fmt.Errorf("max_message_size must be at least 64 bytes, got %d", c.MaxMessageSize))
	}
	if c.InboundRatePerSecond < 0 {
		errs = append(errs, errors.New("inbound_rate_per_second must not be negative"))
	}
	if c.InboundRatePerSecond > 0 && c.InboundBurst < 1 {
		errs = append(errs, errors.New("inbound_burst must be positive when throttling is enabled"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown_timeout must be positive"))
	}
	return errors.Join(errs...)
}

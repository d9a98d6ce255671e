package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ControllerConfig holds configuration for the flowping controller
type ControllerConfig struct {
	InstanceID  string
	SpeakerAddr string
	DatabaseURI string
	LogLevel    string

	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	FailDelay     time.Duration
	FailReset     time.Duration
	// GarbageDelay falls back to FailReset when zero
	GarbageDelay time.Duration
	TickPeriod   time.Duration
	ProbeRate    int

	SigningSecret string

	MetricsEnabled    bool
	OtelCollectorAddr string
}

// flag name -> config key
var controllerFlagKeys = map[string]string{
	"instance-id":         "instance_id",
	"speaker-addr":        "speaker_addr",
	"database-uri":        "database_uri",
	"log-level":           "log_level",
	"probe-interval":      "probe_interval",
	"probe-timeout":       "probe_timeout",
	"fail-delay":          "fail_delay",
	"fail-reset":          "fail_reset",
	"garbage-delay":       "garbage_delay",
	"tick-period":         "tick_period",
	"probe-rate":          "probe_rate",
	"signing-secret":      "signing_secret",
	"metrics-enabled":     "metrics_enabled",
	"otel-collector-addr": "otel_collector_addr",
}

// SetupControllerFlags sets up the command line flags for the controller
func SetupControllerFlags(flagSet *pflag.FlagSet) {
	flagSet.String("config", "", "Path to configuration file")
	flagSet.Bool("create-config", false, "Create a default configuration file")
	flagSet.String("config-output", "controller.yaml", "Path where to write the default configuration")
	flagSet.Bool("version", false, "Show version information")
	flagSet.String("instance-id", defaultInstanceID(), "Identifier of this controller in metrics")
	flagSet.String("speaker-addr", "ws://localhost:8090/speaker", "Websocket URL of the speaker gateway")
	flagSet.String("database-uri", "http://localhost:4001", "URI for the rqlite connection")
	flagSet.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flagSet.Duration("probe-interval", 10*time.Second, "Interval between periodic flow pings")
	flagSet.Duration("probe-timeout", 2*time.Second, "Time to wait for a ping to come back")
	flagSet.Duration("fail-delay", 45*time.Second, "How long pings must fail before a flow is FAILED")
	flagSet.Duration("fail-reset", 1800*time.Second, "How long a FAILED flow direction is held")
	flagSet.Duration("garbage-delay", 0, "Forget unobserved flow directions after this delay (0 = fail-reset)")
	flagSet.Duration("tick-period", time.Second, "Period of the pipeline clock")
	flagSet.Int("probe-rate", 100, "Maximum flows pinged per second (0 = unlimited)")
	flagSet.String("signing-secret", "", "Shared secret used to sign ping payloads")
	flagSet.Bool("metrics-enabled", false, "Export ping metrics over OTLP")
	flagSet.String("otel-collector-addr", "localhost:4317", "OTLP collector address (grpc://, grpcs://, http://, https:// or host:port)")
}

func setControllerDefaults(v *viper.Viper) {
	v.SetDefault("instance_id", defaultInstanceID())
	v.SetDefault("speaker_addr", "ws://localhost:8090/speaker")
	v.SetDefault("database_uri", "http://localhost:4001")
	v.SetDefault("log_level", "info")
	v.SetDefault("probe_interval", "10s")
	v.SetDefault("probe_timeout", "2s")
	v.SetDefault("fail_delay", "45s")
	v.SetDefault("fail_reset", "1800s")
	v.SetDefault("garbage_delay", "0s")
	v.SetDefault("tick_period", "1s")
	v.SetDefault("probe_rate", 100)
	v.SetDefault("signing_secret", "")
	v.SetDefault("metrics_enabled", false)
	v.SetDefault("otel_collector_addr", "localhost:4317")
}

// LoadControllerConfig loads the configuration for a controller from a
// file, environment variables and, when flagSet is not nil, command line
// flags that were set explicitly.
func LoadControllerConfig(configPath string, flagSet *pflag.FlagSet) (*ControllerConfig, error) {
	v := viper.New()
	setControllerDefaults(v)

	// Environment variables
	v.SetEnvPrefix("FLOWPING_CONTROLLER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if flagSet != nil {
		for flagName, key := range controllerFlagKeys {
			flag := flagSet.Lookup(flagName)
			if flag == nil || !flag.Changed {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", flagName, err)
			}
		}
	}

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("controller")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.flowping")
		v.AddConfigPath("/etc/flowping")
	}

	if err := v.ReadInConfig(); err != nil {
		// It's okay if config file is not found, but other errors should be handled
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configPath != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &ControllerConfig{
		InstanceID:        v.GetString("instance_id"),
		SpeakerAddr:       v.GetString("speaker_addr"),
		DatabaseURI:       v.GetString("database_uri"),
		LogLevel:          v.GetString("log_level"),
		ProbeInterval:     v.GetDuration("probe_interval"),
		ProbeTimeout:      v.GetDuration("probe_timeout"),
		FailDelay:         v.GetDuration("fail_delay"),
		FailReset:         v.GetDuration("fail_reset"),
		GarbageDelay:      v.GetDuration("garbage_delay"),
		TickPeriod:        v.GetDuration("tick_period"),
		ProbeRate:         v.GetInt("probe_rate"),
		SigningSecret:     v.GetString("signing_secret"),
		MetricsEnabled:    v.GetBool("metrics_enabled"),
		OtelCollectorAddr: v.GetString("otel_collector_addr"),
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the configuration for values the controller can not run with
func (c *ControllerConfig) Validate() error {
	durations := map[string]time.Duration{
		"probe_interval": c.ProbeInterval,
		"probe_timeout":  c.ProbeTimeout,
		"fail_delay":     c.FailDelay,
		"fail_reset":     c.FailReset,
		"tick_period":    c.TickPeriod,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.GarbageDelay < 0 {
		return fmt.Errorf("garbage_delay must not be negative, got %s", c.GarbageDelay)
	}
	if c.ProbeRate < 0 {
		return fmt.Errorf("probe_rate must not be negative, got %d", c.ProbeRate)
	}
	if c.SigningSecret == "" {
		return errors.New("signing_secret must be set")
	}
	if c.SpeakerAddr == "" {
		return errors.New("speaker_addr must be set")
	}
	if c.ProbeTimeout >= c.ProbeInterval {
		log.Warn().
			Dur("probe_timeout", c.ProbeTimeout).
			Dur("probe_interval", c.ProbeInterval).
			Msg("Probe timeout is not shorter than the probe interval, ping rounds will overlap")
	}
	return nil
}

// CreateDefaultControllerConfig creates a default configuration file for a controller
func CreateDefaultControllerConfig(path string) error {
	configContent := `# Flowping Controller Configuration
speaker_addr: "ws://localhost:8090/speaker"
database_uri: "http://localhost:4001"
log_level: "info" # trace, debug, info, warn, error

# Ping timing
probe_interval: "10s"
probe_timeout: "2s"
probe_rate: 100 # flows per second, 0 = unlimited
tick_period: "1s"

# Flow health hysteresis
fail_delay: "45s"
fail_reset: "1800s"
garbage_delay: "0s" # 0 = same as fail_reset

# Shared with nothing else; pings signed with another secret are dropped
signing_secret: "change-me"

# OpenTelemetry metrics
metrics_enabled: false
otel_collector_addr: "localhost:4317" # grpc://, grpcs://, http://, https:// or host:port
`

	return writeConfigFile(path, configContent)
}

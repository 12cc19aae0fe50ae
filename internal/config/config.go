package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Tracking modes.
const (
	ModeForeground = "foreground"
	ModeBackground = "background"
)

// AgentConfig captures all tunable parameters for the tracker process.
// Values are loaded from environment variables with defaults that let the
// agent run against a local backend without setup. Tracking interval and
// distance filter are not here; they live in the durable tracking config.
type AgentConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	SocketURL         string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	DialTimeout       time.Duration
	StableAfter       time.Duration

	StorePath     string
	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	KafkaTopic   string

	GPSDevice  string
	GPSBaud    int
	ReplayFile string

	TrackingMode         string
	PermissionForeground bool
	PermissionBackground bool

	BatteryPath string
	AuthToken   string
	JWTSecret   string

	LogLevel string
}

func defaultAgentConfig() AgentConfig {
	return AgentConfig{
		HTTPAddr:             "127.0.0.1:8090",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		ShutdownTimeout:      10 * time.Second,
		SocketURL:            "ws://localhost:8080/ws",
		ReconnectAttempts:    10,
		ReconnectDelay:       time.Second,
		ReconnectDelayMax:    5 * time.Second,
		DialTimeout:          20 * time.Second,
		StableAfter:          5 * time.Second,
		StorePath:            "rider-tracker.db",
		KafkaTopic:           "rider-locations",
		GPSBaud:              9600,
		TrackingMode:         ModeBackground,
		PermissionForeground: true,
		PermissionBackground: true,
		BatteryPath:          "/sys/class/power_supply/BAT0",
		LogLevel:             "info",
	}
}

func LoadAgentConfig() (AgentConfig, error) {
	cfg := defaultAgentConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.SocketURL, "SOCKET_URL")
	setIntFromEnv(&cfg.ReconnectAttempts, "SOCKET_RECONNECT_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.ReconnectDelay, "SOCKET_RECONNECT_DELAY", &errs)
	setDurationFromEnv(&cfg.ReconnectDelayMax, "SOCKET_RECONNECT_DELAY_MAX", &errs)
	setDurationFromEnv(&cfg.DialTimeout, "SOCKET_DIAL_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.StableAfter, "SOCKET_STABLE_AFTER", &errs)

	setStringFromEnv(&cfg.StorePath, "STORE_PATH")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	setStringFromEnv(&cfg.GPSDevice, "GPS_DEVICE")
	setIntFromEnv(&cfg.GPSBaud, "GPS_BAUD", &errs)
	setStringFromEnv(&cfg.ReplayFile, "REPLAY_FILE")

	if v := os.Getenv("TRACKING_MODE"); v != "" {
		cfg.TrackingMode = strings.ToLower(strings.TrimSpace(v))
	}
	setPermissionFromEnv(&cfg.PermissionForeground, "PERMISSION_FOREGROUND", &errs)
	setPermissionFromEnv(&cfg.PermissionBackground, "PERMISSION_BACKGROUND", &errs)

	setStringFromEnv(&cfg.BatteryPath, "BATTERY_PATH")
	cfg.AuthToken = strings.TrimSpace(os.Getenv("AUTH_TOKEN"))
	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.ReconnectAttempts <= 0 {
		errs = append(errs, fmt.Errorf("SOCKET_RECONNECT_ATTEMPTS must be > 0"))
	}
	if cfg.ReconnectDelay <= 0 || cfg.ReconnectDelayMax <= 0 {
		errs = append(errs, fmt.Errorf("socket reconnect delays must be > 0"))
	}
	if cfg.TrackingMode != ModeForeground && cfg.TrackingMode != ModeBackground {
		errs = append(errs, fmt.Errorf("TRACKING_MODE must be %q or %q, got %q", ModeForeground, ModeBackground, cfg.TrackingMode))
	}
	if cfg.GPSDevice != "" && cfg.ReplayFile != "" {
		errs = append(errs, fmt.Errorf("GPS_DEVICE and REPLAY_FILE are mutually exclusive"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

// setPermissionFromEnv accepts granted/denied as well as anything strconv.ParseBool does.
func setPermissionFromEnv(target *bool, key string, errs *[]error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return
	case "granted":
		*target = true
	case "denied":
		*target = false
	default:
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

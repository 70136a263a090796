package settings

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultBaseURL      = "https://app1pub.smappee.net/dev/v3"
	defaultMQTTHost     = "mqtt.smappee.net"
	defaultMQTTPort     = 443
	defaultPollInterval = 30 * time.Second

	minPollInterval = 5 * time.Second
	maxPollInterval = 3600 * time.Second
)

// ConnectorSettings identifies one connector smart device on the station.
type ConnectorSettings struct {
	UUID     string `mapstructure:"uuid"`
	DeviceID string `mapstructure:"device_id"`
	Number   int    `mapstructure:"number"`
}

type Settings struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`

	Serial              string `mapstructure:"serial"`
	ServiceLocationID   string `mapstructure:"service_location_id"`
	ServiceLocationUUID string `mapstructure:"service_location_uuid"`
	StationDeviceUUID   string `mapstructure:"station_device_uuid"`
	StationDeviceID     string `mapstructure:"station_device_id"`

	Connectors []ConnectorSettings `mapstructure:"connectors"`

	BaseURL      string        `mapstructure:"base_url"`
	MQTTHost     string        `mapstructure:"mqtt_host"`
	MQTTPort     int           `mapstructure:"mqtt_port"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	LogLevel     string        `mapstructure:"log_level"`
}

// GetSettings loads configuration from an optional smappee.yaml in the
// working directory, overridden by SMAPPEE_* environment variables.
func GetSettings() (Settings, error) {
	v := viper.New()
	v.SetConfigName("smappee")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/smappee-ev-sync")

	v.SetEnvPrefix("SMAPPEE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys need a default registered for env-only values to survive
	// Unmarshal; viper only walks keys it already knows about.
	for _, key := range []string{
		"client_id", "client_secret", "username", "password",
		"serial", "service_location_id", "service_location_uuid",
		"station_device_uuid", "station_device_id",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("base_url", defaultBaseURL)
	v.SetDefault("mqtt_host", defaultMQTTHost)
	v.SetDefault("mqtt_port", defaultMQTTPort)
	v.SetDefault("poll_interval", defaultPollInterval)
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Settings{}, fmt.Errorf("error reading config file: %w", err)
		}
		// no config file is fine, env vars can carry everything
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("error parsing settings: %w", err)
	}

	if s.ClientID == "" || s.ClientSecret == "" {
		return Settings{}, fmt.Errorf("client_id and client_secret are required")
	}
	if s.Username == "" || s.Password == "" {
		return Settings{}, fmt.Errorf("username and password are required")
	}
	if s.ServiceLocationID == "" && s.Serial == "" {
		return Settings{}, fmt.Errorf("either service_location_id or serial is required")
	}

	s.BaseURL = strings.TrimRight(s.BaseURL, "/")
	s.PollInterval = clampPollInterval(s.PollInterval)

	return s, nil
}

func clampPollInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultPollInterval
	}
	if d < minPollInterval {
		return minPollInterval
	}
	if d > maxPollInterval {
		return maxPollInterval
	}
	return d
}

package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"github.com/terracarta/geosync/pkg/models"
)

// RepositoryConfig locates the configuration repository.
type RepositoryConfig struct {
	URL      string `mapstructure:"url" validate:"required"`
	Username string `mapstructure:"username"`
	Token    string `mapstructure:"token"`
}

// TargetConfig locates the geospatial server's admin API.
type TargetConfig struct {
	AdminURL string        `mapstructure:"adminUrl" validate:"required,url"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// EnvironmentConfig describes one watched environment: which branch and
// repository subtree it tracks and the deployment policy that gates it.
type EnvironmentConfig struct {
	Name   string                  `mapstructure:"name" validate:"required"`
	Branch string                  `mapstructure:"branch" validate:"required"`
	Path   string                  `mapstructure:"path" validate:"required"`
	Policy models.DeploymentPolicy `mapstructure:"policy"`
}

// Config is the agent configuration.
type Config struct {
	DataDir      string              `mapstructure:"dataDir" validate:"required"`
	PollInterval time.Duration       `mapstructure:"pollInterval"`
	Repository   RepositoryConfig    `mapstructure:"repository"`
	Target       TargetConfig        `mapstructure:"target"`
	Environments []EnvironmentConfig `mapstructure:"environments" validate:"required,min=1,dive"`
}

// MirrorDir returns the working-copy directory for one environment. Each
// environment gets its own copy so fetches never contend across loops.
func (c *Config) MirrorDir(environment string) string {
	return filepath.Join(c.DataDir, "mirrors", environment)
}

// ConfigManager loads and validates the agent configuration.
type ConfigManager interface {
	LoadAndValidateConfig() (*Config, error)
}

type configManager struct {
	validator      *validator.Validate
	configFilePath string
}

// NewConfigManager creates a ConfigManager for the given file.
func NewConfigManager(completeFilePath string) ConfigManager {
	return &configManager{
		validator:      validator.New(),
		configFilePath: completeFilePath,
	}
}

func (cm *configManager) LoadAndValidateConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(cm.configFilePath)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToWeekdayHookFunc(),
	))
	if err := v.Unmarshal(&config, decodeHook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&config)

	if err := cm.validator.Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

func applyDefaults(config *Config) {
	if config.PollInterval == 0 {
		config.PollInterval = 30 * time.Second
	}
	if config.Target.Timeout == 0 {
		config.Target.Timeout = 30 * time.Second
	}
	for i := range config.Environments {
		policy := &config.Environments[i].Policy
		if policy.ApprovalTimeout == 0 {
			policy.ApprovalTimeout = time.Hour
		}
		if policy.ModifiedThreshold == 0 {
			policy.ModifiedThreshold = models.DefaultModifiedThreshold
		}
	}
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
	"sun":       time.Sunday,
	"mon":       time.Monday,
	"tue":       time.Tuesday,
	"wed":       time.Wednesday,
	"thu":       time.Thursday,
	"fri":       time.Friday,
	"sat":       time.Saturday,
}

// stringToWeekdayHookFunc lets policies spell allowedDays as day names.
func stringToWeekdayHookFunc() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf(time.Weekday(0)) {
			return data, nil
		}
		name := strings.ToLower(data.(string))
		day, ok := weekdays[name]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", data)
		}
		return day, nil
	}
}
